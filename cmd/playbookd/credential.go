package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/rendis/playbookd/internal/secrets"
)

const credentialUsage = `Usage:
  playbookd credential set NAME -username USER [-password PASS]   (password read from stdin when omitted)
  playbookd credential get NAME [-show]
  playbookd credential list
  playbookd credential delete NAME
`

// runCredential manages vault entries referenced as {{ credential.NAME }}.
func runCredential(args []string, cfg Config, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, credentialUsage)
		return 2
	}
	if cfg.VaultKey == "" {
		fmt.Fprintln(stderr, "Error: PLAYBOOKD_VAULT_KEY must be set to manage credentials")
		return 1
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer st.Close()

	vault, err := openVault(ctx, st, cfg.VaultKey)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	sub, rest := args[0], args[1:]
	switch sub {
	case "set":
		err = credentialSet(ctx, vault, rest, stdin, stdout)
	case "get":
		err = credentialGet(ctx, vault, rest, stdout)
	case "list":
		err = credentialList(ctx, vault, stdout)
	case "delete":
		err = credentialDelete(ctx, vault, rest, stdout)
	default:
		fmt.Fprintf(stderr, "Error: unknown credential command %q\n\n%s", sub, credentialUsage)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// splitName takes the leading NAME argument so flags may follow it.
func splitName(args []string) (string, []string, error) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return "", nil, errors.New("credential name is required")
	}
	return args[0], args[1:], nil
}

func credentialSet(ctx context.Context, v *secrets.Vault, args []string, stdin io.Reader, stdout io.Writer) error {
	name, rest, err := splitName(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("credential set", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	username := fs.String("username", "", "username")
	password := fs.String("password", "", "password (read from stdin when omitted)")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	if *username == "" {
		return errors.New("-username is required")
	}

	pass := *password
	if pass == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		pass = strings.TrimRight(line, "\r\n")
	}
	if pass == "" {
		return errors.New("password is empty")
	}

	if err := v.SetCredential(ctx, name, secrets.Credential{Username: *username, Password: pass}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "credential %q stored\n", name)
	return nil
}

func credentialGet(ctx context.Context, v *secrets.Vault, args []string, stdout io.Writer) error {
	name, rest, err := splitName(args)
	if err != nil {
		return err
	}
	fs := flag.NewFlagSet("credential get", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	show := fs.Bool("show", false, "print the password in clear text")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	cred, err := v.GetCredential(ctx, name)
	if err != nil {
		return err
	}
	pass := strings.Repeat("*", 8)
	if *show {
		pass = cred.Password
	}
	fmt.Fprintf(stdout, "username: %s\npassword: %s\n", cred.Username, pass)
	return nil
}

func credentialList(ctx context.Context, v *secrets.Vault, stdout io.Writer) error {
	names, err := v.ListCredentials(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Fprintln(stdout, n)
	}
	return nil
}

func credentialDelete(ctx context.Context, v *secrets.Vault, args []string, stdout io.Writer) error {
	name, _, err := splitName(args)
	if err != nil {
		return err
	}
	if err := v.DeleteCredential(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "credential %q deleted\n", name)
	return nil
}
