package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/rendis/playbookd/internal/logging"
)

const usage = `playbookd runs declarative automation playbooks.

Usage:
  playbookd serve       [-listen-addr ADDR] [-playbook-dir DIR]
  playbookd mcp         [-playbook-dir DIR]
  playbookd run         [-p key=value]... [-params-file FILE] [-debug] [-json] PLAYBOOK
  playbookd validate    FILE|DIR...
  playbookd diagram     [-format mermaid|ascii|png|svg] [-o FILE] [-execution ID] [PLAYBOOK]
  playbookd credential  set|get|list|delete [NAME]
  playbookd version

Configuration is read from ~/.playbookd/settings.json and PLAYBOOKD_* env vars.
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version", "-version", "--version":
		printVersion()
		return 0
	case "help", "-h", "-help", "--help":
		fmt.Fprint(os.Stdout, usage)
		return 0
	case "validate":
		return runValidate(rest, os.Stdout, os.Stderr)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	switch cmd {
	case "serve":
		return runServe(rest, cfg)
	case "mcp":
		return runMCP(rest, cfg)
	case "run":
		return runPlaybook(rest, cfg, os.Stdout, os.Stderr)
	case "diagram":
		return runDiagram(rest, cfg, os.Stdout, os.Stderr)
	case "credential":
		return runCredential(rest, cfg, os.Stdin, os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

// newLogger builds the process logger. Commands that own stdout pass
// os.Stderr so their output stays machine-readable.
func newLogger(cfg Config, out io.Writer, lv *slog.LevelVar) *slog.Logger {
	logger := logging.New(logging.Config{
		Level:    cfg.LogLevel,
		Format:   cfg.LogFormat,
		Output:   out,
		LevelVar: lv,
	})
	slog.SetDefault(logger)
	return logger
}
