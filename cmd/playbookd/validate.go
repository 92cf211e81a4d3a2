package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/rendis/playbookd/internal/handlers"
	"github.com/rendis/playbookd/internal/playbooks"
	"github.com/rendis/playbookd/internal/validation"
	"github.com/rendis/playbookd/pkg/schema"
)

// fileReport is the validation outcome for one file.
type fileReport struct {
	Path     string                   `json:"path"`
	Playbook string                   `json:"playbook,omitempty"`
	Valid    bool                     `json:"valid"`
	Error    string                   `json:"error,omitempty"`
	Errors   []schema.ValidationIssue `json:"errors,omitempty"`
	Warnings []schema.ValidationIssue `json:"warnings,omitempty"`
}

// runValidate checks playbook files without opening the store. Every
// handler family is registered so offline validation does not depend on
// which domain clients are configured.
func runValidate(args []string, stdout, stderr io.Writer) int {
	fset := flag.NewFlagSet("validate", flag.ContinueOnError)
	fset.SetOutput(stderr)
	jsonOut := fset.Bool("json", false, "print reports as JSON")
	if err := fset.Parse(args); err != nil {
		return 2
	}
	if fset.NArg() == 0 {
		fmt.Fprintln(stderr, "Error: validate needs at least one file or directory")
		return 2
	}

	paths, err := collectPlaybookFiles(fset.Args())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	lib, err := offlineLibrary()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	reports := make([]fileReport, 0, len(paths))
	failed := 0
	for _, path := range paths {
		r := validateFile(lib, path)
		if !r.Valid {
			failed++
		}
		reports = append(reports, r)
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(reports)
	} else {
		for _, r := range reports {
			printFileReport(stdout, r)
		}
		fmt.Fprintf(stdout, "%d file(s), %d invalid\n", len(reports), failed)
	}
	if failed > 0 {
		return 1
	}
	return 0
}

func validateFile(lib *playbooks.Library, path string) fileReport {
	r := fileReport{Path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	pb, report, err := lib.Parse(data)
	if report != nil {
		r.Playbook = report.Playbook
		r.Errors = report.Errors
		r.Warnings = report.Warnings
	}
	if err != nil {
		if report == nil {
			r.Error = err.Error()
		}
		return r
	}
	r.Playbook = pb.Ref()
	r.Valid = true
	return r
}

func printFileReport(w io.Writer, r fileReport) {
	status := "ok"
	if !r.Valid {
		status = "FAIL"
	}
	if r.Playbook != "" {
		fmt.Fprintf(w, "%-4s %s (%s)\n", status, r.Path, r.Playbook)
	} else {
		fmt.Fprintf(w, "%-4s %s\n", status, r.Path)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "     error    %s\n", r.Error)
	}
	for _, issue := range r.Errors {
		fmt.Fprintf(w, "     error    %s\n", formatIssue(issue))
	}
	for _, issue := range r.Warnings {
		fmt.Fprintf(w, "     warning  %s\n", formatIssue(issue))
	}
}

func formatIssue(issue schema.ValidationIssue) string {
	s := issue.Path + ": " + issue.Message
	if issue.StepID != "" {
		s += " (step " + issue.StepID + ")"
	}
	return s
}

// collectPlaybookFiles expands directories into their *.yaml/*.yml files.
func collectPlaybookFiles(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}
		err = filepath.WalkDir(arg, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && isYAMLPath(path) {
				out = append(out, path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(out)
	return out, nil
}

// offlineLibrary builds a library whose validator knows every handler type.
func offlineLibrary() (*playbooks.Library, error) {
	reg := handlers.NewRegistry()
	var c offlineClient
	if _, err := handlers.RegisterBuiltins(reg, handlers.BuiltinConfig{
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Gateway:  c,
		Browser:  c,
		Designer: c,
		AI:       c,
	}); err != nil {
		return nil, err
	}
	v, err := validation.NewPlaybookValidator(reg)
	if err != nil {
		return nil, err
	}
	return playbooks.NewLibrary("", v, slog.New(slog.NewTextHandler(io.Discard, nil))), nil
}

// offlineClient stands in for every domain client during validation.
type offlineClient struct{}

func unavailable() error {
	return schema.NewError(schema.ErrCodeHandlerUnavailable, "domain client not available during validation")
}

func (offlineClient) Login(context.Context, string, string) error  { return unavailable() }
func (offlineClient) Logout(context.Context) error                 { return unavailable() }
func (offlineClient) Ping(context.Context) (map[string]any, error) { return nil, unavailable() }
func (offlineClient) ListModules(context.Context) ([]handlers.Module, error) {
	return nil, unavailable()
}
func (offlineClient) UploadModule(context.Context, string) (*handlers.Module, error) {
	return nil, unavailable()
}
func (offlineClient) ModuleState(context.Context, string) (string, error) { return "", unavailable() }
func (offlineClient) Restart(context.Context) error                       { return unavailable() }
func (offlineClient) Request(context.Context, string, string, any) (*handlers.GatewayResponse, error) {
	return nil, unavailable()
}

func (offlineClient) Navigate(context.Context, string) error       { return unavailable() }
func (offlineClient) Click(context.Context, string) error          { return unavailable() }
func (offlineClient) Fill(context.Context, string, string) error   { return unavailable() }
func (offlineClient) Text(context.Context, string) (string, error) { return "", unavailable() }
func (offlineClient) Exists(context.Context, string) (bool, error) { return false, unavailable() }
func (offlineClient) Screenshot(context.Context) ([]byte, error)   { return nil, unavailable() }

func (offlineClient) Ask(context.Context, handlers.AIRequest) (*handlers.AIResponse, error) {
	return nil, unavailable()
}
