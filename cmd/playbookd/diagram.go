package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/rendis/playbookd/internal/diagram"
	"github.com/rendis/playbookd/pkg/schema"
)

// runDiagram renders a playbook, or with -execution the playbook of a
// stored execution coloured by its step states.
func runDiagram(args []string, cfg Config, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("diagram", flag.ContinueOnError)
	fs.SetOutput(stderr)
	format := fs.String("format", "ascii", "mermaid, ascii, png or svg")
	output := fs.String("o", "", "write to FILE instead of stdout (required for png and svg)")
	executionID := fs.String("execution", "", "overlay the step states of this execution")
	playbookDir := fs.String("playbook-dir", cfg.PlaybookDir, "directory of playbook YAML files")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() > 1 || (fs.NArg() == 0 && *executionID == "") {
		fmt.Fprintln(stderr, "Error: diagram needs a playbook name or file, or -execution ID")
		return 2
	}
	binary := *format == "png" || *format == "svg"
	if binary && *output == "" {
		fmt.Fprintf(stderr, "Error: -format %s needs -o FILE\n", *format)
		return 2
	}
	cfg.PlaybookDir = *playbookDir

	ctx := context.Background()
	a, err := newApp(ctx, cfg, newLogger(cfg, stderr, nil))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close(ctx)

	var (
		pb      *schema.Playbook
		overlay diagram.Overlay
	)
	if *executionID != "" {
		pb, overlay, err = executionDiagram(ctx, a, *executionID, fs.Arg(0))
	} else {
		pb, err = resolvePlaybook(a, fs.Arg(0))
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	model, err := diagram.Build(pb, diagram.WithSubPlaybooks(a.library), diagram.WithOverlay(overlay))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	var out []byte
	switch *format {
	case "mermaid":
		out = []byte(diagram.RenderMermaid(model))
	case "ascii":
		out = []byte(diagram.RenderASCII(model))
	case "png", "svg":
		out, err = diagram.RenderImage(ctx, model, diagram.ImageFormat(*format))
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintf(stderr, "Error: unknown format %q\n", *format)
		return 2
	}

	if *output == "" {
		_, _ = stdout.Write(out)
		return 0
	}
	if err := os.WriteFile(*output, out, 0o644); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", *output)
	return 0
}

// executionDiagram loads a stored execution and its playbook. target, when
// set, overrides the playbook recorded on the execution.
func executionDiagram(ctx context.Context, a *app, id, target string) (*schema.Playbook, diagram.Overlay, error) {
	st, err := a.store.GetExecution(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if target == "" {
		target = st.PlaybookName
		if st.PlaybookVersion != "" {
			target += "@" + st.PlaybookVersion
		}
	}
	pb, err := resolvePlaybook(a, target)
	if err != nil {
		return nil, nil, err
	}

	overlay := diagram.OverlayFromState(pb, st)
	states, err := a.events.ReplayEvents(ctx, id)
	if err != nil {
		a.logger.Warn("event replay failed, using execution state only", "execution_id", id, "error", err)
		return pb, overlay, nil
	}
	overlay.Merge(diagram.OverlayFromEvents(states))
	return pb, overlay, nil
}
