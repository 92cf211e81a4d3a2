package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rendis/playbookd/internal/engine"
	"github.com/rendis/playbookd/internal/streaming"
	"github.com/rendis/playbookd/pkg/schema"
)

// paramFlags collects repeated -p key=value flags. Values that parse as
// JSON keep their type; anything else is a string.
type paramFlags map[string]any

func (p paramFlags) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p paramFlags) Set(v string) error {
	key, raw, ok := strings.Cut(v, "=")
	if !ok || strings.TrimSpace(key) == "" {
		return fmt.Errorf("parameter %q must be key=value", v)
	}
	p[strings.TrimSpace(key)] = parseParamValue(raw)
	return nil
}

func parseParamValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}

// readParamsFile loads parameters from a YAML or JSON mapping.
func readParamsFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	params := map[string]any{}
	if err := yaml.Unmarshal(data, &params); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return params, nil
}

// runPlaybook executes one playbook in-process and prints the final state.
// PLAYBOOK is a library name (name or name@version) or a path to a YAML file.
func runPlaybook(args []string, cfg Config, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	params := paramFlags{}
	fs.Var(params, "p", "playbook parameter key=value (repeatable)")
	paramsFile := fs.String("params-file", "", "YAML or JSON file of parameters")
	debug := fs.Bool("debug", false, "pause after every step and wait for a command on stdin")
	jsonOut := fs.Bool("json", false, "print the final execution state as JSON")
	playbookDir := fs.String("playbook-dir", cfg.PlaybookDir, "directory of playbook YAML files")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "Error: run needs exactly one playbook name or file")
		return 2
	}
	cfg.PlaybookDir = *playbookDir
	target := fs.Arg(0)

	merged := map[string]any{}
	if *paramsFile != "" {
		fileParams, err := readParamsFile(*paramsFile)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		merged = fileParams
	}
	for k, v := range params {
		merged[k] = v
	}

	logger := newLogger(cfg, stderr, nil)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer a.close(context.Background())

	pb, err := resolvePlaybook(a, target)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if err := a.validator.ValidateInputs(pb, merged); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	id := uuid.NewString()
	events, unsubscribe, err := a.hub.Subscribe(context.Background(), streaming.EventFilter{ExecutionID: id})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer unsubscribe()

	x, err := a.manager.StartPlaybook(context.Background(), pb, merged, engine.RunOptions{
		ExecutionID: id,
		DebugMode:   *debug,
	})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	p := &progress{manager: a.manager, id: id, out: stderr, logger: logger}
	if *debug {
		p.commands = readCommands(os.Stdin)
	}
	st := p.follow(ctx, x, events)
	if st == nil {
		fmt.Fprintln(stderr, "Error: execution ended without a final state")
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(st)
	} else {
		printSummary(stdout, st)
	}
	if st.Status != schema.StatusCompleted {
		return 1
	}
	return 0
}

// resolvePlaybook loads a YAML file when target names one, otherwise looks
// target up in the library.
func resolvePlaybook(a *app, target string) (*schema.Playbook, error) {
	if isYAMLPath(target) {
		if _, err := os.Stat(target); err == nil {
			// Sub-playbooks still resolve through the library.
			if _, err := a.library.Load(); err != nil {
				a.logger.Debug("playbook library not loaded", "error", err)
			}
			data, err := os.ReadFile(target)
			if err != nil {
				return nil, err
			}
			pb, _, err := a.library.Parse(data)
			return pb, err
		}
	}
	if _, err := a.library.Load(); err != nil {
		return nil, err
	}
	return a.library.Get(target)
}

func isYAMLPath(s string) bool {
	return strings.HasSuffix(s, ".yaml") || strings.HasSuffix(s, ".yml")
}

// progress prints step events while an execution runs and, in debug mode,
// turns stdin lines into control signals whenever the execution pauses.
type progress struct {
	manager  *engine.Manager
	id       string
	out      io.Writer
	logger   *slog.Logger
	commands <-chan string
}

func (p *progress) follow(ctx context.Context, x *engine.Execution, events <-chan streaming.StreamEvent) *schema.ExecutionState {
	interrupted := ctx.Done()
	for {
		select {
		case <-x.Done():
			p.drain(events)
			st, _ := x.Wait(context.Background())
			return st
		case <-interrupted:
			interrupted = nil
			fmt.Fprintln(p.out, "interrupt: cancelling execution")
			p.signal(schema.SignalCancel)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			p.print(ev)
			if ev.EventType == schema.EventExecutionPaused && p.commands != nil {
				p.prompt()
			}
		}
	}
}

// drain prints events already buffered when the execution finished.
func (p *progress) drain(events <-chan streaming.StreamEvent) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			p.print(ev)
		default:
			return
		}
	}
}

func (p *progress) print(ev streaming.StreamEvent) {
	switch ev.EventType {
	case schema.EventStepStarted, schema.EventStepCompleted, schema.EventStepFailed,
		schema.EventStepSkipped, schema.EventStepRetrying:
		fmt.Fprintf(p.out, "%-15s %s\n", ev.EventType, ev.StepID)
	case schema.EventExecutionPaused, schema.EventExecutionResumed:
		fmt.Fprintln(p.out, ev.EventType)
	}
}

// prompt blocks for one debug command. An empty line or "c" resumes; skip
// and back also release a paused execution.
func (p *progress) prompt() {
	fmt.Fprint(p.out, "[enter] continue, s skip, b back, q cancel > ")
	line, ok := <-p.commands
	if !ok {
		p.signal(schema.SignalCancel)
		return
	}
	sig, err := debugCommand(line)
	if err != nil {
		fmt.Fprintln(p.out, err)
		p.prompt()
		return
	}
	p.signal(sig)
}

func (p *progress) signal(sig schema.ControlSignal) {
	if err := p.manager.Signal(context.Background(), p.id, sig); err != nil {
		p.logger.Warn("signal rejected", "signal", sig, "error", err)
	}
}

func debugCommand(line string) (schema.ControlSignal, error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "", "c", "continue":
		return schema.SignalResume, nil
	case "s", "skip":
		return schema.SignalSkip, nil
	case "b", "back":
		return schema.SignalSkipBack, nil
	case "q", "quit", "cancel":
		return schema.SignalCancel, nil
	default:
		return "", fmt.Errorf("unknown command %q", strings.TrimSpace(line))
	}
}

func readCommands(r io.Reader) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			ch <- sc.Text()
		}
	}()
	return ch
}

func printSummary(w io.Writer, st *schema.ExecutionState) {
	fmt.Fprintf(w, "execution %s %s (%d/%d steps)\n", st.ExecutionID, st.Status, st.CurrentStepIndex, st.TotalSteps)
	if st.Error != nil {
		fmt.Fprintf(w, "error: %s\n", st.Error.Error())
	}
	if len(st.Variables) > 0 {
		data, _ := json.MarshalIndent(st.Variables, "", "  ")
		fmt.Fprintf(w, "variables: %s\n", data)
	}
}
