// Package playbooks loads playbook documents from YAML files and serves them
// by name to the engine, the API and the scheduler.
package playbooks

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/rendis/playbookd/pkg/schema"
)

// DocumentValidator checks a raw document and its decoded form.
// Satisfied by *validation.PlaybookValidator.
type DocumentValidator interface {
	ValidateDocument(doc any, pb *schema.Playbook) *schema.ValidationReport
	Validate(pb *schema.Playbook) *schema.ValidationReport
}

// Summary describes a loaded playbook for listings.
type Summary struct {
	Name        string                `json:"name"`
	Version     string                `json:"version,omitempty"`
	Description string                `json:"description,omitempty"`
	Domain      schema.Domain         `json:"domain"`
	Path        string                `json:"path,omitempty"`
	Steps       int                   `json:"steps"`
	Parameters  []schema.ParameterDef `json:"parameters,omitempty"`
	Warnings    int                   `json:"warnings,omitempty"`
}

// LoadResult reports what a directory load accepted and rejected.
type LoadResult struct {
	Loaded []string          `json:"loaded"`
	Failed map[string]string `json:"failed,omitempty"` // path -> reason
}

type entry struct {
	pb     *schema.Playbook
	path   string
	report *schema.ValidationReport
}

// Library is an in-memory set of validated playbooks keyed by name.
// It is safe for concurrent use.
type Library struct {
	dir       string
	validator DocumentValidator
	logger    *slog.Logger

	mu        sync.RWMutex
	playbooks map[string]*entry
}

// NewLibrary creates an empty library rooted at dir. validator may be nil to
// accept documents without checks.
func NewLibrary(dir string, validator DocumentValidator, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	return &Library{
		dir:       dir,
		validator: validator,
		logger:    logger,
		playbooks: make(map[string]*entry),
	}
}

// Dir returns the directory the library loads from.
func (l *Library) Dir() string { return l.dir }

// Load reads every *.yaml and *.yml file under the library directory and
// replaces the current set. Invalid files are skipped and reported in the
// result; an error is returned only when the directory cannot be read.
func (l *Library) Load() (*LoadResult, error) {
	if l.dir == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "playbook directory is not configured")
	}

	var paths []string
	err := filepath.WalkDir(l.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != l.dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if isPlaybookFile(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "playbook directory %q not found", l.dir).WithCause(err)
		}
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "read playbook directory %q", l.dir).WithCause(err)
	}
	sort.Strings(paths)

	result := &LoadResult{Loaded: []string{}, Failed: map[string]string{}}
	loaded := make(map[string]*entry, len(paths))
	for _, path := range paths {
		e, err := l.loadFile(path)
		if err != nil {
			result.Failed[path] = err.Error()
			l.logger.Warn("playbook rejected", "path", path, "error", err)
			continue
		}
		if prev, dup := loaded[e.pb.Name]; dup {
			msg := fmt.Sprintf("playbook %q already defined in %s", e.pb.Name, prev.path)
			result.Failed[path] = msg
			l.logger.Warn("playbook rejected", "path", path, "error", msg)
			continue
		}
		loaded[e.pb.Name] = e
		result.Loaded = append(result.Loaded, e.pb.Name)
	}

	l.mu.Lock()
	l.playbooks = loaded
	l.mu.Unlock()

	l.logger.Info("playbooks loaded", "dir", l.dir, "loaded", len(result.Loaded), "failed", len(result.Failed))
	return result, nil
}

// Reload is Load under another name, for callers reacting to file changes.
func (l *Library) Reload() (*LoadResult, error) {
	return l.Load()
}

func (l *Library) loadFile(path string) (*entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	pb, report, err := l.Parse(data)
	if err != nil {
		return nil, err
	}
	return &entry{pb: pb, path: path, report: report}, nil
}

// Parse decodes and validates one YAML document. The report is returned even
// when validation fails so callers can show every issue.
func (l *Library) Parse(data []byte) (*schema.Playbook, *schema.ValidationReport, error) {
	pb, doc, err := Decode(data)
	if err != nil {
		return nil, nil, err
	}
	report := &schema.ValidationReport{Playbook: pb.Name}
	if l.validator != nil {
		report = l.validator.ValidateDocument(doc, pb)
	}
	if err := report.ToError(); err != nil {
		return nil, report, err
	}
	return pb, report, nil
}

// Decode parses YAML into a playbook and the raw document it came from.
// Unknown keys are kept in the raw document for structural validation.
func Decode(data []byte) (*schema.Playbook, any, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "playbook document is empty")
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "decode playbook yaml").WithCause(err)
	}
	var pb schema.Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, nil, schema.NewError(schema.ErrCodeValidation, "decode playbook yaml").WithCause(err)
	}
	return &pb, doc, nil
}

// Add validates pb and registers it, replacing any playbook with the same name.
func (l *Library) Add(pb *schema.Playbook) (*schema.ValidationReport, error) {
	if pb == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "playbook is nil")
	}
	report := &schema.ValidationReport{Playbook: pb.Name}
	if l.validator != nil {
		report = l.validator.Validate(pb)
	}
	if err := report.ToError(); err != nil {
		return report, err
	}

	l.mu.Lock()
	l.playbooks[pb.Name] = &entry{pb: pb, report: report}
	l.mu.Unlock()
	return report, nil
}

// Get returns the playbook registered under name. A "name@version" ref
// matches only when the versions agree.
func (l *Library) Get(name string) (*schema.Playbook, error) {
	base, version, versioned := strings.Cut(name, "@")

	l.mu.RLock()
	e, ok := l.playbooks[base]
	l.mu.RUnlock()

	if !ok || (versioned && e.pb.Version != version) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "playbook %q not found", name)
	}
	return e.pb, nil
}

// Report returns the validation report recorded when name was loaded.
func (l *Library) Report(name string) (*schema.ValidationReport, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.playbooks[name]
	if !ok {
		return nil, false
	}
	return e.report, true
}

// List returns summaries of every loaded playbook, sorted by name.
func (l *Library) List() []Summary {
	l.mu.RLock()
	out := make([]Summary, 0, len(l.playbooks))
	for _, e := range l.playbooks {
		s := Summary{
			Name:        e.pb.Name,
			Version:     e.pb.Version,
			Description: e.pb.Description,
			Domain:      e.pb.Domain,
			Path:        e.path,
			Steps:       len(e.pb.Steps),
			Parameters:  e.pb.Parameters,
		}
		if e.report != nil {
			s.Warnings = len(e.report.Warnings)
		}
		out = append(out, s)
	}
	l.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of loaded playbooks.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.playbooks)
}

func isPlaybookFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
