// Package workflow defines the declarative configuration record that
// parameterizes the generic enrichment engine. Each Workflow names a table,
// the input columns to read, the output column to populate, and the lock
// column pair that coordinates concurrent worker processes. The prompt
// builder and response decoder carry the per-instance content; everything
// else is shared engine code.
package workflow

import (
	"fmt"
	"regexp"
	"sort"
)

// Item is one claimed row handed to a workflow's prompt builder. Inputs is
// keyed by input column name; structured (jsonb) columns arrive as their raw
// JSON text.
type Item struct {
	ID     int64
	Inputs map[string]string
}

// Workflow is the full per-instance configuration consumed by the engine.
//
// Table and all column names must be plain lowercase SQL identifiers; the
// store builds dynamic SQL from them, so Registry.Register rejects anything
// that does not match identPattern.
type Workflow struct {
	Name         string
	Table        string
	InputColumns []string
	OutputColumn string

	// Lock column pair for this workflow. A table enriched by several
	// workflows carries one pair per output column so their locks never
	// interfere.
	LockOwnerColumn string
	LockTimeColumn  string

	// OrderColumn orders candidate selection for rough insertion-order
	// fairness. Defaults to "id".
	OrderColumn string

	// Model overrides the configured default model when non-empty.
	Model string

	// JSONOutput requests application/json output from the model.
	JSONOutput bool

	// Prompt renders the completion prompt for one row.
	Prompt func(item Item) string

	// Decode validates the raw model reply and returns the value to persist
	// in OutputColumn. A non-nil error marks the row as failed for this
	// attempt; the row is released and retried later.
	Decode func(raw string) (string, error)
}

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// validate checks that a workflow is structurally complete and that every
// identifier is safe to splice into dynamic SQL.
func (w *Workflow) validate() error {
	if w.Name == "" {
		return fmt.Errorf("workflow name is empty")
	}
	if w.Prompt == nil {
		return fmt.Errorf("workflow %s: nil prompt builder", w.Name)
	}
	if w.Decode == nil {
		return fmt.Errorf("workflow %s: nil decoder", w.Name)
	}
	if len(w.InputColumns) == 0 {
		return fmt.Errorf("workflow %s: no input columns", w.Name)
	}
	idents := append([]string{w.Table, w.OutputColumn, w.LockOwnerColumn, w.LockTimeColumn, w.OrderColumn}, w.InputColumns...)
	for _, ident := range idents {
		if !identPattern.MatchString(ident) {
			return fmt.Errorf("workflow %s: invalid identifier %q", w.Name, ident)
		}
	}
	return nil
}

// Registry holds the set of registered workflows.
type Registry struct {
	byName map[string]*Workflow
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*Workflow)}
}

// Register validates wf, applies defaults, and adds it to the registry.
// Duplicate names and invalid identifiers are rejected.
func (r *Registry) Register(wf *Workflow) error {
	if wf.OrderColumn == "" {
		wf.OrderColumn = "id"
	}
	if wf.LockOwnerColumn == "" {
		wf.LockOwnerColumn = wf.OutputColumn + "_lock_owner"
	}
	if wf.LockTimeColumn == "" {
		wf.LockTimeColumn = wf.OutputColumn + "_locked_at"
	}
	if err := wf.validate(); err != nil {
		return err
	}
	if _, ok := r.byName[wf.Name]; ok {
		return fmt.Errorf("workflow %s already registered", wf.Name)
	}
	r.byName[wf.Name] = wf
	return nil
}

// Get returns the workflow with the given name, or nil if unknown.
func (r *Registry) Get(name string) *Workflow {
	return r.byName[name]
}

// All returns every registered workflow sorted by name.
func (r *Registry) All() []*Workflow {
	out := make([]*Workflow, 0, len(r.byName))
	for _, wf := range r.byName {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
