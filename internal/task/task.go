// Package task holds the task registry contract described in spec.md §6:
// a process-wide, read-mostly mapping from task id to parameter schema and
// command builder. It is the concrete, in-process form of what spec.md
// treats as an external collaborator.
package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"text/template"
	"time"
)

// Task is one registered task definition.
type Task struct {
	ID               string
	Name             string
	Version          string
	Enabled          bool
	ConcurrencyLimit int // 0 means unlimited
	ParamsSchema     json.RawMessage
	Timeout          time.Duration // 0 means no per-run timeout
	BuildCommand     func(params json.RawMessage) ([]string, error)
}

// Registry is an immutable-after-Load snapshot of all registered tasks.
type Registry struct {
	tasks map[string]*Task
}

// NewRegistry builds a registry directly from Task values (used by tests and
// by callers that construct tasks in Go rather than from a manifest).
func NewRegistry(tasks ...*Task) *Registry {
	r := &Registry{tasks: make(map[string]*Task, len(tasks))}
	for _, t := range tasks {
		r.tasks[t.ID] = t
	}
	return r
}

// Get returns the task with the given id.
func (r *Registry) Get(id string) (*Task, bool) {
	t, ok := r.tasks[id]
	return t, ok
}

// Lookup implements store.TaskLookup.
func (r *Registry) Lookup(taskID string) (enabled bool, concurrencyLimit int, ok bool) {
	t, found := r.tasks[taskID]
	if !found {
		return false, 0, false
	}
	return t.Enabled, t.ConcurrencyLimit, true
}

// All returns every registered task, in no particular order.
func (r *Registry) All() []*Task {
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t)
	}
	return out
}

// ManifestTask is the on-disk JSON shape of one task definition, as scanned
// from the tasks directory/manifest at startup (spec.md §9: "Global
// registry... initialize at startup by scanning a tasks directory/manifest,
// then treat as immutable for the process's lifetime").
type ManifestTask struct {
	ID               string          `json:"task_id"`
	Name             string          `json:"name"`
	Version          string          `json:"version"`
	Enabled          bool            `json:"is_enabled"`
	ConcurrencyLimit int             `json:"concurrency_limit"`
	ParamsSchema     json.RawMessage `json:"params_schema"`
	TimeoutSeconds   int             `json:"timeout_seconds,omitempty"`
	// Command is a text/template-rendered argv: each element is rendered
	// against the decoded params before exec, e.g. "{{.target}}".
	Command []string `json:"command"`
}

// LoadManifest parses a JSON array of ManifestTask and compiles each
// Command into a BuildCommand closure.
func LoadManifest(data []byte) (*Registry, error) {
	var manifest []ManifestTask
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("taskhub: parse task manifest: %w", err)
	}

	r := &Registry{tasks: make(map[string]*Task, len(manifest))}
	for _, m := range manifest {
		tmpl, err := compileCommand(m.Command)
		if err != nil {
			return nil, fmt.Errorf("taskhub: compile command for task %q: %w", m.ID, err)
		}
		r.tasks[m.ID] = &Task{
			ID:               m.ID,
			Name:             m.Name,
			Version:          m.Version,
			Enabled:          m.Enabled,
			ConcurrencyLimit: m.ConcurrencyLimit,
			ParamsSchema:     m.ParamsSchema,
			Timeout:          time.Duration(m.TimeoutSeconds) * time.Second,
			BuildCommand:     tmpl,
		}
	}
	return r, nil
}

// Load reads and parses the JSON manifest at path (spec.md §9: "initialize
// at startup by scanning a tasks directory/manifest, then treat as
// immutable for the process's lifetime").
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taskhub: read task manifest %s: %w", path, err)
	}
	return LoadManifest(data)
}

// compileCommand turns a manifest's templated argv into a BuildCommand.
func compileCommand(argv []string) (func(json.RawMessage) ([]string, error), error) {
	templates := make([]*template.Template, len(argv))
	for i, arg := range argv {
		t, err := template.New(fmt.Sprintf("arg%d", i)).Parse(arg)
		if err != nil {
			return nil, err
		}
		templates[i] = t
	}

	return func(params json.RawMessage) ([]string, error) {
		var data any
		if len(params) > 0 {
			if err := json.Unmarshal(params, &data); err != nil {
				return nil, fmt.Errorf("decode params: %w", err)
			}
		}
		out := make([]string, len(templates))
		for i, t := range templates {
			var buf bytes.Buffer
			if err := t.Execute(&buf, data); err != nil {
				return nil, fmt.Errorf("render argv[%d]: %w", i, err)
			}
			out[i] = buf.String()
		}
		return out, nil
	}, nil
}
