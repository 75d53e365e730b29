// Package dispatch implements the task dispatcher: a bounded pool of workers
// that wake on notification events or a poll timer, claim pending tasks
// exclusively, and execute registered handlers under a per-task timeout.
//
// Notifications are treated strictly as latency hints. Every wake-up re-polls
// the task store, so the dispatcher behaves identically whether or not any
// given event is delivered; pure-poll mode passes the same test suite.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/complyline/complyline/runtime/task"
)

type (
	// Handler executes one task and returns its structured result. Handlers
	// are treated as untrusted: they may hang (the dispatcher enforces the
	// timeout) or panic (the dispatcher converts panics to failures).
	Handler func(ctx context.Context, t task.Task) (json.RawMessage, error)

	// Registry maps task types to handlers and optional payload schemas.
	// It is safe for concurrent use; registration typically happens once at
	// startup.
	Registry struct {
		mu      sync.RWMutex
		entries map[string]registration
	}

	registration struct {
		handler Handler
		schema  *jsonschema.Schema
	}

	// RegisterOption customizes a handler registration.
	RegisterOption func(*registerOptions) error

	registerOptions struct {
		schema *jsonschema.Schema
	}
)

// ErrUnknownTaskType indicates no handler is registered for a task type.
var ErrUnknownTaskType = errors.New("unknown task type")

// WithSchema attaches a JSON schema validating task payloads for the type.
// The schema is compiled at registration time so malformed schemas fail fast.
func WithSchema(raw []byte) RegisterOption {
	return func(o *registerOptions) error {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
		if err != nil {
			return fmt.Errorf("unmarshal schema: %w", err)
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", doc); err != nil {
			return fmt.Errorf("add schema resource: %w", err)
		}
		schema, err := compiler.Compile("schema.json")
		if err != nil {
			return fmt.Errorf("compile schema: %w", err)
		}
		o.schema = schema
		return nil
	}
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register binds a handler to a task type. Re-registering a type replaces the
// previous handler.
func (r *Registry) Register(taskType string, h Handler, opts ...RegisterOption) error {
	if taskType == "" {
		return errors.New("task type is required")
	}
	if h == nil {
		return errors.New("handler is required")
	}
	var options registerOptions
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return fmt.Errorf("register %q: %w", taskType, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[taskType] = registration{handler: h, schema: options.schema}
	return nil
}

// Lookup returns the handler for the task type.
func (r *Registry) Lookup(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[taskType]
	if !ok {
		return nil, false
	}
	return reg.handler, true
}

// Types returns the registered task types in sorted order. The orchestrator
// uses this to derive the capability set and the tool list offered to the
// oracle.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.entries))
	for tt := range r.entries {
		out = append(out, tt)
	}
	sort.Strings(out)
	return out
}

// ValidatePayload checks a payload against the type's registered schema.
// Types without a schema accept any payload that is valid JSON. Unknown
// types fail with ErrUnknownTaskType so malformed tool calls are rejected
// before any task row is written.
func (r *Registry) ValidatePayload(taskType string, payload json.RawMessage) error {
	r.mu.RLock()
	reg, ok := r.entries[taskType]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTaskType, taskType)
	}
	if reg.schema == nil {
		return nil
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	value, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("payload for %q is not valid JSON: %w", taskType, err)
	}
	if err := reg.schema.Validate(value); err != nil {
		return fmt.Errorf("payload for %q rejected: %w", taskType, err)
	}
	return nil
}
