// Package session defines durable conversation primitives: sessions keyed by
// a client-supplied session key, their append-only message logs, and the store
// contract both the in-memory and Mongo implementations satisfy.
//
// Contract:
//   - A session is owned by exactly one actor for its lifetime.
//   - The message log is append-only; message timestamps are non-decreasing.
//   - Timestamps are stored and serialized in UTC with an explicit offset.
//     A naive local timestamp on the wire is a defect, not a formatting choice.
//   - Sessions are never physically deleted by normal operation; Deactivate
//     marks them inactive.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

type (
	// Session captures durable conversation state minus the message log.
	Session struct {
		// Key is the unique, client-visible session identifier.
		Key string `json:"session_key"`
		// Owner references the actor the session belongs to.
		Owner string `json:"owner"`
		// Title is a short human-readable label, typically derived from the
		// first user message.
		Title string `json:"title,omitempty"`
		// Context carries free-form state between turns.
		Context map[string]any `json:"context,omitempty"`
		// Active is cleared by administrative deactivation.
		Active bool `json:"active"`
		// CreatedAt records when the session was created (UTC).
		CreatedAt time.Time `json:"created_at"`
		// LastActivity is bumped on every message append (UTC).
		LastActivity time.Time `json:"last_activity"`
	}

	// Message is one entry in a session's ordered log. The JSON shape is the
	// client-facing read model; RFC 3339 timestamps carry the UTC offset.
	Message struct {
		// Role is one of user, assistant, or tool.
		Role Role `json:"role"`
		// Content is the message text.
		Content string `json:"content"`
		// Timestamp records when the message was appended (UTC).
		Timestamp time.Time `json:"timestamp"`
		// ToolCalls lists tool invocations requested by an assistant message.
		ToolCalls []ToolCallRef `json:"tool_calls,omitempty"`
		// TaskID back-references the task a tool message tracks.
		TaskID string `json:"task_id,omitempty"`
	}

	// ToolCallRef describes one requested tool invocation.
	ToolCallRef struct {
		// Name is the tool (task type) being invoked.
		Name string `json:"name"`
		// Arguments is the structured tool input.
		Arguments json.RawMessage `json:"arguments,omitempty"`
	}

	// Role classifies a message author.
	Role string

	// Store persists sessions and their message logs.
	//
	// Contract:
	//   - Resolve returns the session under key, creating an active one when
	//     the key is unknown (orphaned client keys degrade gracefully instead
	//     of failing the request). The created flag reports which happened.
	//     An empty key asks the store to mint a fresh one. A key that exists
	//     under a different owner fails with ErrNotSessionOwner.
	//   - AppendMessages appends in order, atomically with the LastActivity
	//     bump. Appends to an unknown key fail with ErrSessionNotFound and
	//     appends to a deactivated session fail with ErrSessionInactive.
	//   - Messages returns the full ordered log.
	Store interface {
		Resolve(ctx context.Context, key, owner string) (Session, bool, error)
		Load(ctx context.Context, key string) (Session, error)
		AppendMessages(ctx context.Context, key string, msgs []Message) error
		Messages(ctx context.Context, key string) ([]Message, error)
		SetTitle(ctx context.Context, key, title string) error
		Deactivate(ctx context.Context, key string) error
	}

	// Locker serializes turns per session key: the orchestrator never runs
	// two turns of the same session concurrently. Lock blocks until the key
	// is free and returns the unlock function.
	Locker interface {
		Lock(key string) (unlock func())
	}

	// KeyLocker is the in-process Locker used by single-owner deployments.
	// Cross-process single-writer routing (e.g. keyed queues) can replace it
	// without touching the orchestrator.
	KeyLocker struct {
		mu    sync.Mutex
		locks map[string]*sync.Mutex
	}
)

const (
	// RoleUser marks messages authored by the human actor.
	RoleUser Role = "user"
	// RoleAssistant marks messages authored by the oracle.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool-result messages, which back-reference a task.
	RoleTool Role = "tool"
)

var (
	// ErrSessionNotFound indicates no session exists under the given key.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionInactive indicates the session was deactivated.
	ErrSessionInactive = errors.New("session is inactive")
	// ErrNotSessionOwner indicates the session key exists but belongs to a
	// different actor.
	ErrNotSessionOwner = errors.New("session belongs to a different owner")
)

// Valid reports whether the role is one of the three defined values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant || r == RoleTool
}

// Validate checks message fields before append. Zero timestamps and non-UTC
// locations are rejected so every stored timestamp is unambiguous.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid message role %q", m.Role)
	}
	if m.Timestamp.IsZero() {
		return errors.New("message timestamp is required")
	}
	if m.Timestamp.Location() != time.UTC {
		return errors.New("message timestamp must be UTC")
	}
	return nil
}

// NewKeyLocker returns an empty KeyLocker.
func NewKeyLocker() *KeyLocker {
	return &KeyLocker{locks: make(map[string]*sync.Mutex)}
}

// Lock implements Locker.
func (l *KeyLocker) Lock(key string) func() {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
