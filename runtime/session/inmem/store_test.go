package inmem

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/complyline/complyline/runtime/session"
)

func TestResolveCreatesUnderUnknownKey(t *testing.T) {
	// Orphaned client keys (stale cache) must not error; the store adopts
	// the key and starts a fresh session under it.
	ctx := context.Background()
	store := New()

	created, wasCreated, err := store.Resolve(ctx, "unknown-123", "actor-1")
	require.NoError(t, err)
	require.True(t, wasCreated)
	require.Equal(t, "unknown-123", created.Key)
	require.Equal(t, "actor-1", created.Owner)
	require.True(t, created.Active)
	require.Equal(t, time.UTC, created.CreatedAt.Location())

	again, wasCreated, err := store.Resolve(ctx, "unknown-123", "actor-1")
	require.NoError(t, err)
	require.False(t, wasCreated)
	require.Equal(t, created.Key, again.Key)
}

func TestResolveRejectsForeignOwner(t *testing.T) {
	// Presenting another actor's session key must not grant access to their
	// history.
	ctx := context.Background()
	store := New()

	_, _, err := store.Resolve(ctx, "shared-key", "actor-a")
	require.NoError(t, err)

	_, _, err = store.Resolve(ctx, "shared-key", "actor-b")
	require.ErrorIs(t, err, session.ErrNotSessionOwner)

	// The original owner keeps resolving normally.
	s, wasCreated, err := store.Resolve(ctx, "shared-key", "actor-a")
	require.NoError(t, err)
	require.False(t, wasCreated)
	require.Equal(t, "actor-a", s.Owner)
}

func TestResolveMintsKeyWhenEmpty(t *testing.T) {
	ctx := context.Background()
	store := New()

	created, wasCreated, err := store.Resolve(ctx, "", "actor-1")
	require.NoError(t, err)
	require.True(t, wasCreated)
	require.NotEmpty(t, created.Key)

	loaded, err := store.Load(ctx, created.Key)
	require.NoError(t, err)
	require.Equal(t, created.Key, loaded.Key)
}

func TestAppendMessagesIsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := New()
	created, _, err := store.Resolve(ctx, "sess-1", "actor-1")
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.AppendMessages(ctx, created.Key, []session.Message{
		{Role: session.RoleUser, Content: "add a finding", Timestamp: now},
	}))
	require.NoError(t, store.AppendMessages(ctx, created.Key, []session.Message{
		{
			Role:      session.RoleAssistant,
			Content:   "Queued the finding task.",
			Timestamp: now.Add(time.Second),
			ToolCalls: []session.ToolCallRef{{Name: "create_finding", Arguments: json.RawMessage(`{"title":"x"}`)}},
		},
		{Role: session.RoleTool, Content: "task pending", Timestamp: now.Add(time.Second), TaskID: "create_finding-1"},
	}))

	msgs, err := store.Messages(ctx, created.Key)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i := 1; i < len(msgs); i++ {
		require.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp), "timestamps must be non-decreasing")
	}
	require.Equal(t, "create_finding-1", msgs[2].TaskID)

	loaded, err := store.Load(ctx, created.Key)
	require.NoError(t, err)
	require.False(t, loaded.LastActivity.Before(created.LastActivity))
}

func TestAppendMessagesValidates(t *testing.T) {
	ctx := context.Background()
	store := New()
	created, _, err := store.Resolve(ctx, "sess-1", "actor-1")
	require.NoError(t, err)

	err = store.AppendMessages(ctx, created.Key, []session.Message{
		{Role: "operator", Content: "hi", Timestamp: time.Now().UTC()},
	})
	require.ErrorContains(t, err, "invalid message role")

	err = store.AppendMessages(ctx, created.Key, []session.Message{
		{Role: session.RoleUser, Content: "hi"},
	})
	require.ErrorContains(t, err, "timestamp is required")

	err = store.AppendMessages(ctx, created.Key, []session.Message{
		{Role: session.RoleUser, Content: "hi", Timestamp: time.Now().In(time.FixedZone("PST", -8*3600))},
	})
	require.ErrorContains(t, err, "must be UTC")

	err = store.AppendMessages(ctx, "missing", []session.Message{
		{Role: session.RoleUser, Content: "hi", Timestamp: time.Now().UTC()},
	})
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestAppendToInactiveSessionFails(t *testing.T) {
	ctx := context.Background()
	store := New()
	created, _, err := store.Resolve(ctx, "sess-1", "actor-1")
	require.NoError(t, err)
	require.NoError(t, store.Deactivate(ctx, created.Key))

	err = store.AppendMessages(ctx, created.Key, []session.Message{
		{Role: session.RoleUser, Content: "hi", Timestamp: time.Now().UTC()},
	})
	require.ErrorIs(t, err, session.ErrSessionInactive)

	_, _, err = store.Resolve(ctx, created.Key, "actor-1")
	require.ErrorIs(t, err, session.ErrSessionInactive)
}

func TestMessageWireShapeCarriesUTCOffset(t *testing.T) {
	msg := session.Message{
		Role:      session.RoleUser,
		Content:   "hello",
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(raw), `"2026-03-14T09:26:53Z"`), "timestamp must carry an explicit UTC marker: %s", raw)
}

func TestKeyLockerSerializesPerKey(t *testing.T) {
	locker := session.NewKeyLocker()
	var active, maxActive int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locker.Lock("sess-1")
			defer unlock()
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, 1, maxActive, "only one turn may hold a session key at a time")
}

func TestMessageCountNeverDecreases(t *testing.T) {
	ctx := context.Background()
	store := New()
	created, _, err := store.Resolve(ctx, "sess-1", "actor-1")
	require.NoError(t, err)

	last := 0
	for i := 0; i < 10; i++ {
		require.NoError(t, store.AppendMessages(ctx, created.Key, []session.Message{
			{Role: session.RoleUser, Content: "m", Timestamp: time.Now().UTC()},
		}))
		msgs, msgsErr := store.Messages(ctx, created.Key)
		require.NoError(t, msgsErr)
		require.GreaterOrEqual(t, len(msgs), last)
		last = len(msgs)
	}
}
