package identity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePersisted struct {
	mu      sync.Mutex
	byTrans map[string]string
	byConv  map[string]string
	saveErr error
	loadErr error
	lookups int
}

func newFakePersisted() *fakePersisted {
	return &fakePersisted{byTrans: map[string]string{}, byConv: map[string]string{}}
}

func (f *fakePersisted) SaveMapping(_ context.Context, transportID, conversationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.byTrans[transportID] = conversationID
	f.byConv[conversationID] = transportID
	return nil
}

func (f *fakePersisted) ConversationFor(_ context.Context, transportID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.loadErr != nil {
		return "", false, f.loadErr
	}
	v, ok := f.byTrans[transportID]
	return v, ok, nil
}

func (f *fakePersisted) TransportFor(_ context.Context, conversationID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.loadErr != nil {
		return "", false, f.loadErr
	}
	v, ok := f.byConv[conversationID]
	return v, ok, nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestMap_RecordAndResolve(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	m := New(0, WithClock(c.Now), WithLogger(quiet))

	require.NoError(t, m.Record(ctx, "tg:42", "conv-1"))

	conv, ok := m.ConversationFor(ctx, "tg:42")
	require.True(t, ok)
	require.Equal(t, "conv-1", conv)

	tid, ok := m.TransportFor(ctx, "conv-1")
	require.True(t, ok)
	require.Equal(t, "tg:42", tid)
}

func TestMap_RecordRejectsEmpty(t *testing.T) {
	m := New(time.Second)
	require.Error(t, m.Record(context.Background(), "", "conv-1"))
	require.Error(t, m.Record(context.Background(), "tg:1", ""))
}

func TestMap_ExpiresAfterTTL(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	m := New(time.Minute, WithClock(c.Now), WithLogger(quiet))
	require.NoError(t, m.Record(ctx, "tg:42", "conv-1"))

	c.now = c.now.Add(59 * time.Second)
	_, ok := m.ConversationFor(ctx, "tg:42")
	require.True(t, ok)

	c.now = c.now.Add(time.Second)
	_, ok = m.ConversationFor(ctx, "tg:42")
	require.False(t, ok)
	require.Equal(t, 0, m.Len())
}

func TestMap_FallsBackToPersisted(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	p := newFakePersisted()
	m := New(time.Minute, WithClock(c.Now), WithPersisted(p), WithLogger(quiet))

	require.NoError(t, m.Record(ctx, "web:abc", "conv-9"))
	c.now = c.now.Add(2 * time.Minute)

	conv, ok := m.ConversationFor(ctx, "web:abc")
	require.True(t, ok)
	require.Equal(t, "conv-9", conv)
	require.Equal(t, 1, p.lookups)

	// The persisted hit is cached again.
	_, ok = m.TransportFor(ctx, "conv-9")
	require.True(t, ok)
	require.Equal(t, 1, p.lookups)
}

func TestMap_PersistedFailuresDegrade(t *testing.T) {
	ctx := context.Background()
	p := newFakePersisted()
	p.saveErr = errors.New("redis down")
	p.loadErr = errors.New("redis down")
	m := New(time.Minute, WithPersisted(p), WithLogger(quiet))

	require.NoError(t, m.Record(ctx, "tg:1", "conv-1"))
	conv, ok := m.ConversationFor(ctx, "tg:1")
	require.True(t, ok)
	require.Equal(t, "conv-1", conv)

	_, ok = m.ConversationFor(ctx, "tg:unknown")
	require.False(t, ok)
}

func TestMap_Sweep(t *testing.T) {
	ctx := context.Background()
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	m := New(time.Minute, WithClock(c.Now), WithLogger(quiet))
	require.NoError(t, m.Record(ctx, "tg:1", "conv-1"))
	c.now = c.now.Add(30 * time.Second)
	require.NoError(t, m.Record(ctx, "tg:2", "conv-2"))

	c.now = c.now.Add(45 * time.Second)
	require.Equal(t, 2, m.Sweep())
	require.Equal(t, 1, m.Len())
}

func TestMap_RemapMovesConversation(t *testing.T) {
	ctx := context.Background()
	m := New(time.Minute, WithLogger(quiet))
	require.NoError(t, m.Record(ctx, "web:abc", "conv-1"))
	require.NoError(t, m.Record(ctx, "tg:7", "conv-1"))

	tid, ok := m.TransportFor(ctx, "conv-1")
	require.True(t, ok)
	require.Equal(t, "tg:7", tid)
}
