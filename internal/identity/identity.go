// Package identity maps transport-native identifiers to conversation ids.
//
// Entries are learned from inbound traffic and kept for a short TTL, long
// enough to route any reply produced while that turn is processed. Misses
// fall back to a Persisted last-known mapping when one is configured.
package identity

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long an observed mapping stays in memory.
const DefaultTTL = 60 * time.Second

// Persisted stores the last-known mapping outside the process.
type Persisted interface {
	SaveMapping(ctx context.Context, transportID, conversationID string) error
	ConversationFor(ctx context.Context, transportID string) (string, bool, error)
	TransportFor(ctx context.Context, conversationID string) (string, bool, error)
}

type item struct {
	value   string
	expires time.Time
}

// Map is a bidirectional transportID <-> conversationID cache. All methods
// are safe for concurrent use.
type Map struct {
	ttl       time.Duration
	persisted Persisted
	now       func() time.Time
	logger    *slog.Logger

	mu          sync.RWMutex
	byTransport map[string]item
	byConv      map[string]item
}

// Option configures a Map.
type Option func(*Map)

// WithPersisted sets the fallback store.
func WithPersisted(p Persisted) Option {
	return func(m *Map) { m.persisted = p }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Map) { m.now = now }
}

// WithLogger sets the logger for persisted-store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Map) { m.logger = logger }
}

// New builds a Map. ttl <= 0 selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Map {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Map{
		ttl:         ttl,
		now:         time.Now,
		logger:      slog.Default(),
		byTransport: make(map[string]item),
		byConv:      make(map[string]item),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Record stores an observed mapping. The persisted write is best-effort: a
// failure is logged and the in-memory entry is kept.
func (m *Map) Record(ctx context.Context, transportID, conversationID string) error {
	if transportID == "" || conversationID == "" {
		return errors.New("identity: transport id and conversation id must not be empty")
	}
	m.put(transportID, conversationID)
	if m.persisted != nil {
		if err := m.persisted.SaveMapping(ctx, transportID, conversationID); err != nil {
			m.logger.Warn("identity: persist mapping failed", "transport_id", transportID, "conversation_id", conversationID, "err", err)
		}
	}
	return nil
}

func (m *Map) put(transportID, conversationID string) {
	exp := m.now().Add(m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byTransport[transportID] = item{value: conversationID, expires: exp}
	m.byConv[conversationID] = item{value: transportID, expires: exp}
}

// ConversationFor resolves a transport id to its conversation.
func (m *Map) ConversationFor(ctx context.Context, transportID string) (string, bool) {
	if v, ok := m.get(m.byTransport, transportID); ok {
		return v, true
	}
	if m.persisted == nil {
		return "", false
	}
	conv, found, err := m.persisted.ConversationFor(ctx, transportID)
	if err != nil {
		m.logger.Warn("identity: persisted lookup failed", "transport_id", transportID, "err", err)
		return "", false
	}
	if found {
		m.put(transportID, conv)
	}
	return conv, found
}

// TransportFor resolves a conversation to the transport id it was last seen on.
func (m *Map) TransportFor(ctx context.Context, conversationID string) (string, bool) {
	if v, ok := m.get(m.byConv, conversationID); ok {
		return v, true
	}
	if m.persisted == nil {
		return "", false
	}
	tid, found, err := m.persisted.TransportFor(ctx, conversationID)
	if err != nil {
		m.logger.Warn("identity: persisted lookup failed", "conversation_id", conversationID, "err", err)
		return "", false
	}
	if found {
		m.put(tid, conversationID)
	}
	return tid, found
}

func (m *Map) get(table map[string]item, key string) (string, bool) {
	now := m.now()
	m.mu.RLock()
	it, ok := table[key]
	m.mu.RUnlock()
	if !ok {
		return "", false
	}
	if !now.Before(it.expires) {
		m.mu.Lock()
		if cur, ok := table[key]; ok && !now.Before(cur.expires) {
			delete(table, key)
		}
		m.mu.Unlock()
		return "", false
	}
	return it.value, true
}

// Sweep evicts expired entries and returns how many were removed.
func (m *Map) Sweep() int {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, it := range m.byTransport {
		if !now.Before(it.expires) {
			delete(m.byTransport, k)
			n++
		}
	}
	for k, it := range m.byConv {
		if !now.Before(it.expires) {
			delete(m.byConv, k)
			n++
		}
	}
	return n
}

// Run sweeps every interval until ctx is done.
func (m *Map) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.Sweep()
		}
	}
}

// Len returns the number of live transport entries.
func (m *Map) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byTransport)
}
