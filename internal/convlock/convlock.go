// Package convlock provides a per-conversation, FIFO, non-reentrant lock.
//
// Waiters for the same key are granted the lock strictly in arrival order.
// Different keys never contend. When a Leaser is configured the local slot
// is additionally backed by a distributed lease so that several processes
// sharing a store serialize on the same conversation.
package convlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultWait bounds how long Acquire queues before giving up.
const DefaultWait = 10 * time.Second

// ErrTimeout is returned when the lock is not granted within the wait bound.
var ErrTimeout = errors.New("convlock: timed out waiting for conversation lock")

var newUUID = func() string { return uuid.NewString() }

// Leaser is a distributed lease keyed by conversation.
type Leaser interface {
	TryAcquireLease(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// Release gives the lock back. It is safe to call more than once; only the
// first call has an effect, so a force release followed by the holder's own
// deferred release never frees the next holder's slot.
type Release func()

type waiter struct {
	ready   chan struct{}
	granted bool
}

type queue struct {
	held    bool
	waiters []*waiter
}

// Locker hands out per-key locks.
type Locker struct {
	wait      time.Duration
	leaser    Leaser
	leaseTTL  time.Duration
	leasePoll time.Duration

	mu   sync.Mutex
	keys map[string]*queue
}

// Option configures a Locker.
type Option func(*Locker)

// WithLeaser backs every local grant with a distributed lease of the given TTL.
func WithLeaser(l Leaser, ttl time.Duration) Option {
	return func(lk *Locker) {
		lk.leaser = l
		lk.leaseTTL = ttl
	}
}

// WithLeasePoll sets the retry interval while the distributed lease is held elsewhere.
func WithLeasePoll(d time.Duration) Option {
	return func(lk *Locker) { lk.leasePoll = d }
}

// New builds a Locker. wait <= 0 selects DefaultWait.
func New(wait time.Duration, opts ...Option) *Locker {
	if wait <= 0 {
		wait = DefaultWait
	}
	lk := &Locker{
		wait:      wait,
		leaseTTL:  30 * time.Second,
		leasePoll: 50 * time.Millisecond,
		keys:      make(map[string]*queue),
	}
	for _, opt := range opts {
		opt(lk)
	}
	return lk
}

// Acquire blocks until the lock for key is granted, ctx is done, or the wait
// bound elapses.
func (lk *Locker) Acquire(ctx context.Context, key string) (Release, error) {
	deadline := time.Now().Add(lk.wait)
	if err := lk.acquireLocal(ctx, key); err != nil {
		return nil, err
	}
	local := lk.releaseFunc(key)
	if lk.leaser == nil {
		return local, nil
	}

	owner := newUUID()
	if err := lk.acquireLease(ctx, key, owner, deadline); err != nil {
		local()
		return nil, err
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			// The lease has its own TTL; a failed release only delays the next holder.
			_ = lk.leaser.ReleaseLease(context.WithoutCancel(ctx), key, owner)
			local()
		})
	}, nil
}

func (lk *Locker) acquireLocal(ctx context.Context, key string) error {
	lk.mu.Lock()
	q, ok := lk.keys[key]
	if !ok {
		q = &queue{}
		lk.keys[key] = q
	}
	if !q.held && len(q.waiters) == 0 {
		q.held = true
		lk.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	lk.mu.Unlock()

	timer := time.NewTimer(lk.wait)
	defer timer.Stop()

	var cause error
	select {
	case <-w.ready:
		return nil
	case <-timer.C:
		cause = ErrTimeout
	case <-ctx.Done():
		cause = fmt.Errorf("convlock: Acquire: %w", ctx.Err())
	}

	lk.mu.Lock()
	if w.granted {
		// Granted while giving up: pass the slot on.
		lk.mu.Unlock()
		lk.handOff(key)
		return cause
	}
	for i, cand := range q.waiters {
		if cand == w {
			q.waiters = append(q.waiters[:i], q.waiters[i+1:]...)
			break
		}
	}
	lk.mu.Unlock()
	return cause
}

func (lk *Locker) acquireLease(ctx context.Context, key, owner string, deadline time.Time) error {
	for {
		ok, err := lk.leaser.TryAcquireLease(ctx, key, owner, lk.leaseTTL)
		if err != nil {
			return fmt.Errorf("convlock: lease %s: %w", key, err)
		}
		if ok {
			return nil
		}
		if !time.Now().Add(lk.leasePoll).Before(deadline) {
			return ErrTimeout
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("convlock: lease %s: %w", key, ctx.Err())
		case <-time.After(lk.leasePoll):
		}
	}
}

func (lk *Locker) releaseFunc(key string) Release {
	var once sync.Once
	return func() {
		once.Do(func() { lk.handOff(key) })
	}
}

// handOff grants the lock to the oldest waiter or frees it.
func (lk *Locker) handOff(key string) {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	q, ok := lk.keys[key]
	if !ok {
		return
	}
	if len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters = q.waiters[1:]
		w.granted = true
		close(w.ready)
		return
	}
	q.held = false
	delete(lk.keys, key)
}

// Held reports whether key is currently locked.
func (lk *Locker) Held(key string) bool {
	lk.mu.Lock()
	defer lk.mu.Unlock()
	q, ok := lk.keys[key]
	return ok && q.held
}
