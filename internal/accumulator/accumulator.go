// Package accumulator coalesces bursts of inbound items per session into one
// processing trigger. The debounce timer lives only in process memory; the
// buffered item ids live in the broker. The timer is nothing but a wake-up
// signal: the persisted id list is the sole source of truth for what to
// flush, so a timer firing on an empty or already-drained buffer is a no-op,
// and a crash loses the timer but never the data.
package accumulator

import (
	"context"
	"log"
	"sync"
	"time"
)

// BufferStore persists the ordered per-session item-id buffer across process
// restarts. Drain must be atomic: ids appended after the drain decision point
// belong to the next buffer incarnation.
type BufferStore interface {
	Append(ctx context.Context, sessionID, itemID string) error
	Drain(ctx context.Context, sessionID string) ([]string, error)
	Sessions(ctx context.Context) ([]string, error)
}

// ResolveFunc reads full items back from the record store by id, preserving
// the input order.
type ResolveFunc func(ctx context.Context, itemIDs []string) ([]Item, error)

// Item is one resolved buffered input.
type Item struct {
	ID        string
	SessionID string
	Sender    string
	Text      string
	MediaURL  string
	Timestamp int64
}

// Trigger says what caused a flush.
type Trigger string

const (
	TriggerDebounce Trigger = "debounce" // quiet period elapsed
	TriggerForced   Trigger = "forced"   // explicit force-processing request
	TriggerSweep    Trigger = "sweep"    // shutdown drain or orphan recovery
)

// FlushFunc receives one drained buffer. Items arrive in append order.
type FlushFunc func(ctx context.Context, sessionID string, trigger Trigger, items []Item)

// Accumulator owns the per-session timer table. One instance per process,
// constructed at startup and drained at shutdown; no ambient globals.
type Accumulator struct {
	buffers  BufferStore
	resolve  ResolveFunc
	debounce time.Duration
	onFlush  FlushFunc

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates an Accumulator that waits debounce after the most recent append
// before invoking onFlush.
func New(buffers BufferStore, resolve ResolveFunc, debounce time.Duration, onFlush FlushFunc) *Accumulator {
	return &Accumulator{
		buffers:  buffers,
		resolve:  resolve,
		debounce: debounce,
		onFlush:  onFlush,
		timers:   make(map[string]*time.Timer),
	}
}

// Accumulate appends one item id to the session's buffer and pushes the
// session's flush out by the debounce window. Rapid-fire input keeps
// resetting the timer, so a burst triggers exactly one flush, debounce after
// its last item.
func (a *Accumulator) Accumulate(ctx context.Context, sessionID, itemID string) error {
	if err := a.buffers.Append(ctx, sessionID, itemID); err != nil {
		return err
	}

	a.mu.Lock()
	if t, ok := a.timers[sessionID]; ok {
		t.Stop()
	}
	a.timers[sessionID] = time.AfterFunc(a.debounce, func() {
		a.mu.Lock()
		delete(a.timers, sessionID)
		a.mu.Unlock()
		a.flush(context.Background(), sessionID, TriggerDebounce)
	})
	a.mu.Unlock()
	return nil
}

// FlushNow drains and delivers the session's buffer immediately, cancelling
// any pending timer. Used by the force-processing command.
func (a *Accumulator) FlushNow(ctx context.Context, sessionID string) {
	a.mu.Lock()
	if t, ok := a.timers[sessionID]; ok {
		t.Stop()
		delete(a.timers, sessionID)
	}
	a.mu.Unlock()
	a.flush(ctx, sessionID, TriggerForced)
}

// FlushAll fires every pending timer immediately and then sweeps the broker
// for buffers with no in-process timer, orphans left behind by a crash
// before this process could register timers for them. Drain is atomic, so a
// buffer reached by both passes is still delivered exactly once.
func (a *Accumulator) FlushAll(ctx context.Context) {
	a.mu.Lock()
	pending := make([]string, 0, len(a.timers))
	for sessionID, t := range a.timers {
		t.Stop()
		pending = append(pending, sessionID)
	}
	a.timers = make(map[string]*time.Timer)
	a.mu.Unlock()

	for _, sessionID := range pending {
		a.flush(ctx, sessionID, TriggerSweep)
	}

	orphans, err := a.buffers.Sessions(ctx)
	if err != nil {
		log.Printf("accumulator sweep failed: %v", err)
		return
	}
	for _, sessionID := range orphans {
		a.flush(ctx, sessionID, TriggerSweep)
	}
}

// flush drains the buffer, resolves ids back to full items and hands them to
// the callback. Once the drain has happened the buffered set is spent:
// resolver or callback failures are logged, never re-delivered.
func (a *Accumulator) flush(ctx context.Context, sessionID string, trigger Trigger) {
	ids, err := a.buffers.Drain(ctx, sessionID)
	if err != nil {
		log.Printf("failed to drain buffer for session %s: %v", sessionID, err)
		return
	}
	if len(ids) == 0 {
		return
	}

	items, err := a.resolve(ctx, ids)
	if err != nil {
		log.Printf("failed to resolve %d buffered items for session %s: %v", len(ids), sessionID, err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("flush callback panic for session %s: %v", sessionID, r)
		}
	}()
	a.onFlush(ctx, sessionID, trigger, items)
}
