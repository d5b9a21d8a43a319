package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentichq/fleet/internal/decision"
	"github.com/agentichq/fleet/internal/store"
	"github.com/agentichq/fleet/internal/transport"
)

type fakeLocker struct {
	mu        sync.Mutex
	contended bool
	held      map[string]bool
	releases  int
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (f *fakeLocker) Acquire(_ context.Context, sessionID string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.contended || f.held[sessionID] {
		return false, nil
	}
	f.held[sessionID] = true
	return true, nil
}

func (f *fakeLocker) Release(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, sessionID)
	f.releases++
	return nil
}

type fakeOutbound struct {
	mu    sync.Mutex
	sends []transport.OutboundPayload
	fail  bool
}

func (f *fakeOutbound) Send(_ context.Context, _, _ string, payload transport.OutboundPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection down")
	}
	f.sends = append(f.sends, payload)
	return nil
}

func (f *fakeOutbound) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.sends {
		out = append(out, p.Text)
	}
	return out
}

// scriptedDecider replays results in order and records every request.
type scriptedDecider struct {
	mu       sync.Mutex
	script   []*decision.Result
	err      error
	requests []decision.Request
}

func (d *scriptedDecider) Decide(_ context.Context, req decision.Request) (*decision.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	if d.err != nil {
		return nil, d.err
	}
	idx := len(d.requests) - 1
	if idx < len(d.script) {
		return d.script[idx], nil
	}
	// Past the script: keep requesting the last scripted result.
	return d.script[len(d.script)-1], nil
}

func (d *scriptedDecider) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.requests)
}

func seedRecords(t *testing.T, actions []decision.ActionDefinition) *store.Memory {
	t.Helper()
	m := store.NewMemory()
	m.PutBot(&store.Bot{ID: "bot-1", Status: "open", Enabled: true, Actions: actions})
	if err := m.EnsureSession(context.Background(), &store.Session{
		ID: "s1", BotID: "bot-1", Identifier: "5511999",
	}); err != nil {
		t.Fatal(err)
	}
	return m
}

func TestTerminatesAtIterationCap(t *testing.T) {
	var builtinCalls int
	var mu sync.Mutex

	out := &fakeOutbound{}
	exec := NewExecutor(out)
	exec.RegisterBuiltin("noop", func(context.Context, *store.Bot, *store.Session, map[string]string) (string, error) {
		mu.Lock()
		builtinCalls++
		mu.Unlock()
		return "done", nil
	})

	records := seedRecords(t, []decision.ActionDefinition{{
		Name: "poke", Enabled: true, Executor: decision.ExecutorBuiltin, Builtin: "noop",
	}})

	// Always requests one more action; only the cap can stop this.
	decider := &scriptedDecider{script: []*decision.Result{{
		Text:    "working on it",
		Actions: []decision.ActionRequest{{Name: "poke"}},
	}}}

	loop := New(newFakeLocker(), records, decider, exec, out, 5, time.Minute)
	if err := loop.Run(context.Background(), "s1", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := decider.calls(); got != 5 {
		t.Errorf("decision service consulted %d times, want 5 (the cap)", got)
	}
	if builtinCalls != 5 {
		t.Errorf("builtin executed %d times, want 5", builtinCalls)
	}
	// Reaching the cap is not an error: the last iteration's text still goes out.
	texts := out.texts()
	if len(texts) != 1 || texts[0] != "working on it" {
		t.Errorf("delivered texts = %v, want one final message", texts)
	}
}

func TestZeroActionsTerminatesAfterOneIteration(t *testing.T) {
	out := &fakeOutbound{}
	records := seedRecords(t, nil)
	decider := &scriptedDecider{script: []*decision.Result{{Text: "hi there"}}}

	loop := New(newFakeLocker(), records, decider, NewExecutor(out), out, 5, time.Minute)
	if err := loop.Run(context.Background(), "s1", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := decider.calls(); got != 1 {
		t.Errorf("decision service consulted %d times, want 1", got)
	}
	if texts := out.texts(); len(texts) != 1 || texts[0] != "hi there" {
		t.Errorf("delivered texts = %v", texts)
	}
}

func TestLockContentionAbandonsSilently(t *testing.T) {
	out := &fakeOutbound{}
	records := seedRecords(t, nil)
	decider := &scriptedDecider{script: []*decision.Result{{Text: "never"}}}

	locker := newFakeLocker()
	locker.contended = true

	loop := New(locker, records, decider, NewExecutor(out), out, 5, time.Minute)
	if err := loop.Run(context.Background(), "s1", nil); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("contended Run = %v, want ErrSessionBusy", err)
	}

	if decider.calls() != 0 {
		t.Error("decision service must not be consulted when the lock is held elsewhere")
	}
	if locker.releases != 0 {
		t.Error("a lock we never acquired must not be released")
	}
	if len(out.texts()) != 0 {
		t.Error("nothing should be sent on an abandoned turn")
	}
}

func TestDecisionFailureReleasesLockAndApologizes(t *testing.T) {
	out := &fakeOutbound{}
	records := seedRecords(t, nil)
	decider := &scriptedDecider{err: errors.New("oracle unavailable")}
	locker := newFakeLocker()

	loop := New(locker, records, decider, NewExecutor(out), out, 5, time.Minute)
	err := loop.Run(context.Background(), "s1", nil)
	if err == nil {
		t.Fatal("Run should surface the decision failure")
	}

	if locker.releases != 1 {
		t.Errorf("lock released %d times, want 1", locker.releases)
	}
	texts := out.texts()
	if len(texts) != 1 || texts[0] != fallbackText {
		t.Errorf("delivered texts = %v, want the fallback message", texts)
	}
}

func TestActionFailureVisibleToNextIteration(t *testing.T) {
	out := &fakeOutbound{}
	records := seedRecords(t, nil) // "lookup" is not among the enabled actions

	decider := &scriptedDecider{script: []*decision.Result{
		{Actions: []decision.ActionRequest{{Name: "lookup"}}},
		{Text: "recovered"},
	}}

	loop := New(newFakeLocker(), records, decider, NewExecutor(out), out, 5, time.Minute)
	if err := loop.Run(context.Background(), "s1", nil); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := decider.calls(); got != 2 {
		t.Fatalf("decision service consulted %d times, want 2", got)
	}
	// The second request's history must carry the first action's failure.
	second := decider.requests[1]
	found := false
	for _, turn := range second.History {
		if turn.Role == "action" && strings.Contains(turn.Content, "lookup failed") {
			found = true
		}
	}
	if !found {
		t.Errorf("action failure missing from next iteration's context: %+v", second.History)
	}
}

func TestHistoryRolesFromMessages(t *testing.T) {
	records := seedRecords(t, nil)
	base := time.Now()
	msgs := []store.Message{
		{ID: "m1", SessionID: "s1", FromMe: false, Text: "hello", Timestamp: base},
		{ID: "m2", SessionID: "s1", FromMe: true, Text: "hi!", Timestamp: base.Add(time.Second)},
		{ID: "m3", SessionID: "s1", FromMe: false, MediaURL: "https://cdn/a.jpg", Timestamp: base.Add(2 * time.Second)},
	}
	for i := range msgs {
		if err := records.CreateMessage(context.Background(), &msgs[i]); err != nil {
			t.Fatal(err)
		}
	}

	out := &fakeOutbound{}
	decider := &scriptedDecider{script: []*decision.Result{{Text: "ok"}}}
	loop := New(newFakeLocker(), records, decider, NewExecutor(out), out, 5, time.Minute)
	if err := loop.Run(context.Background(), "s1", nil); err != nil {
		t.Fatal(err)
	}

	history := decider.requests[0].History
	if len(history) != 3 {
		t.Fatalf("history has %d turns, want 3", len(history))
	}
	if history[0].Role != "user" || history[1].Role != "assistant" || history[2].Role != "user" {
		t.Errorf("history roles = %s/%s/%s", history[0].Role, history[1].Role, history[2].Role)
	}
	if !strings.Contains(history[2].Content, "[media]") {
		t.Errorf("media message content = %q", history[2].Content)
	}
}
