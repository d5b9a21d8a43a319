// Package orchestrator runs the bounded decide→act→reflect cycle triggered
// once per accumulator flush. The session lock keeps at most one cycle in
// flight per session; the iteration cap bounds latency and cost when a
// decision would otherwise keep requesting actions forever.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/agentichq/fleet/internal/decision"
	"github.com/agentichq/fleet/internal/store"
	"github.com/agentichq/fleet/internal/transport"
)

// historyLimit caps how much conversation context one decision sees.
const historyLimit = 30

// fallbackText is sent best-effort when the decision service itself fails.
const fallbackText = "Sorry, something went wrong on our side. Please try again in a moment."

// ErrSessionBusy reports that another turn holds the session lock. Callers
// treat it as back-pressure, not a failure: the in-flight turn will see any
// newly buffered input on its next trigger.
var ErrSessionBusy = errors.New("session already processing")

// Locker is the session mutual-exclusion surface. Satisfied by
// *lock.SessionLock.
type Locker interface {
	Acquire(ctx context.Context, sessionID string, lease time.Duration) (bool, error)
	Release(ctx context.Context, sessionID string) error
}

// Loop orchestrates processing turns for sessions.
type Loop struct {
	locks   Locker
	records store.Store
	decider decision.Service
	exec    *Executor
	out     Outbound

	maxIterations int
	lease         time.Duration
}

// New creates a Loop. maxIterations bounds decide/act rounds per invocation;
// lease is the session-lock duration and must comfortably exceed a worst-case
// turn.
func New(locks Locker, records store.Store, decider decision.Service, exec *Executor, out Outbound, maxIterations int, lease time.Duration) *Loop {
	return &Loop{
		locks:         locks,
		records:       records,
		decider:       decider,
		exec:          exec,
		out:           out,
		maxIterations: maxIterations,
		lease:         lease,
	}
}

// Run executes one processing turn for the session. A turn already in flight
// (lock held elsewhere) abandons this invocation with ErrSessionBusy. The
// lock is released on every other exit path; a crash degrades when the lease
// expires.
func (l *Loop) Run(ctx context.Context, sessionID string, _ []store.Message) error {
	acquired, err := l.locks.Acquire(ctx, sessionID, l.lease)
	if err != nil {
		return fmt.Errorf("lock acquisition for session %s: %w", sessionID, err)
	}
	if !acquired {
		log.Printf("session %s already processing, skipping turn", sessionID)
		return ErrSessionBusy
	}
	defer func() {
		// Release must run even when ctx is done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := l.locks.Release(releaseCtx, sessionID); err != nil {
			log.Printf("failed to release lock for session %s: %v", sessionID, err)
		}
	}()

	sess, err := l.records.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	bot, err := l.records.GetBot(ctx, sess.BotID)
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}

	history, err := l.records.RecentMessages(ctx, sessionID, historyLimit)
	if err != nil {
		return fmt.Errorf("gather: %w", err)
	}
	turns := turnsFromMessages(history)
	enabled := enabledActions(bot.Actions)

	finalText := ""
	for iter := 0; iter < l.maxIterations; iter++ {
		result, err := l.decider.Decide(ctx, decision.Request{
			BotID:     bot.ID,
			SessionID: sessionID,
			History:   turns,
			Actions:   enabled,
		})
		if err != nil {
			l.sendText(ctx, bot.ID, sess.Identifier, fallbackText)
			return fmt.Errorf("decision service failed for session %s: %w", sessionID, err)
		}

		finalText = result.Text
		if result.Text != "" {
			turns = append(turns, decision.Turn{Role: "assistant", Content: result.Text})
		}
		if len(result.Actions) == 0 {
			break
		}

		for _, req := range result.Actions {
			res := l.runAction(ctx, bot, sess, enabled, req)
			turns = append(turns, decision.Turn{Role: "action", Content: formatResult(res)})
		}
	}

	if finalText != "" {
		l.sendText(ctx, bot.ID, sess.Identifier, finalText)
	}
	return nil
}

// runAction resolves the request against the bot's enabled definitions and
// executes it. An unknown or disabled action is an error result, not a loop
// failure.
func (l *Loop) runAction(ctx context.Context, bot *store.Bot, sess *store.Session, enabled []decision.ActionDefinition, req decision.ActionRequest) ActionResult {
	for _, def := range enabled {
		if def.Name == req.Name {
			return l.exec.Execute(ctx, bot, sess, def, req)
		}
	}
	return ActionResult{Name: req.Name, Error: fmt.Sprintf("action %q is not enabled for bot %s", req.Name, bot.ID)}
}

// sendText is best-effort: delivery failures are logged, the turn's outcome
// stands.
func (l *Loop) sendText(ctx context.Context, botID, target, text string) {
	if err := l.out.Send(ctx, botID, target, transport.OutboundPayload{Text: text}); err != nil {
		log.Printf("failed to deliver reply to %s via bot %s: %v", target, botID, err)
	}
}

func turnsFromMessages(msgs []store.Message) []decision.Turn {
	turns := make([]decision.Turn, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.FromMe {
			role = "assistant"
		}
		content := m.Text
		if content == "" && m.MediaURL != "" {
			content = "[media] " + m.MediaURL
		}
		turns = append(turns, decision.Turn{Role: role, Content: content})
	}
	return turns
}

func enabledActions(defs []decision.ActionDefinition) []decision.ActionDefinition {
	out := make([]decision.ActionDefinition, 0, len(defs))
	for _, d := range defs {
		if d.Enabled && d.Executor.Valid() {
			out = append(out, d)
		}
	}
	return out
}

func formatResult(r ActionResult) string {
	if r.Success {
		return fmt.Sprintf("%s succeeded: %s", r.Name, r.Output)
	}
	return fmt.Sprintf("%s failed: %s", r.Name, r.Error)
}
