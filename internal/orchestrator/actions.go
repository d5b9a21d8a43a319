package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/agentichq/fleet/internal/decision"
	"github.com/agentichq/fleet/internal/store"
	"github.com/agentichq/fleet/internal/transport"
)

// ActionResult is the per-action outcome fed back into the next decision
// iteration.
type ActionResult struct {
	Name    string
	Success bool
	Output  string
	Error   string
}

// Outbound is the slice of the transport surface the loop needs. Satisfied
// by transport.Client.
type Outbound interface {
	Send(ctx context.Context, botID, target string, payload transport.OutboundPayload) error
}

// BuiltinFunc is a named in-process action implementation.
type BuiltinFunc func(ctx context.Context, bot *store.Bot, sess *store.Session, args map[string]string) (string, error)

// Executor runs one requested action according to its definition's executor
// kind. Built-ins are an owned registry with explicit registration, not
// ambient state.
type Executor struct {
	out      Outbound
	http     *http.Client
	builtins map[string]BuiltinFunc
	now      func() time.Time
}

// NewExecutor creates an Executor sending scripted steps through out.
func NewExecutor(out Outbound) *Executor {
	return &Executor{
		out:      out,
		http:     &http.Client{Timeout: 15 * time.Second},
		builtins: make(map[string]BuiltinFunc),
		now:      time.Now,
	}
}

// RegisterBuiltin makes fn invokable by actions whose definition names it.
func (e *Executor) RegisterBuiltin(name string, fn BuiltinFunc) {
	e.builtins[name] = fn
}

// Execute runs one action. Failures are returned as the action's result,
// never as an error: the loop records them and the next decision iteration
// sees them as context.
func (e *Executor) Execute(ctx context.Context, bot *store.Bot, sess *store.Session, def decision.ActionDefinition, req decision.ActionRequest) ActionResult {
	switch def.Executor {
	case decision.ExecutorSteps:
		return e.runSteps(ctx, bot, sess, def)
	case decision.ExecutorWebhook:
		return e.callWebhook(ctx, bot, sess, def, req)
	case decision.ExecutorBuiltin:
		return e.callBuiltin(ctx, bot, sess, def, req)
	default:
		return ActionResult{Name: req.Name, Error: fmt.Sprintf("unknown executor kind %q", def.Executor)}
	}
}

// runSteps sends the definition's scripted steps in order through the bot's
// connection.
func (e *Executor) runSteps(ctx context.Context, bot *store.Bot, sess *store.Session, def decision.ActionDefinition) ActionResult {
	steps := append([]decision.Step(nil), def.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	sent := 0
	for _, step := range steps {
		payload, ok := e.resolveStep(step)
		if !ok {
			continue // no branch matched and no fallback
		}
		if err := e.out.Send(ctx, bot.ID, sess.Identifier, payload); err != nil {
			return ActionResult{
				Name:   def.Name,
				Output: fmt.Sprintf("sent %d of %d steps", sent, len(steps)),
				Error:  err.Error(),
			}
		}
		sent++
	}
	return ActionResult{Name: def.Name, Success: true, Output: fmt.Sprintf("sent %d steps", sent)}
}

// resolveStep turns a step into an outbound payload, applying its
// time-of-day conditional when present.
func (e *Executor) resolveStep(step decision.Step) (transport.OutboundPayload, bool) {
	content := decision.BranchContent{Type: step.Type, Content: step.Content, MediaURL: step.MediaURL}
	if step.Conditional != nil {
		branch, ok := pickBranch(*step.Conditional, e.now())
		if !ok {
			return transport.OutboundPayload{}, false
		}
		content = branch
	}

	if content.Type == "media" {
		return transport.OutboundPayload{
			Image:   &transport.Media{URL: content.MediaURL},
			Caption: content.Content,
		}, true
	}
	return transport.OutboundPayload{Text: content.Content}, true
}

// pickBranch selects the first branch whose [start, end) window contains the
// local time of day, falling back to the conditional's fallback. Windows may
// wrap past midnight.
func pickBranch(c decision.TimeConditional, now time.Time) (decision.BranchContent, bool) {
	minutes := now.Hour()*60 + now.Minute()
	for _, b := range c.Branches {
		start, err1 := parseClock(b.StartTime)
		end, err2 := parseClock(b.EndTime)
		if err1 != nil || err2 != nil {
			continue
		}
		inWindow := false
		if start <= end {
			inWindow = minutes >= start && minutes < end
		} else {
			inWindow = minutes >= start || minutes < end
		}
		if inWindow {
			return b.BranchContent, true
		}
	}
	if c.Fallback != nil {
		return *c.Fallback, true
	}
	return decision.BranchContent{}, false
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// webhookRequest is the JSON body posted to webhook-executed actions.
type webhookRequest struct {
	BotID     string            `json:"botId"`
	SessionID string            `json:"sessionId"`
	Action    string            `json:"action"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

const maxWebhookReply = 64 << 10

func (e *Executor) callWebhook(ctx context.Context, bot *store.Bot, sess *store.Session, def decision.ActionDefinition, req decision.ActionRequest) ActionResult {
	body, err := json.Marshal(webhookRequest{
		BotID:     bot.ID,
		SessionID: sess.ID,
		Action:    def.Name,
		Arguments: req.Arguments,
	})
	if err != nil {
		return ActionResult{Name: def.Name, Error: err.Error()}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, def.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return ActionResult{Name: def.Name, Error: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(httpReq)
	if err != nil {
		return ActionResult{Name: def.Name, Error: err.Error()}
	}
	defer resp.Body.Close()

	reply, _ := io.ReadAll(io.LimitReader(resp.Body, maxWebhookReply))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ActionResult{
			Name:  def.Name,
			Error: fmt.Sprintf("webhook returned %d: %s", resp.StatusCode, string(reply)),
		}
	}
	return ActionResult{Name: def.Name, Success: true, Output: string(reply)}
}

func (e *Executor) callBuiltin(ctx context.Context, bot *store.Bot, sess *store.Session, def decision.ActionDefinition, req decision.ActionRequest) ActionResult {
	fn, ok := e.builtins[def.Builtin]
	if !ok {
		return ActionResult{Name: def.Name, Error: fmt.Sprintf("built-in %q is not registered", def.Builtin)}
	}
	out, err := fn(ctx, bot, sess, req.Arguments)
	if err != nil {
		return ActionResult{Name: def.Name, Error: err.Error()}
	}
	return ActionResult{Name: def.Name, Success: true, Output: out}
}
