// Package decision defines the boundary to the external decision service:
// one call that takes conversation history plus the available action
// definitions and returns free text and/or zero or more requested actions.
// The service itself is an interchangeable external collaborator; this
// package holds only the contract and the shared action shapes.
package decision

import "context"

// Service is the external oracle consulted once per loop iteration.
type Service interface {
	Decide(ctx context.Context, req Request) (*Result, error)
}

// Request carries everything the service may consider for one decision.
type Request struct {
	BotID     string             `json:"botId"`
	SessionID string             `json:"sessionId"`
	History   []Turn             `json:"history"`
	Actions   []ActionDefinition `json:"actions,omitempty"`
}

// Turn is one entry of conversation context.
type Turn struct {
	Role    string `json:"role"` // "user", "assistant" or "action"
	Content string `json:"content"`
}

// Result is what the service decided: free text, requested actions, or both.
type Result struct {
	Text    string          `json:"text,omitempty"`
	Actions []ActionRequest `json:"actions,omitempty"`
}

// ActionRequest names an enabled action the service wants executed, with
// service-chosen arguments.
type ActionRequest struct {
	Name      string            `json:"name"`
	Arguments map[string]string `json:"arguments,omitempty"`
}

// ExecutorKind is the closed set of ways an action can run.
type ExecutorKind string

const (
	// ExecutorSteps runs a scripted sub-sequence of steps.
	ExecutorSteps ExecutorKind = "STEPS"
	// ExecutorWebhook calls an external HTTP endpoint.
	ExecutorWebhook ExecutorKind = "WEBHOOK"
	// ExecutorBuiltin invokes a named built-in registered in-process.
	ExecutorBuiltin ExecutorKind = "BUILTIN"
)

// Valid reports whether k names a known executor kind.
func (k ExecutorKind) Valid() bool {
	switch k {
	case ExecutorSteps, ExecutorWebhook, ExecutorBuiltin:
		return true
	}
	return false
}

// ActionDefinition describes one action a bot exposes to the decision
// service. Exactly one of the executor-specific fields is meaningful,
// selected by Executor.
type ActionDefinition struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Enabled     bool         `json:"enabled"`
	Executor    ExecutorKind `json:"executor"`

	Steps      []Step `json:"steps,omitempty"`      // ExecutorSteps
	WebhookURL string `json:"webhookUrl,omitempty"` // ExecutorWebhook
	Builtin    string `json:"builtin,omitempty"`    // ExecutorBuiltin
}

// Step is one scripted step: plain content, media, or a time-conditional
// resolving to either.
type Step struct {
	Order       int              `json:"order"`
	Type        string           `json:"type"` // "text" or "media"
	Content     string           `json:"content,omitempty"`
	MediaURL    string           `json:"mediaUrl,omitempty"`
	Conditional *TimeConditional `json:"conditional,omitempty"`
}

// TimeConditional selects step content by local time of day.
type TimeConditional struct {
	Branches []TimeBranch   `json:"branches"`
	Fallback *BranchContent `json:"fallback,omitempty"`
}

// TimeBranch is one half-open [Start, End) window with its content inline.
type TimeBranch struct {
	StartTime string `json:"startTime"` // "HH:MM"
	EndTime   string `json:"endTime"`   // "HH:MM"
	BranchContent
}

// BranchContent is what a matched branch (or the fallback) resolves to.
type BranchContent struct {
	Type     string `json:"type"` // "text" or "media"
	Content  string `json:"content,omitempty"`
	MediaURL string `json:"mediaUrl,omitempty"`
}
