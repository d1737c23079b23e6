// ABOUTME: Agent and tool executor interfaces plus the history and step types they exchange.
// ABOUTME: The run loop depends only on these; concrete backends live beside them.

package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrMalformedReply is returned when the model's reply cannot be decoded.
var ErrMalformedReply = errors.New("agent: malformed reply")

// ErrNoTools is returned by NoTools for every call.
var ErrNoTools = errors.New("agent: no tool backend configured")

// Role identifies who produced a history entry.
type Role string

// History roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	// RoleFeedback marks entries the run loop injects after a failed step.
	RoleFeedback Role = "feedback"
)

// Entry is one item of a run's context log.
type Entry struct {
	Role     Role   `json:"role"`
	Content  string `json:"content"`
	ToolName string `json:"toolName,omitempty"`
}

// PlanDraft is the planning phase output. Content is markdown with a
// "- [ ]" checklist of task items.
type PlanDraft struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// ToolCall is one requested tool invocation.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// Step is the agent's decision for one iteration.
type Step struct {
	Finished  bool       `json:"finished"`
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
}

// ToolSpec describes a tool to the model.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

// Agent plans work and picks the next step.
type Agent interface {
	Plan(ctx context.Context, prompt string) (PlanDraft, error)
	Next(ctx context.Context, history []Entry) (Step, error)
}

// Tools executes tool calls and returns their textual result.
type Tools interface {
	Execute(ctx context.Context, call ToolCall) (string, error)
}

// ToolLister is implemented by executors that can describe their tools.
type ToolLister interface {
	ListTools(ctx context.Context) ([]ToolSpec, error)
}

// NoTools is the executor used when no tool backend is configured. Every
// call fails, which the run loop reports back to the agent as feedback.
type NoTools struct{}

// Execute always fails with ErrNoTools.
func (NoTools) Execute(_ context.Context, call ToolCall) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrNoTools, call.Name)
}
