// ABOUTME: Progress message union streamed to clients, with one constructor per type.
// ABOUTME: Tool results are truncated to a preview length before they leave the process.

package broadcast

import (
	"time"
	"unicode/utf8"
)

// Type tags a Message.
type Type string

// Message types.
const (
	TypeAgentStatus      Type = "agent_status"
	TypeToolExecution    Type = "tool_execution"
	TypeToolResult       Type = "tool_result"
	TypePlanCreated      Type = "plan_created"
	TypePlanApproved     Type = "plan_approved"
	TypePlanRejected     Type = "plan_rejected"
	TypeWalkthroughReady Type = "walkthrough_ready"
	TypeTaskStarted      Type = "background_task_started"
	TypeTaskProgress     Type = "background_task_progress"
	TypeTaskCompleted    Type = "background_task_completed"
	TypeAgentResponse    Type = "agent_response"
)

// Agent status values carried by agent_status messages.
const (
	StatusPlanning         = "planning"
	StatusAwaitingApproval = "awaiting_approval"
	StatusExecuting        = "executing"
	StatusTimeout          = "timeout"
	StatusCancelled        = "cancelled"
	StatusError            = "error"
)

// DefaultPreviewChars is the default tool result preview length.
const DefaultPreviewChars = 500

// Message is one progress or status update.
type Message struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	Status  string `json:"status,omitempty"`
	Message string `json:"message,omitempty"`

	TaskID      string `json:"taskId,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	AgentClass  string `json:"agentClass,omitempty"`
	Description string `json:"description,omitempty"`

	ToolName      string         `json:"toolName,omitempty"`
	ToolInput     map[string]any `json:"toolInput,omitempty"`
	Result        string         `json:"result,omitempty"`
	ToolCallCount int            `json:"toolCallCount,omitempty"`

	PlanID      string `json:"planId,omitempty"`
	PlanContent string `json:"planContent,omitempty"`
	PlanHTML    string `json:"planHtml,omitempty"`
	Approved    *bool  `json:"approved,omitempty"`

	Duration string `json:"duration,omitempty"`
}

func newMessage(t Type) Message {
	return Message{Type: t, Timestamp: time.Now().UTC()}
}

// AgentStatus reports a run loop state change.
func AgentStatus(status, text string) Message {
	m := newMessage(TypeAgentStatus)
	m.Status = status
	m.Message = text
	return m
}

// ToolExecution announces a tool call before it runs.
func ToolExecution(toolName string, input map[string]any) Message {
	m := newMessage(TypeToolExecution)
	m.ToolName = toolName
	m.ToolInput = input
	return m
}

// ToolResult reports a tool's output, truncated to previewChars runes.
func ToolResult(toolName, result string, previewChars int) Message {
	m := newMessage(TypeToolResult)
	m.ToolName = toolName
	m.Result = Truncate(result, previewChars)
	return m
}

// PlanCreated carries a new plan awaiting review.
func PlanCreated(planID, content, html string) Message {
	m := newMessage(TypePlanCreated)
	m.PlanID = planID
	m.PlanContent = content
	m.PlanHTML = html
	return m
}

// PlanDecided reports an approval decision as plan_approved or plan_rejected.
func PlanDecided(planID string, approved bool) Message {
	t := TypePlanRejected
	if approved {
		t = TypePlanApproved
	}
	m := newMessage(t)
	m.PlanID = planID
	m.Approved = &approved
	return m
}

// WalkthroughReady signals that every plan item is done.
func WalkthroughReady(planID, content string) Message {
	m := newMessage(TypeWalkthroughReady)
	m.PlanID = planID
	m.PlanContent = content
	return m
}

// TaskStarted announces a background task.
func TaskStarted(taskID, sessionID, agentClass, description string) Message {
	m := newMessage(TypeTaskStarted)
	m.TaskID = taskID
	m.SessionID = sessionID
	m.AgentClass = agentClass
	m.Description = description
	return m
}

// TaskProgress reports a tool call made by a background task.
func TaskProgress(taskID, sessionID, toolName string, toolCallCount int) Message {
	m := newMessage(TypeTaskProgress)
	m.TaskID = taskID
	m.SessionID = sessionID
	m.ToolName = toolName
	m.ToolCallCount = toolCallCount
	return m
}

// TaskCompleted reports a background task leaving RUNNING. text is the
// result on success or the error otherwise.
func TaskCompleted(taskID, sessionID, status string, duration time.Duration, text string) Message {
	m := newMessage(TypeTaskCompleted)
	m.TaskID = taskID
	m.SessionID = sessionID
	m.Status = status
	m.Duration = duration.Round(time.Millisecond).String()
	m.Message = Truncate(text, DefaultPreviewChars)
	return m
}

// AgentResponse is the single terminal message of a run.
func AgentResponse(taskID, text string) Message {
	m := newMessage(TypeAgentResponse)
	m.TaskID = taskID
	m.Message = text
	return m
}

// Truncate shortens s to at most n runes, appending "..." when cut.
// n <= 0 leaves s unchanged.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
