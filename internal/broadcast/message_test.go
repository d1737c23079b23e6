// ABOUTME: Tests for message constructors, wire field names and result truncation.
// ABOUTME: Confirms clients see camelCase fields and a timestamp on every message.

package broadcast

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"exact", "abcde", 5, "abcde"},
		{"cut", "abcdef", 5, "abcde..."},
		{"runes", "héllo wörld", 4, "héll..."},
		{"disabled", "abcdef", 0, "abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Truncate(tt.in, tt.n))
		})
	}
}

func TestToolResultTruncatesPreview(t *testing.T) {
	m := ToolResult("read_file", strings.Repeat("x", 600), DefaultPreviewChars)
	assert.Len(t, m.Result, DefaultPreviewChars+3)
	assert.True(t, strings.HasSuffix(m.Result, "..."))
}

func TestPlanDecided(t *testing.T) {
	approved := PlanDecided("p1", true)
	assert.Equal(t, TypePlanApproved, approved.Type)
	require.NotNil(t, approved.Approved)
	assert.True(t, *approved.Approved)

	rejected := PlanDecided("p1", false)
	assert.Equal(t, TypePlanRejected, rejected.Type)
	require.NotNil(t, rejected.Approved)
	assert.False(t, *rejected.Approved)
}

func TestMessageWireFormat(t *testing.T) {
	m := TaskCompleted("t1", "s1", "COMPLETED", 1500*time.Millisecond, "ok")

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "background_task_completed", raw["type"])
	assert.Equal(t, "t1", raw["taskId"])
	assert.Equal(t, "s1", raw["sessionId"])
	assert.Equal(t, "1.5s", raw["duration"])
	assert.Contains(t, raw, "timestamp")
	assert.NotContains(t, raw, "planId")
}

func TestEveryConstructorStampsTime(t *testing.T) {
	msgs := []Message{
		AgentStatus("planning", ""),
		ToolExecution("ls", map[string]any{"path": "."}),
		ToolResult("ls", "a b", 10),
		PlanCreated("p", "c", "h"),
		PlanDecided("p", true),
		WalkthroughReady("p", "c"),
		TaskStarted("t", "s", "coder", "d"),
		TaskProgress("t", "s", "ls", 1),
		TaskCompleted("t", "s", "FAILED", time.Second, "boom"),
		AgentResponse("t", "done"),
	}
	for _, m := range msgs {
		assert.False(t, m.Timestamp.IsZero(), m.Type)
	}
}
