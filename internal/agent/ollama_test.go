// ABOUTME: Tests for the Ollama agent using a scripted chat client.
// ABOUTME: Covers request shape, reply decoding and malformed replies.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ollama/ollama/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedChat struct {
	replies []string
	err     error
	reqs    []*api.ChatRequest
}

func (s *scriptedChat) Chat(_ context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error {
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return s.err
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	// Split the reply to check chunks are concatenated.
	half := len(reply) / 2
	if err := fn(api.ChatResponse{Message: api.Message{Role: "assistant", Content: reply[:half]}}); err != nil {
		return err
	}
	return fn(api.ChatResponse{Message: api.Message{Role: "assistant", Content: reply[half:]}, Done: true})
}

func TestOllamaPlan(t *testing.T) {
	chat := &scriptedChat{replies: []string{`{"title":"Login","content":"- [ ] screen\n- [ ] api"}`}}
	a := newOllamaAgent(chat, "")

	draft, err := a.Plan(t.Context(), "add a login page")
	require.NoError(t, err)
	assert.Equal(t, "Login", draft.Title)
	assert.Contains(t, draft.Content, "- [ ] api")

	require.Len(t, chat.reqs, 1)
	req := chat.reqs[0]
	assert.Equal(t, DefaultOllamaModel, req.Model)
	assert.JSONEq(t, `"json"`, string(req.Format))
	require.NotNil(t, req.Stream)
	assert.False(t, *req.Stream)
	assert.Equal(t, "add a login page", req.Messages[1].Content)
}

func TestOllamaPlan_EmptyContent(t *testing.T) {
	a := newOllamaAgent(&scriptedChat{replies: []string{`{"title":"x","content":"  "}`}}, "m")
	_, err := a.Plan(t.Context(), "p")
	require.ErrorIs(t, err, ErrMalformedReply)
}

func TestOllamaNext(t *testing.T) {
	chat := &scriptedChat{replies: []string{
		"```json\n{\"finished\":false,\"toolCalls\":[{\"name\":\"read_file\",\"arguments\":{\"path\":\"main.go\"}}]}\n```",
		`{"finished":true,"text":"done"}`,
	}}
	a := newOllamaAgent(chat, "m", WithToolSpecs([]ToolSpec{{Name: "read_file", Description: "read a file"}}))

	history := []Entry{
		{Role: RoleUser, Content: "fix the bug"},
		{Role: RoleAssistant, Content: "reading"},
		{Role: RoleTool, ToolName: "ls", Content: "main.go"},
		{Role: RoleFeedback, Content: "An error occurred"},
	}
	step, err := a.Next(t.Context(), history)
	require.NoError(t, err)
	assert.False(t, step.Finished)
	require.Len(t, step.ToolCalls, 1)
	assert.Equal(t, "read_file", step.ToolCalls[0].Name)
	assert.Equal(t, "main.go", step.ToolCalls[0].Arguments["path"])

	msgs := chat.reqs[0].Messages
	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "read_file")
	assert.Equal(t, "tool", msgs[3].Role)
	assert.Equal(t, "ls: main.go", msgs[3].Content)
	assert.Equal(t, "user", msgs[4].Role)

	step, err = a.Next(t.Context(), history)
	require.NoError(t, err)
	assert.True(t, step.Finished)
	assert.Equal(t, "done", step.Text)
}

func TestOllamaNext_Errors(t *testing.T) {
	tests := []struct {
		name  string
		reply string
	}{
		{"not json", "I will now read the file"},
		{"empty step", `{"finished":false}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newOllamaAgent(&scriptedChat{replies: []string{tt.reply}}, "m")
			_, err := a.Next(t.Context(), nil)
			require.ErrorIs(t, err, ErrMalformedReply)
		})
	}

	boom := errors.New("connection refused")
	a := newOllamaAgent(&scriptedChat{err: boom}, "m")
	_, err := a.Next(t.Context(), nil)
	require.ErrorIs(t, err, boom)
}

func TestStepJSONShape(t *testing.T) {
	data, err := json.Marshal(Step{Finished: true, Text: "ok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"finished":true,"text":"ok"}`, string(data))
}
