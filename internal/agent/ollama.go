// ABOUTME: Agent backed by an Ollama chat model that replies in JSON.
// ABOUTME: Builds planning and step prompts and decodes the structured replies.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"
)

// DefaultOllamaModel is used when no model is configured.
const DefaultOllamaModel = "qwen2.5-coder:7b"

const planPrompt = `You are a software engineering planner. Produce a plan for the user's request.
Reply with a JSON object: {"title": string, "content": string}.
content is markdown and must contain a checklist of concrete steps written as "- [ ] step".`

const stepPrompt = `You are a software engineering agent working through a task one step at a time.
Reply with a JSON object: {"finished": bool, "text": string, "toolCalls": [{"name": string, "arguments": object}]}.
Set finished to true with a summary in text when the task is done. Otherwise request one or more tool calls.`

// chatter is the part of *api.Client the agent uses.
type chatter interface {
	Chat(ctx context.Context, req *api.ChatRequest, fn api.ChatResponseFunc) error
}

// OllamaAgent implements Agent over an Ollama server.
type OllamaAgent struct {
	client  chatter
	model   string
	tools   []ToolSpec
	options map[string]any
	logger  *slog.Logger
}

// OllamaOption configures an OllamaAgent.
type OllamaOption func(*OllamaAgent)

// WithToolSpecs lists the tools the model may call.
func WithToolSpecs(specs []ToolSpec) OllamaOption {
	return func(a *OllamaAgent) { a.tools = specs }
}

// WithModelOptions passes model options such as temperature.
func WithModelOptions(opts map[string]any) OllamaOption {
	return func(a *OllamaAgent) { a.options = opts }
}

// WithOllamaLogger sets the logger.
func WithOllamaLogger(l *slog.Logger) OllamaOption {
	return func(a *OllamaAgent) {
		if l != nil {
			a.logger = l
		}
	}
}

// NewOllamaClient returns a client for host, or for OLLAMA_HOST when host
// is empty.
func NewOllamaClient(host string) (*api.Client, error) {
	if host == "" {
		return api.ClientFromEnvironment()
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parsing ollama host: %w", err)
	}
	return api.NewClient(u, http.DefaultClient), nil
}

// NewOllamaAgent creates an agent using model on client.
func NewOllamaAgent(client *api.Client, model string, opts ...OllamaOption) *OllamaAgent {
	return newOllamaAgent(client, model, opts...)
}

func newOllamaAgent(client chatter, model string, opts ...OllamaOption) *OllamaAgent {
	if model == "" {
		model = DefaultOllamaModel
	}
	a := &OllamaAgent{
		client: client,
		model:  model,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "ollama-agent", "model", model)
	return a
}

// Plan asks the model for a plan.
func (a *OllamaAgent) Plan(ctx context.Context, prompt string) (PlanDraft, error) {
	reply, err := a.chat(ctx, []api.Message{
		{Role: "system", Content: planPrompt},
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return PlanDraft{}, err
	}

	var draft PlanDraft
	if err := decodeReply(reply, &draft); err != nil {
		return PlanDraft{}, err
	}
	if strings.TrimSpace(draft.Content) == "" {
		return PlanDraft{}, fmt.Errorf("%w: empty plan content", ErrMalformedReply)
	}
	return draft, nil
}

// Next asks the model for the next step given the history.
func (a *OllamaAgent) Next(ctx context.Context, history []Entry) (Step, error) {
	msgs := make([]api.Message, 0, len(history)+1)
	msgs = append(msgs, api.Message{Role: "system", Content: a.systemPrompt()})
	for _, e := range history {
		msgs = append(msgs, toMessage(e))
	}

	reply, err := a.chat(ctx, msgs)
	if err != nil {
		return Step{}, err
	}

	var step Step
	if err := decodeReply(reply, &step); err != nil {
		return Step{}, err
	}
	if !step.Finished && len(step.ToolCalls) == 0 {
		return Step{}, fmt.Errorf("%w: step neither finished nor requested tools", ErrMalformedReply)
	}
	return step, nil
}

func (a *OllamaAgent) systemPrompt() string {
	if len(a.tools) == 0 {
		return stepPrompt
	}
	specs, err := json.Marshal(a.tools)
	if err != nil {
		a.logger.Warn("encoding tool specs", "error", err)
		return stepPrompt
	}
	return stepPrompt + "\nAvailable tools:\n" + string(specs)
}

func (a *OllamaAgent) chat(ctx context.Context, msgs []api.Message) (string, error) {
	stream := false
	req := &api.ChatRequest{
		Model:    a.model,
		Messages: msgs,
		Format:   json.RawMessage(`"json"`),
		Stream:   &stream,
		Options:  a.options,
	}

	var b strings.Builder
	err := a.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		b.WriteString(resp.Message.Content)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ollama chat: %w", err)
	}
	a.logger.Debug("model replied", "messages", len(msgs), "reply_bytes", b.Len())
	return b.String(), nil
}

func toMessage(e Entry) api.Message {
	switch e.Role {
	case RoleAssistant:
		return api.Message{Role: "assistant", Content: e.Content}
	case RoleTool:
		return api.Message{Role: "tool", Content: e.ToolName + ": " + e.Content}
	default:
		// Feedback is addressed to the model as if from the user.
		return api.Message{Role: "user", Content: e.Content}
	}
}

// decodeReply unmarshals the JSON object in reply, tolerating code fences.
func decodeReply(reply string, v any) error {
	s := strings.TrimSpace(reply)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return nil
}
