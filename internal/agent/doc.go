// Package agent defines the collaborators a task run drives: the LLM agent
// that plans and chooses steps, and the tool executor that carries steps out.
//
// # Interfaces
//
//	type Agent interface {
//	    Plan(ctx, prompt) (PlanDraft, error)
//	    Next(ctx, history []Entry) (Step, error)
//	}
//
//	type Tools interface {
//	    Execute(ctx, ToolCall) (string, error)
//	}
//
// The run loop owns the history. Each iteration it calls Next with every
// entry so far; a Step either finishes with text or asks for tool calls,
// whose results the loop appends before calling Next again.
//
// # Implementations
//
// OllamaAgent talks to an Ollama server through its chat API and asks the
// model to reply in JSON. MCPTools executes tool calls against an MCP server
// reached over a subprocess (stdio) or streamable HTTP.
//
// Both are opaque to the orchestration layer: prompts, tool semantics and
// backends are their concern.
package agent
