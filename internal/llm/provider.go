package llm

import (
	"context"
	"encoding/json"
)

type ToolCall struct {
	Name string
	Args json.RawMessage
	ID   string
}

type Message struct {
	Role    string // "system" | "user" | "assistant" | "tool"
	Content string
	ToolID  string
	// ToolCalls are only set on assistant messages.
	ToolCalls []ToolCall
	// Usage is set on assistant messages returned by Chat, when the backend
	// reports it; zero-value for request messages and backends (e.g.
	// self-hosted without a tokenizer endpoint) that don't report usage.
	Usage Usage
}

// Usage is the token accounting for one Chat call, used to derive real
// per-call cost for the Budget Governor's overage check (spec 4.6).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

type ToolSchema struct {
	Name        string
	Description string
	Parameters  map[string]any
}

type StreamHandler interface {
	OnDelta(content string)
	OnToolCall(tc ToolCall)
}

type Provider interface {
	Chat(ctx context.Context, msgs []Message, tools []ToolSchema, model string) (Message, error)
	ChatStream(ctx context.Context, msgs []Message, tools []ToolSchema, model string, h StreamHandler) error
}
