package provider

import (
	"context"
	"encoding/json"
)

const (
	RoleSystem    = "system"
	RoleDeveloper = "developer"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Request struct {
	Model       string // upstream model id, provider prefix already stripped
	Messages    []Message
	MaxTokens   int
	Temperature *float64
	TopP        *float64
	Stop        []string
	Tools       []Tool
	ToolChoice  json.RawMessage
	N           int
	Stream      bool
}

type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type ToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type Tool struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

type FunctionDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Usage counts tokens. On a Chunk it is the increment contributed by that
// chunk, never a running total; adapters convert cumulative upstream
// counters before emitting.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type Response struct {
	ID      string
	Created int64
	Model   string
	Choices []Choice
	Usage   Usage
}

type Choice struct {
	Index        int
	Message      Message
	FinishReason string
}

type Chunk struct {
	ID      string
	Created int64
	Model   string
	Choices []ChunkChoice
	Usage   *Usage
	Done    bool
	Err     error
}

type ChunkChoice struct {
	Index        int
	Delta        Delta
	FinishReason string
}

type Delta struct {
	Role      string
	Content   string
	ToolCalls []ToolCall
}

type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
}

// Send delivers c on ch unless ctx is done first.
func Send(ctx context.Context, ch chan<- *Chunk, c *Chunk) bool {
	select {
	case ch <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
