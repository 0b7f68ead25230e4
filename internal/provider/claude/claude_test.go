package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vnmchuo/completion-gateway/internal/provider"
)

func TestComplete_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("Expected x-api-key header, got %q", r.Header.Get("x-api-key"))
		}
		resp := claudeResponse{
			ID: "msg_123",
			Content: []claudeBlock{
				{Type: "text", Text: "Hello from Claude mock!"},
			},
			StopReason: "end_turn",
			Usage: claudeUsage{
				InputTokens:  10,
				OutputTokens: 20,
			},
			Model: "claude-sonnet-4-20250514",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &ClaudeProvider{
		apiKey:  "test-key",
		baseURL: server.URL,
	}

	req := &provider.Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if resp.Choices[0].Message.Content != "Hello from Claude mock!" {
		t.Errorf("Expected 'Hello from Claude mock!', got %s", resp.Choices[0].Message.Content)
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Errorf("Expected finish reason stop, got %s", resp.Choices[0].FinishReason)
	}
	if resp.Usage.PromptTokens != 10 {
		t.Errorf("Expected 10 input tokens, got %d", resp.Usage.PromptTokens)
	}
	if resp.Usage.CompletionTokens != 20 {
		t.Errorf("Expected 20 output tokens, got %d", resp.Usage.CompletionTokens)
	}
}

func TestCompleteStream_Mock(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		fmt.Fprintf(w, "event: message_start\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_start\",\"message\":{\"id\":\"msg_1\",\"model\":\"claude-sonnet-4\",\"usage\":{\"input_tokens\":12,\"output_tokens\":1}}}\n\n")

		fmt.Fprintf(w, "event: content_block_delta\n")
		data1, _ := json.Marshal(claudeStreamEvent{
			Type:  "content_block_delta",
			Delta: claudeDelta{Type: "text_delta", Text: "Hello"},
		})
		fmt.Fprintf(w, "data: %s\n\n", string(data1))

		fmt.Fprintf(w, "event: content_block_delta\n")
		data2, _ := json.Marshal(claudeStreamEvent{
			Type:  "content_block_delta",
			Delta: claudeDelta{Type: "text_delta", Text: " world!"},
		})
		fmt.Fprintf(w, "data: %s\n\n", string(data2))

		fmt.Fprintf(w, "event: message_delta\n")
		fmt.Fprintf(w, "data: {\"type\":\"message_delta\",\"delta\":{\"stop_reason\":\"end_turn\"},\"usage\":{\"output_tokens\":9}}\n\n")

		fmt.Fprintf(w, "event: message_stop\n")
		fmt.Fprintf(w, "data: {\"type\": \"message_stop\"}\n\n")
	}))
	defer server.Close()

	p := &ClaudeProvider{
		apiKey:  "test-key",
		baseURL: server.URL,
	}

	req := &provider.Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []provider.Message{
			{Role: "user", Content: "hi"},
		},
	}

	ch, err := p.CompleteStream(context.Background(), req)
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var content, finish string
	var done bool
	var usage provider.Usage
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Received error from chunk: %v", chunk.Err)
		}
		if chunk.Done {
			done = true
			continue
		}
		if chunk.Usage != nil {
			usage.PromptTokens += chunk.Usage.PromptTokens
			usage.CompletionTokens += chunk.Usage.CompletionTokens
		}
		for _, c := range chunk.Choices {
			content += c.Delta.Content
			if c.FinishReason != "" {
				finish = c.FinishReason
			}
		}
	}

	if !done {
		t.Error("Expected stream to be done")
	}
	if content != "Hello world!" {
		t.Errorf("Expected 'Hello world!', got %s", content)
	}
	if finish != "stop" {
		t.Errorf("Expected finish reason stop, got %q", finish)
	}
	if usage.PromptTokens != 12 || usage.CompletionTokens != 9 {
		t.Errorf("Expected usage 12/9, got %+v", usage)
	}
}

func TestCompleteStream_ToolUse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: content_block_start\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_start\",\"index\":1,\"content_block\":{\"type\":\"tool_use\",\"id\":\"toolu_1\",\"name\":\"weather\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"{\\\"city\\\":\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\n")
		fmt.Fprint(w, "data: {\"type\":\"content_block_delta\",\"index\":1,\"delta\":{\"type\":\"input_json_delta\",\"partial_json\":\"\\\"Oslo\\\"}\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\n")
		fmt.Fprint(w, "data: {\"type\":\"message_stop\"}\n\n")
	}))
	defer server.Close()

	p := &ClaudeProvider{apiKey: "k", baseURL: server.URL}
	ch, err := p.CompleteStream(context.Background(), &provider.Request{Model: "claude-sonnet-4", Messages: []provider.Message{{Role: "user", Content: "weather?"}}})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	var id, name, args string
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatalf("Received error from chunk: %v", chunk.Err)
		}
		for _, c := range chunk.Choices {
			for _, tc := range c.Delta.ToolCalls {
				if tc.Index == nil || *tc.Index != 0 {
					t.Errorf("Expected tool call ordinal 0, got %v", tc.Index)
				}
				if tc.ID != "" {
					id = tc.ID
				}
				name += tc.Function.Name
				args += tc.Function.Arguments
			}
		}
	}

	if id != "toolu_1" || name != "weather" || args != `{"city":"Oslo"}` {
		t.Errorf("Unexpected tool call reconstruction: id=%s name=%s args=%s", id, name, args)
	}
}

func TestCompleteStream_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"type":"error","error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer server.Close()

	p := &ClaudeProvider{apiKey: "k", baseURL: server.URL}
	ch, err := p.CompleteStream(context.Background(), &provider.Request{Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatalf("CompleteStream failed: %v", err)
	}

	chunk := <-ch
	if chunk == nil || chunk.Err == nil {
		t.Fatal("Expected an error chunk")
	}
}

func TestName(t *testing.T) {
	p := New("key")
	if p.Name() != "claude" {
		t.Errorf("Expected 'claude', got %s", p.Name())
	}
}

func TestSystemMessageExtraction(t *testing.T) {
	var capturedReq claudeRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &capturedReq)

		resp := claudeResponse{
			ID:      "msg_123",
			Content: []claudeBlock{{Type: "text", Text: "ok"}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p := &ClaudeProvider{
		apiKey:  "test-key",
		baseURL: server.URL,
	}

	req := &provider.Request{
		Model: "claude-sonnet-4-20250514",
		Messages: []provider.Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "hi"},
		},
	}

	_, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	if capturedReq.System != "You are a helpful assistant." {
		t.Errorf("Expected system message to be extracted, got %s", capturedReq.System)
	}
	if len(capturedReq.Messages) != 1 {
		t.Errorf("Expected 1 message after system extraction, got %d", len(capturedReq.Messages))
	}
	if capturedReq.Messages[0].Role != "user" {
		t.Errorf("Expected first message role to be 'user', got %s", capturedReq.Messages[0].Role)
	}
	if capturedReq.MaxTokens != defaultMaxTokens {
		t.Errorf("Expected default max tokens %d, got %d", defaultMaxTokens, capturedReq.MaxTokens)
	}
}

func TestMapRequest_MergesToolResults(t *testing.T) {
	p := &ClaudeProvider{}
	out := p.mapRequest(&provider.Request{
		Model: "claude-sonnet-4",
		Messages: []provider.Message{
			{Role: "user", Content: "two lookups"},
			{Role: "assistant", ToolCalls: []provider.ToolCall{
				{ID: "a", Function: provider.FunctionCall{Name: "f", Arguments: `{}`}},
				{ID: "b", Function: provider.FunctionCall{Name: "g", Arguments: `not json`}},
			}},
			{Role: "tool", ToolCallID: "a", Content: "1"},
			{Role: "tool", ToolCallID: "b", Content: "2"},
		},
		ToolChoice: json.RawMessage(`{"type":"function","function":{"name":"f"}}`),
	})

	if len(out.Messages) != 3 {
		t.Fatalf("Expected 3 alternating messages, got %d", len(out.Messages))
	}
	if len(out.Messages[2].Content) != 2 || out.Messages[2].Content[1].ToolUseID != "b" {
		t.Errorf("Expected both tool results merged into one user turn, got %+v", out.Messages[2].Content)
	}
	if string(out.Messages[1].Content[1].Input) != "{}" {
		t.Errorf("Expected invalid arguments to be replaced with {}, got %s", out.Messages[1].Content[1].Input)
	}
	if out.ToolChoice == nil || out.ToolChoice.Type != "tool" || out.ToolChoice.Name != "f" {
		t.Errorf("Expected named tool choice, got %+v", out.ToolChoice)
	}
}
