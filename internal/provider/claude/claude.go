package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vnmchuo/completion-gateway/internal/provider"
)

const defaultMaxTokens = 4096

type ClaudeProvider struct {
	apiKey  string
	baseURL string
}

type claudeRequest struct {
	Model         string          `json:"model"`
	MaxTokens     int             `json:"max_tokens"`
	System        string          `json:"system,omitempty"`
	Messages      []claudeMessage `json:"messages"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Tools         []claudeTool    `json:"tools,omitempty"`
	ToolChoice    *claudeChoice   `json:"tool_choice,omitempty"`
}

type claudeMessage struct {
	Role    string        `json:"role"`
	Content []claudeBlock `json:"content"`
}

type claudeBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type claudeChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type claudeResponse struct {
	ID         string        `json:"id"`
	Content    []claudeBlock `json:"content"`
	Model      string        `json:"model"`
	StopReason string        `json:"stop_reason"`
	Usage      claudeUsage   `json:"usage"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeStreamEvent struct {
	Type         string          `json:"type"`
	Index        int             `json:"index"`
	Message      *claudeResponse `json:"message,omitempty"`
	ContentBlock *claudeBlock    `json:"content_block,omitempty"`
	Delta        claudeDelta     `json:"delta,omitempty"`
	Usage        *claudeUsage    `json:"usage,omitempty"`
	Error        *claudeError    `json:"error,omitempty"`
}

type claudeDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

type claudeError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func New(apiKey string) provider.Provider {
	return &ClaudeProvider{
		apiKey:  apiKey,
		baseURL: "https://api.anthropic.com/v1",
	}
}

func (p *ClaudeProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	claudeReq := p.mapRequest(req)
	claudeReq.Stream = false

	resp, err := p.do(ctx, claudeReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, err
	}

	if len(claudeResp.Content) == 0 {
		return nil, fmt.Errorf("claude api returned no content")
	}

	msg := provider.Message{Role: provider.RoleAssistant}
	var text strings.Builder
	for _, b := range claudeResp.Content {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, provider.ToolCall{
				ID:       b.ID,
				Type:     "function",
				Function: provider.FunctionCall{Name: b.Name, Arguments: string(b.Input)},
			})
		}
	}
	msg.Content = text.String()

	return &provider.Response{
		ID:    claudeResp.ID,
		Model: claudeResp.Model,
		Choices: []provider.Choice{{
			Message:      msg,
			FinishReason: mapStopReason(claudeResp.StopReason),
		}},
		Usage: provider.Usage{
			PromptTokens:     claudeResp.Usage.InputTokens,
			CompletionTokens: claudeResp.Usage.OutputTokens,
		},
	}, nil
}

func (p *ClaudeProvider) do(ctx context.Context, claudeReq claudeRequest) (*http.Response, error) {
	body, err := json.Marshal(claudeReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/messages", p.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("claude api error (status %d): %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

func (p *ClaudeProvider) mapRequest(req *provider.Request) claudeRequest {
	var system []string
	var messages []claudeMessage

	appendBlocks := func(role string, blocks ...claudeBlock) {
		// Anthropic requires alternating roles; merge consecutive turns.
		if n := len(messages); n > 0 && messages[n-1].Role == role {
			messages[n-1].Content = append(messages[n-1].Content, blocks...)
			return
		}
		messages = append(messages, claudeMessage{Role: role, Content: blocks})
	}

	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem, provider.RoleDeveloper:
			system = append(system, m.Content)
		case provider.RoleAssistant:
			var blocks []claudeBlock
			if m.Content != "" {
				blocks = append(blocks, claudeBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, claudeBlock{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input})
			}
			if len(blocks) == 0 {
				blocks = []claudeBlock{{Type: "text", Text: ""}}
			}
			appendBlocks("assistant", blocks...)
		case provider.RoleTool:
			appendBlocks("user", claudeBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content})
		default:
			appendBlocks("user", claudeBlock{Type: "text", Text: m.Content})
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	out := claudeRequest{
		Model:         req.Model,
		MaxTokens:     maxTokens,
		System:        strings.Join(system, "\n\n"),
		Messages:      messages,
		Stream:        req.Stream,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	for _, t := range req.Tools {
		schema := t.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		out.Tools = append(out.Tools, claudeTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: schema,
		})
	}
	out.ToolChoice = mapToolChoice(req.ToolChoice)
	return out
}

func (p *ClaudeProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	claudeReq := p.mapRequest(req)
	claudeReq.Stream = true

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := p.do(ctx, claudeReq)
		if err != nil {
			provider.Send(ctx, ch, &provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		var (
			currentEvent string
			messageID    string
			model        = req.Model
			seenOutput   int
			toolOrdinal  = map[int]int{}
		)

		emit := func(c *provider.Chunk) bool {
			c.ID = messageID
			c.Model = model
			return provider.Send(ctx, ch, c)
		}

		reader := bufio.NewReader(resp.Body)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err == io.EOF {
					provider.Send(ctx, ch, &provider.Chunk{Done: true})
					return
				}
				provider.Send(ctx, ch, &provider.Chunk{Err: err})
				return
			}

			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}

			if strings.HasPrefix(line, "event: ") {
				currentEvent = strings.TrimPrefix(line, "event: ")
				continue
			}

			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")

			var ev claudeStreamEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}

			switch currentEvent {
			case "message_start":
				if ev.Message == nil {
					continue
				}
				messageID = ev.Message.ID
				if ev.Message.Model != "" {
					model = ev.Message.Model
				}
				seenOutput = ev.Message.Usage.OutputTokens
				if !emit(&provider.Chunk{
					Choices: []provider.ChunkChoice{{Delta: provider.Delta{Role: provider.RoleAssistant}}},
					Usage: &provider.Usage{
						PromptTokens:     ev.Message.Usage.InputTokens,
						CompletionTokens: ev.Message.Usage.OutputTokens,
					},
				}) {
					return
				}
			case "content_block_start":
				if ev.ContentBlock == nil || ev.ContentBlock.Type != "tool_use" {
					continue
				}
				ordinal := len(toolOrdinal)
				toolOrdinal[ev.Index] = ordinal
				if !emit(&provider.Chunk{Choices: []provider.ChunkChoice{{Delta: provider.Delta{
					ToolCalls: []provider.ToolCall{{
						Index:    &ordinal,
						ID:       ev.ContentBlock.ID,
						Type:     "function",
						Function: provider.FunctionCall{Name: ev.ContentBlock.Name},
					}},
				}}}}) {
					return
				}
			case "content_block_delta":
				var delta provider.Delta
				switch ev.Delta.Type {
				case "text_delta":
					if ev.Delta.Text == "" {
						continue
					}
					delta.Content = ev.Delta.Text
				case "input_json_delta":
					ordinal, ok := toolOrdinal[ev.Index]
					if !ok || ev.Delta.PartialJSON == "" {
						continue
					}
					delta.ToolCalls = []provider.ToolCall{{
						Index:    &ordinal,
						Function: provider.FunctionCall{Arguments: ev.Delta.PartialJSON},
					}}
				default:
					continue
				}
				if !emit(&provider.Chunk{Choices: []provider.ChunkChoice{{Delta: delta}}}) {
					return
				}
			case "message_delta":
				c := &provider.Chunk{Choices: []provider.ChunkChoice{{FinishReason: mapStopReason(ev.Delta.StopReason)}}}
				// output_tokens here is a running total.
				if ev.Usage != nil && ev.Usage.OutputTokens > seenOutput {
					c.Usage = &provider.Usage{CompletionTokens: ev.Usage.OutputTokens - seenOutput}
					seenOutput = ev.Usage.OutputTokens
				}
				if !emit(c) {
					return
				}
			case "message_stop":
				provider.Send(ctx, ch, &provider.Chunk{Done: true})
				return
			case "error":
				if ev.Error != nil {
					provider.Send(ctx, ch, &provider.Chunk{Err: fmt.Errorf("claude stream error: %s", ev.Error.Message)})
					return
				}
			}
		}
	}()

	return ch, nil
}

func (p *ClaudeProvider) Name() string {
	return "claude"
}

func mapStopReason(reason string) string {
	switch reason {
	case "":
		return ""
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func mapToolChoice(raw json.RawMessage) *claudeChoice {
	if len(raw) == 0 {
		return nil
	}
	var mode string
	if err := json.Unmarshal(raw, &mode); err == nil {
		switch mode {
		case "auto":
			return &claudeChoice{Type: "auto"}
		case "required":
			return &claudeChoice{Type: "any"}
		case "none":
			return &claudeChoice{Type: "none"}
		}
		return nil
	}
	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return &claudeChoice{Type: "tool", Name: named.Function.Name}
	}
	return nil
}
