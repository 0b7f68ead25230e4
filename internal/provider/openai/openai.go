package openai

import (
	"context"
	"errors"
	"fmt"
	"io"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/vnmchuo/completion-gateway/internal/provider"
)

// OpenAIProvider talks to any OpenAI-compatible chat completions API. The
// same adapter serves openai, openrouter and together_ai with different base
// URLs.
type OpenAIProvider struct {
	name   string
	client *goopenai.Client
}

func New(name, apiKey, baseURL string) provider.Provider {
	cfg := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		name:   name,
		client: goopenai.NewClientWithConfig(cfg),
	}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	openAIReq := p.mapRequest(req)
	openAIReq.Stream = false

	resp, err := p.client.CreateChatCompletion(ctx, openAIReq)
	if err != nil {
		return nil, fmt.Errorf("%s api error: %w", p.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s api returned no choices", p.name)
	}

	choices := make([]provider.Choice, len(resp.Choices))
	for i, c := range resp.Choices {
		choices[i] = provider.Choice{
			Index:        c.Index,
			Message:      fromOpenAIMessage(c.Message),
			FinishReason: string(c.FinishReason),
		}
	}

	return &provider.Response{
		ID:      resp.ID,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: choices,
		Usage: provider.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

func (p *OpenAIProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	openAIReq := p.mapRequest(req)
	openAIReq.Stream = true
	openAIReq.StreamOptions = &goopenai.StreamOptions{IncludeUsage: true}

	stream, err := p.client.CreateChatCompletionStream(ctx, openAIReq)
	if err != nil {
		return nil, fmt.Errorf("%s api error: %w", p.name, err)
	}

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				provider.Send(ctx, ch, &provider.Chunk{Done: true})
				return
			}
			if err != nil {
				provider.Send(ctx, ch, &provider.Chunk{Err: fmt.Errorf("%s stream error: %w", p.name, err)})
				return
			}

			chunk := &provider.Chunk{
				ID:      resp.ID,
				Created: resp.Created,
				Model:   resp.Model,
				Choices: make([]provider.ChunkChoice, len(resp.Choices)),
			}
			for i, c := range resp.Choices {
				chunk.Choices[i] = provider.ChunkChoice{
					Index: c.Index,
					Delta: provider.Delta{
						Role:      c.Delta.Role,
						Content:   c.Delta.Content,
						ToolCalls: fromOpenAIToolCalls(c.Delta.ToolCalls),
					},
					FinishReason: string(c.FinishReason),
				}
			}
			// OpenAI reports usage once, on the final chunk, so it is
			// already an increment.
			if resp.Usage != nil {
				chunk.Usage = &provider.Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
				}
			}

			if !provider.Send(ctx, ch, chunk) {
				return
			}
		}
	}()

	return ch, nil
}

func (p *OpenAIProvider) Name() string {
	return p.name
}

func (p *OpenAIProvider) mapRequest(req *provider.Request) goopenai.ChatCompletionRequest {
	messages := make([]goopenai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = goopenai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			Name:       m.Name,
			ToolCalls:  toOpenAIToolCalls(m.ToolCalls),
			ToolCallID: m.ToolCallID,
		}
	}

	out := goopenai.ChatCompletionRequest{
		Model:     req.Model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Stop:      req.Stop,
		N:         req.N,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, goopenai.Tool{
			Type: goopenai.ToolType(t.Type),
			Function: &goopenai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	if len(req.ToolChoice) > 0 {
		out.ToolChoice = req.ToolChoice
	}
	return out
}

func toOpenAIToolCalls(calls []provider.ToolCall) []goopenai.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]goopenai.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = goopenai.ToolCall{
			Index: c.Index,
			ID:    c.ID,
			Type:  goopenai.ToolType(c.Type),
			Function: goopenai.FunctionCall{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		}
	}
	return out
}

func fromOpenAIToolCalls(calls []goopenai.ToolCall) []provider.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]provider.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = provider.ToolCall{
			Index: c.Index,
			ID:    c.ID,
			Type:  string(c.Type),
			Function: provider.FunctionCall{
				Name:      c.Function.Name,
				Arguments: c.Function.Arguments,
			},
		}
	}
	return out
}

func fromOpenAIMessage(m goopenai.ChatCompletionMessage) provider.Message {
	return provider.Message{
		Role:       m.Role,
		Content:    m.Content,
		Name:       m.Name,
		ToolCalls:  fromOpenAIToolCalls(m.ToolCalls),
		ToolCallID: m.ToolCallID,
	}
}
