package gemini

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/vnmchuo/completion-gateway/internal/provider"
)

type GeminiProvider struct {
	apiKey  string
	baseURL string
}

type geminiRequest struct {
	Contents          []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent   `json:"systemInstruction,omitempty"`
	Tools             []geminiTool     `json:"tools,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string                  `json:"text,omitempty"`
	FunctionCall     *geminiFunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *geminiFunctionResponse `json:"functionResponse,omitempty"`
}

type geminiFunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFunctionResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFunctionDeclaration `json:"functionDeclarations"`
}

type geminiFunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type generationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
	CandidateCount  int      `json:"candidateCount,omitempty"`
}

type geminiResponse struct {
	ResponseID    string              `json:"responseId,omitempty"`
	ModelVersion  string              `json:"modelVersion,omitempty"`
	Candidates    []geminiCandidate   `json:"candidates"`
	UsageMetadata geminiUsageMetadata `json:"usageMetadata"`
}

type geminiCandidate struct {
	Index        int           `json:"index"`
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
}

func New(apiKey string) provider.Provider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: "https://generativelanguage.googleapis.com",
	}
}

func (p *GeminiProvider) Complete(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	geminiReq := p.mapRequest(req)
	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("gemini api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var geminiResp geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&geminiResp); err != nil {
		return nil, err
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini api returned no candidates")
	}

	choices := make([]provider.Choice, len(geminiResp.Candidates))
	for i, c := range geminiResp.Candidates {
		text, calls := splitParts(c.Content.Parts)
		choices[i] = provider.Choice{
			Index: c.Index,
			Message: provider.Message{
				Role:      provider.RoleAssistant,
				Content:   text,
				ToolCalls: calls,
			},
			FinishReason: mapFinishReason(c.FinishReason, len(calls) > 0),
		}
	}

	return &provider.Response{
		ID:      geminiResp.ResponseID,
		Model:   req.Model,
		Choices: choices,
		Usage: provider.Usage{
			PromptTokens:     geminiResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: geminiResp.UsageMetadata.CandidatesTokenCount,
		},
	}, nil
}

func (p *GeminiProvider) mapRequest(req *provider.Request) geminiRequest {
	// Gemini answers function calls by name, not id.
	callNames := make(map[string]string)
	var system []string
	var contents []geminiContent

	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem, provider.RoleDeveloper:
			system = append(system, m.Content)
		case provider.RoleAssistant:
			var parts []geminiPart
			if m.Content != "" {
				parts = append(parts, geminiPart{Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				callNames[tc.ID] = tc.Function.Name
				args := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(args) {
					args = nil
				}
				parts = append(parts, geminiPart{FunctionCall: &geminiFunctionCall{Name: tc.Function.Name, Args: args}})
			}
			if len(parts) == 0 {
				parts = []geminiPart{{Text: ""}}
			}
			contents = append(contents, geminiContent{Role: "model", Parts: parts})
		case provider.RoleTool:
			contents = append(contents, geminiContent{
				Role: "user",
				Parts: []geminiPart{{FunctionResponse: &geminiFunctionResponse{
					Name:     callNames[m.ToolCallID],
					Response: map[string]any{"content": m.Content},
				}}},
			})
		default:
			contents = append(contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: m.Content}},
			})
		}
	}

	out := geminiRequest{
		Contents: contents,
		GenerationConfig: generationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			StopSequences:   req.Stop,
		},
	}
	if req.N > 1 {
		out.GenerationConfig.CandidateCount = req.N
	}
	if len(system) > 0 {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: strings.Join(system, "\n\n")}}}
	}
	if len(req.Tools) > 0 {
		decls := make([]geminiFunctionDeclaration, len(req.Tools))
		for i, t := range req.Tools {
			decls[i] = geminiFunctionDeclaration{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			}
		}
		out.Tools = []geminiTool{{FunctionDeclarations: decls}}
	}
	return out
}

func (p *GeminiProvider) CompleteStream(ctx context.Context, req *provider.Request) (<-chan *provider.Chunk, error) {
	geminiReq := p.mapRequest(req)
	body, err := json.Marshal(geminiReq)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?key=%s&alt=sse", p.baseURL, req.Model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	ch := make(chan *provider.Chunk)

	go func() {
		defer close(ch)

		resp, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			provider.Send(ctx, ch, &provider.Chunk{Err: err})
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			provider.Send(ctx, ch, &provider.Chunk{Err: fmt.Errorf("gemini api error (status %d): %s", resp.StatusCode, string(respBody))})
			return
		}

		// usageMetadata is a running total on every event; emit increments.
		var seen geminiUsageMetadata
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
			if line == "" || !strings.HasPrefix(line, "data: ") {
				continue
			}

			data := strings.TrimPrefix(line, "data: ")
			var geminiResp geminiResponse
			if err := json.Unmarshal([]byte(data), &geminiResp); err != nil {
				provider.Send(ctx, ch, &provider.Chunk{Err: err})
				return
			}

			chunk := &provider.Chunk{ID: geminiResp.ResponseID, Model: req.Model}
			for _, c := range geminiResp.Candidates {
				text, calls := splitParts(c.Content.Parts)
				for i := range calls {
					idx := i
					calls[i].Index = &idx
				}
				chunk.Choices = append(chunk.Choices, provider.ChunkChoice{
					Index:        c.Index,
					Delta:        provider.Delta{Role: provider.RoleAssistant, Content: text, ToolCalls: calls},
					FinishReason: mapFinishReason(c.FinishReason, len(calls) > 0),
				})
			}

			cur := geminiResp.UsageMetadata
			if cur.PromptTokenCount > seen.PromptTokenCount || cur.CandidatesTokenCount > seen.CandidatesTokenCount {
				chunk.Usage = &provider.Usage{
					PromptTokens:     max(cur.PromptTokenCount-seen.PromptTokenCount, 0),
					CompletionTokens: max(cur.CandidatesTokenCount-seen.CandidatesTokenCount, 0),
				}
				seen.PromptTokenCount = max(seen.PromptTokenCount, cur.PromptTokenCount)
				seen.CandidatesTokenCount = max(seen.CandidatesTokenCount, cur.CandidatesTokenCount)
			}

			if !provider.Send(ctx, ch, chunk) {
				return
			}
		}
	}()

	return ch, nil
}

func (p *GeminiProvider) Name() string {
	return "gemini"
}

func splitParts(parts []geminiPart) (string, []provider.ToolCall) {
	var text strings.Builder
	var calls []provider.ToolCall
	for _, part := range parts {
		if part.FunctionCall != nil {
			args := string(part.FunctionCall.Args)
			if args == "" {
				args = "{}"
			}
			calls = append(calls, provider.ToolCall{
				ID:       "call_" + uuid.New().String(),
				Type:     "function",
				Function: provider.FunctionCall{Name: part.FunctionCall.Name, Arguments: args},
			})
			continue
		}
		text.WriteString(part.Text)
	}
	return text.String(), calls
}

func mapFinishReason(reason string, hasCalls bool) string {
	if reason == "" {
		return ""
	}
	if hasCalls {
		return "tool_calls"
	}
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}
