package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/completion-gateway/internal/conversation"
	"github.com/vnmchuo/completion-gateway/internal/provider"
	"github.com/vnmchuo/completion-gateway/internal/registry"
	"github.com/vnmchuo/completion-gateway/internal/tokenizer"
	"github.com/vnmchuo/completion-gateway/internal/usage"
)

var (
	ErrUnsupportedBackend = errors.New("unsupported backend")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrInvalidRequest     = errors.New("invalid request")
)

// ChatRequest is the body of POST /v1/chat/completions.
type ChatRequest struct {
	Model               string             `json:"model"`
	Messages            []provider.Message `json:"messages"`
	MaxTokens           *int               `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int               `json:"max_completion_tokens,omitempty"`
	Temperature         *float64           `json:"temperature,omitempty"`
	TopP                *float64           `json:"top_p,omitempty"`
	N                   *int               `json:"n,omitempty"`
	Stop                StopList           `json:"stop,omitempty"`
	Tools               []provider.Tool    `json:"tools,omitempty"`
	ToolChoice          json.RawMessage    `json:"tool_choice,omitempty"`
	Stream              bool               `json:"stream"`
}

// StopList accepts either a single string or an array of strings.
type StopList []string

func (s *StopList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		if one != "" {
			*s = StopList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings: %w", err)
	}
	*s = many
	return nil
}

func (c *ChatRequest) validate() error {
	if c.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(c.Messages) == 0 {
		return fmt.Errorf("%w: messages must not be empty", ErrInvalidRequest)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("%w: temperature must be between 0 and 2", ErrInvalidRequest)
	}
	if c.TopP != nil && (*c.TopP < 0 || *c.TopP > 1) {
		return fmt.Errorf("%w: top_p must be between 0 and 1", ErrInvalidRequest)
	}
	if c.N != nil && *c.N < 1 {
		return fmt.Errorf("%w: n must be at least 1", ErrInvalidRequest)
	}
	return nil
}

func (c *ChatRequest) requestedMaxTokens() int {
	if c.MaxTokens != nil && *c.MaxTokens > 0 {
		return *c.MaxTokens
	}
	if c.MaxCompletionTokens != nil && *c.MaxCompletionTokens > 0 {
		return *c.MaxCompletionTokens
	}
	return 0
}

// Caller identifies who is metered for a request.
type Caller struct {
	UserID int64
	APIKey string
}

type ModelResolver interface {
	Resolve(name string) (registry.Model, error)
}

type Invoker interface {
	Invoke(ctx context.Context, resolveAs string, req *provider.Request) (*provider.Response, error)
	InvokeStream(ctx context.Context, resolveAs string, req *provider.Request) (<-chan *provider.Chunk, error)
}

type Recorder interface {
	Push(r *usage.Record)
}

// ModelGuard enforces a model's tokens-per-minute allowance.
type ModelGuard interface {
	Allow(ctx context.Context, model string, tpm, tokens int) (bool, error)
}

// Call is one prepared completion. It owns the usage record until the
// record is handed to the stats queue, which happens exactly once.
type Call struct {
	ID      string
	Model   registry.Model
	Request *provider.Request
	Record  *usage.Record

	once sync.Once
}

func (c *Call) pricing() usage.Pricing {
	return usage.Pricing{In: c.Model.DollarsInput, Out: c.Model.DollarsOutput}
}

type CompletionProxy struct {
	models  ModelResolver
	invoker Invoker
	stats   Recorder
	guard   ModelGuard
	tracer  trace.Tracer
}

// NewCompletionProxy wires the pipeline. guard may be nil.
func NewCompletionProxy(models ModelResolver, invoker Invoker, stats Recorder, guard ModelGuard, tracer trace.Tracer) *CompletionProxy {
	return &CompletionProxy{
		models:  models,
		invoker: invoker,
		stats:   stats,
		guard:   guard,
		tracer:  tracer,
	}
}

// Prepare resolves the model and shapes the conversation. Nothing is
// metered for a request that fails here.
func (p *CompletionProxy) Prepare(ctx context.Context, caller Caller, body *ChatRequest) (*Call, error) {
	if err := body.validate(); err != nil {
		return nil, err
	}

	model, err := p.models.Resolve(body.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, body.Model)
	}
	if model.Backend != registry.BackendNative {
		return nil, fmt.Errorf("%w: %q for model %s", ErrUnsupportedBackend, model.Backend, model.Name)
	}

	counter, err := tokenizer.Resolve(model.Tokenizer)
	if err != nil {
		return nil, err
	}

	messages := conversation.Shape(body.Messages, counter, model.ContextBudget())

	maxTokens := body.requestedMaxTokens()
	if limit := model.OutputCap(); limit > 0 && (maxTokens == 0 || maxTokens > limit) {
		maxTokens = limit
	}

	if p.guard != nil && model.TokensPerMinute > 0 {
		estimate := maxTokens
		for _, m := range messages {
			estimate += counter.CountTokens(m.Content)
		}
		allowed, err := p.guard.Allow(ctx, model.Name, model.TokensPerMinute, estimate)
		if err != nil {
			log.WithFields(log.Fields{"model": model.Name}).WithError(err).Warn("model rate limiter unavailable, allowing request")
		} else if !allowed {
			return nil, fmt.Errorf("%w for model %s", ErrRateLimited, model.Name)
		}
	}

	req := &provider.Request{
		Model:       model.ResolveAs,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: body.Temperature,
		TopP:        body.TopP,
		Stop:        body.Stop,
		Tools:       body.Tools,
		ToolChoice:  body.ToolChoice,
		Stream:      body.Stream,
	}
	if body.N != nil {
		req.N = *body.N
	}

	log.WithFields(log.Fields{
		"model":      model.Name,
		"resolve_as": model.ResolveAs,
		"messages":   len(messages),
		"dropped":    len(body.Messages) - len(messages),
		"max_tokens": maxTokens,
	}).Info("model resolved")

	return &Call{
		ID:      "chatcmpl-" + uuid.New().String(),
		Model:   model,
		Request: req,
		Record:  usage.NewRecord(caller.UserID, caller.APIKey, model.ResolveAs, len(messages)),
	}, nil
}

// finish hands the record to the stats queue. Later calls are no-ops.
func (p *CompletionProxy) finish(call *Call) {
	call.once.Do(func() {
		p.stats.Push(call.Record)
	})
}

// Complete performs a buffered invocation. The usage record is enqueued
// whether or not the upstream call succeeds.
func (p *CompletionProxy) Complete(ctx context.Context, call *Call) (*provider.Response, error) {
	ctx, span := p.tracer.Start(ctx, "proxy.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", call.Model.Name),
		attribute.String("resolve_as", call.Model.ResolveAs),
	)
	defer p.finish(call)

	resp, err := p.invoker.Invoke(ctx, call.Model.ResolveAs, call.Request)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream failed")
		log.WithFields(log.Fields{"model": call.Model.Name, "event": "upstream_error"}).WithError(err).Error("completion failed")
		return nil, err
	}

	call.Record.AddTokens(resp.Usage.PromptTokens, resp.Usage.CompletionTokens, call.pricing())
	if len(resp.Choices) > 0 {
		call.Record.SetFinishReason(resp.Choices[0].FinishReason)
	}
	span.SetAttributes(
		attribute.Int("tokens_in", call.Record.TokensIn),
		attribute.Int("tokens_out", call.Record.TokensOut),
	)
	return resp, nil
}

// FrameWriter receives encoded stream frames in order.
type FrameWriter interface {
	WriteFrame(data []byte) error
}

// Stream forwards upstream chunks to out until the upstream finishes, fails
// or ctx is cancelled. Usage increments are accumulated as they arrive and
// the record is enqueued exactly once on every exit path. An upstream
// failure is reported to the caller as one final error frame; a successful
// stream ends with a [DONE] frame.
func (p *CompletionProxy) Stream(ctx context.Context, call *Call, out FrameWriter) error {
	ctx, span := p.tracer.Start(ctx, "proxy.stream")
	defer span.End()
	span.SetAttributes(
		attribute.String("model", call.Model.Name),
		attribute.String("resolve_as", call.Model.ResolveAs),
	)
	defer p.finish(call)

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, "stream failed")
		log.WithFields(log.Fields{"model": call.Model.Name, "event": "upstream_error"}).WithError(err).Error("stream failed")
		_ = out.WriteFrame(ErrorBody(err))
		return err
	}

	chunks, err := p.invoker.InvokeStream(ctx, call.Model.ResolveAs, call.Request)
	if err != nil {
		return fail(err)
	}

	for {
		var chunk *provider.Chunk
		var ok bool
		select {
		case <-ctx.Done():
			log.WithFields(log.Fields{"model": call.Model.Name, "event": "client_gone"}).Info("stream cancelled")
			return ctx.Err()
		case chunk, ok = <-chunks:
		}

		if !ok && ctx.Err() != nil {
			// upstream closed because the caller went away
			return ctx.Err()
		}
		if !ok || chunk.Done {
			span.SetAttributes(
				attribute.Int("tokens_in", call.Record.TokensIn),
				attribute.Int("tokens_out", call.Record.TokensOut),
			)
			return out.WriteFrame([]byte("[DONE]"))
		}
		if chunk.Err != nil {
			return fail(chunk.Err)
		}

		if chunk.Usage != nil {
			call.Record.AddTokens(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens, call.pricing())
		}
		for _, c := range chunk.Choices {
			call.Record.SetFinishReason(c.FinishReason)
		}

		frame, err := json.Marshal(chunkEnvelope(call, chunk))
		if err != nil {
			return fail(err)
		}
		if err := out.WriteFrame(frame); err != nil {
			return err
		}
	}
}

// ErrorBody is the inline failure payload.
func ErrorBody(err error) []byte {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return b
}

type usageJSON struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chunkJSON struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []chunkChoiceJSON `json:"choices"`
	Usage   *usageJSON        `json:"usage,omitempty"`
}

type chunkChoiceJSON struct {
	Index        int       `json:"index"`
	Delta        deltaJSON `json:"delta"`
	FinishReason *string   `json:"finish_reason"`
}

type deltaJSON struct {
	Role      string              `json:"role,omitempty"`
	Content   string              `json:"content,omitempty"`
	ToolCalls []provider.ToolCall `json:"tool_calls,omitempty"`
}

// chunkEnvelope re-encodes an upstream chunk. Usage, when the chunk carries
// any, is reported as the running total so far.
func chunkEnvelope(call *Call, c *provider.Chunk) chunkJSON {
	env := chunkJSON{
		ID:      call.ID,
		Object:  "chat.completion.chunk",
		Created: c.Created,
		Model:   call.Model.Name,
		Choices: make([]chunkChoiceJSON, 0, len(c.Choices)),
	}
	if env.Created == 0 {
		env.Created = time.Now().Unix()
	}
	for _, ch := range c.Choices {
		cj := chunkChoiceJSON{
			Index: ch.Index,
			Delta: deltaJSON{Role: ch.Delta.Role, Content: ch.Delta.Content, ToolCalls: ch.Delta.ToolCalls},
		}
		if ch.FinishReason != "" {
			reason := ch.FinishReason
			cj.FinishReason = &reason
		}
		env.Choices = append(env.Choices, cj)
	}
	if c.Usage != nil {
		env.Usage = &usageJSON{
			PromptTokens:     call.Record.TokensIn,
			CompletionTokens: call.Record.TokensOut,
			TotalTokens:      call.Record.TokensIn + call.Record.TokensOut,
		}
	}
	return env
}

type completionJSON struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []choiceJSON `json:"choices"`
	Usage   usageJSON    `json:"usage"`
}

type choiceJSON struct {
	Index        int              `json:"index"`
	Message      provider.Message `json:"message"`
	FinishReason *string          `json:"finish_reason"`
}

func completionEnvelope(call *Call, resp *provider.Response) completionJSON {
	env := completionJSON{
		ID:      call.ID,
		Object:  "chat.completion",
		Created: resp.Created,
		Model:   call.Model.Name,
		Choices: make([]choiceJSON, 0, len(resp.Choices)),
		Usage: usageJSON{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.PromptTokens + resp.Usage.CompletionTokens,
		},
	}
	if env.Created == 0 {
		env.Created = time.Now().Unix()
	}
	for _, ch := range resp.Choices {
		cj := choiceJSON{Index: ch.Index, Message: ch.Message}
		if cj.Message.Role == "" {
			cj.Message.Role = provider.RoleAssistant
		}
		if ch.FinishReason != "" {
			reason := ch.FinishReason
			cj.FinishReason = &reason
		}
		env.Choices = append(env.Choices, cj)
	}
	return env
}
