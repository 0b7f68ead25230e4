package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vnmchuo/completion-gateway/internal/auth"
	"github.com/vnmchuo/completion-gateway/internal/registry"
	"github.com/vnmchuo/completion-gateway/internal/tokenizer"
	"github.com/vnmchuo/completion-gateway/internal/usage"
	"github.com/vnmchuo/completion-gateway/pkg/ratelimit"
)

type ModelLister interface {
	Models() []registry.Model
}

type UsageReader interface {
	UserStats(ctx context.Context) ([]*usage.UserStats, error)
	StatsForUser(ctx context.Context, userID int64) (*usage.UserStats, error)
}

type Handler struct {
	proxy   *CompletionProxy
	models  []modelJSON
	usage   UsageReader
	limiter *ratelimit.Limiter
	tracer  trace.Tracer
}

type modelJSON struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// NewHandler snapshots the servable model list; it never changes after
// startup.
func NewHandler(proxy *CompletionProxy, models ModelLister, usage UsageReader, limiter *ratelimit.Limiter, tracer trace.Tracer) *Handler {
	created := time.Now().Unix()
	var list []modelJSON
	for _, m := range models.Models() {
		list = append(list, modelJSON{ID: m.Name, Object: "model", Created: created, OwnedBy: "system"})
		for _, alias := range m.KnownAs {
			list = append(list, modelJSON{ID: alias, Object: "model", Created: created, OwnedBy: "system"})
		}
	}
	return &Handler{
		proxy:   proxy,
		models:  list,
		usage:   usage,
		limiter: limiter,
		tracer:  tracer,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrUnsupportedBackend),
		errors.Is(err, tokenizer.ErrTokenizerNotFound):
		return http.StatusBadRequest
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := auth.GetIdentity(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var body ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx, span := h.tracer.Start(ctx, "proxy.request")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("user_id", id.UserID),
		attribute.String("request_id", auth.GetRequestID(ctx)),
		attribute.String("model", body.Model),
		attribute.Bool("stream", body.Stream),
	)

	estimatedTokens := body.requestedMaxTokens()
	if estimatedTokens <= 0 {
		estimatedTokens = 1000
	}

	allowed, err := h.limiter.Allow(ctx, id.UserID, estimatedTokens)
	if err != nil || !allowed {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Retry-After", "60s")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{
			"error":       "rate limit exceeded",
			"retry_after": "60s",
		})
		return
	}

	call, err := h.proxy.Prepare(ctx, Caller{UserID: id.UserID, APIKey: id.APIKey}, &body)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusTooManyRequests {
			w.Header().Set("Retry-After", "60s")
		}
		log.WithFields(log.Fields{"request_id": auth.GetRequestID(ctx), "model": body.Model}).WithError(err).Warn("request rejected")
		writeError(w, status, err.Error())
		return
	}

	if body.Stream {
		h.stream(w, r.WithContext(ctx), call)
		return
	}

	resp, err := h.proxy.Complete(ctx, call)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, completionEnvelope(call, resp))
}

type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *sseWriter) WriteFrame(data []byte) error {
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, call *Call) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	_ = h.proxy.Stream(r.Context(), call, &sseWriter{w: w, flusher: flusher})
}

func (h *Handler) HandleModels(w http.ResponseWriter, r *http.Request) {
	data := h.models
	if data == nil {
		data = []modelJSON{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (h *Handler) HandleModel(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "model")
	for _, m := range h.models {
		if m.ID == name {
			writeJSON(w, http.StatusOK, m)
			return
		}
	}
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error": map[string]string{
			"message": "Model not found",
			"type":    "invalid_request_error",
			"code":    "model_not_found",
		},
	})
}

func (h *Handler) HandleUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := auth.GetIdentity(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	stats, err := h.usage.StatsForUser(ctx, id.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	resp := usageResponse{UserStats: stats}
	if status, err := h.limiter.Status(ctx, id.UserID); err != nil {
		log.WithFields(log.Fields{"user_id": id.UserID}).WithError(err).Warn("rate limit status unavailable")
	} else {
		resp.RateLimit = &rateLimitJSON{
			Limit:             status.Limit,
			Remaining:         status.Remaining,
			ResetAfterSeconds: int64(status.ResetAfter.Seconds()),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type rateLimitJSON struct {
	Limit             int   `json:"limit"`
	Remaining         int64 `json:"remaining"`
	ResetAfterSeconds int64 `json:"reset_after_seconds"`
}

// usageResponse is the caller's aggregate plus their tokens-per-minute window.
type usageResponse struct {
	*usage.UserStats
	RateLimit *rateLimitJSON `json:"rate_limit,omitempty"`
}

func (h *Handler) HandleUsersUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := auth.GetIdentity(ctx)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if id.Scope != auth.ScopeAdmin {
		writeError(w, http.StatusForbidden, "forbidden")
		return
	}

	stats, err := h.usage.UserStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stats == nil {
		stats = []*usage.UserStats{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   stats,
	})
}
