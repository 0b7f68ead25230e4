package proxy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vnmchuo/completion-gateway/internal/provider"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Router dispatches requests to upstream providers by the prefix of a
// model's resolve-as id, e.g. "openrouter/google/gemini-2.5-pro". Each
// provider sits behind its own circuit breaker.
type Router struct {
	providers map[string]provider.Provider
	breakers  map[string]*gobreaker.CircuitBreaker
}

func NewRouter(providers map[string]provider.Provider) *Router {
	breakers := make(map[string]*gobreaker.CircuitBreaker)
	for prefix := range providers {
		settings := gobreaker.Settings{
			Name:        prefix,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}
		breakers[prefix] = gobreaker.NewCircuitBreaker(settings)
	}
	return &Router{
		providers: providers,
		breakers:  breakers,
	}
}

// SplitResolveAs splits at the first "/" into provider prefix and upstream
// model id.
func SplitResolveAs(resolveAs string) (prefix, model string) {
	prefix, model, ok := strings.Cut(resolveAs, "/")
	if !ok {
		return "", resolveAs
	}
	return prefix, model
}

func (r *Router) lookup(resolveAs string, req *provider.Request) (provider.Provider, *gobreaker.CircuitBreaker, *provider.Request, error) {
	prefix, model := SplitResolveAs(resolveAs)
	p, ok := r.providers[prefix]
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: %q", ErrUnknownProvider, prefix)
	}
	upstream := *req
	upstream.Model = model
	return p, r.breakers[prefix], &upstream, nil
}

func (r *Router) Invoke(ctx context.Context, resolveAs string, req *provider.Request) (*provider.Response, error) {
	p, cb, upstream, err := r.lookup(resolveAs, req)
	if err != nil {
		return nil, err
	}
	upstream.Stream = false

	result, err := cb.Execute(func() (interface{}, error) {
		return p.Complete(ctx, upstream)
	})
	if err != nil {
		return nil, err
	}
	return result.(*provider.Response), nil
}

func (r *Router) InvokeStream(ctx context.Context, resolveAs string, req *provider.Request) (<-chan *provider.Chunk, error) {
	p, cb, upstream, err := r.lookup(resolveAs, req)
	if err != nil {
		return nil, err
	}
	upstream.Stream = true

	if cb.State() == gobreaker.StateOpen {
		return nil, fmt.Errorf("circuit breaker is open for provider: %s", cb.Name())
	}

	origCh, err := p.CompleteStream(ctx, upstream)
	if err != nil {
		_, _ = cb.Execute(func() (interface{}, error) {
			return nil, err
		})
		return nil, err
	}

	wrappedCh := make(chan *provider.Chunk)
	go func() {
		defer close(wrappedCh)
		for chunk := range origCh {
			if chunk.Err != nil {
				_, _ = cb.Execute(func() (interface{}, error) {
					return nil, chunk.Err
				})
			}
			select {
			case wrappedCh <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	return wrappedCh, nil
}
