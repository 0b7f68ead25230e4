// Package registry builds the immutable set of servable models from static
// model and provider descriptions and resolves logical model names against
// it.
package registry

import (
	"errors"
	"math"

	log "github.com/sirupsen/logrus"
)

var ErrModelNotFound = errors.New("model not found")

// BackendNative is the only invocation backend: requests go through the
// in-process provider router.
const BackendNative = "native"

type Provider struct {
	Name     string
	EnvVar   string // credential gating availability; empty means always available
	Priority *int
}

type Model struct {
	Name      string
	KnownAs   []string
	Provider  string
	Backend   string
	ResolveAs string
	Tokenizer string

	ContextWindow            int
	EffectiveContextWindow   int // 0 when unset
	MaxOutputTokens          int
	EffectiveMaxOutputTokens int // 0 when unset

	DollarsInput  float64 // per million tokens
	DollarsOutput float64

	TokensPerMinute   int // advisory
	RequestsPerMinute int // advisory

	Hidden   bool
	Priority int
}

// ContextBudget is the token budget conversations are trimmed to.
func (m Model) ContextBudget() int {
	if m.EffectiveContextWindow > 0 {
		return m.EffectiveContextWindow
	}
	return m.ContextWindow
}

// OutputCap is the largest max_tokens value forwarded upstream.
func (m Model) OutputCap() int {
	if m.EffectiveMaxOutputTokens > 0 {
		return m.EffectiveMaxOutputTokens
	}
	return m.MaxOutputTokens
}

// EnvLookup reports whether a credential variable is available.
type EnvLookup func(key string) (string, bool)

// BuildServable filters models down to the servable set: hidden models,
// models of unknown providers and models of providers whose credential is
// missing are skipped. When several providers offer the same name, the one
// with the highest priority wins; equal priorities go to the provider whose
// name sorts first. Output order follows first appearance of each name.
func BuildServable(models []Model, providers []Provider, lookup EnvLookup) []Model {
	byName := make(map[string]Provider, len(providers))
	for _, p := range providers {
		byName[p.Name] = p
	}

	var order []string
	winners := make(map[string]Model)

	for _, m := range models {
		if m.Hidden {
			continue
		}

		p, ok := byName[m.Provider]
		if !ok {
			log.WithFields(log.Fields{"model": m.Name, "provider": m.Provider}).Error("provider not found, skipping model")
			continue
		}

		if p.EnvVar != "" {
			if v, ok := lookup(p.EnvVar); !ok || v == "" {
				log.WithFields(log.Fields{"model": m.Name, "provider": m.Provider, "env": p.EnvVar}).Info("provider env not set, skipping model")
				continue
			}
		}

		m.Priority = priorityOf(p)
		m.KnownAs = append([]string(nil), m.KnownAs...)

		existing, seen := winners[m.Name]
		if !seen {
			order = append(order, m.Name)
			winners[m.Name] = m
			continue
		}
		if m.Priority > existing.Priority ||
			(m.Priority == existing.Priority && m.Provider < existing.Provider) {
			winners[m.Name] = m
		}
	}

	out := make([]Model, 0, len(order))
	for _, name := range order {
		m := winners[name]
		log.WithFields(log.Fields{"model": m.Name, "resolve_as": m.ResolveAs, "priority": m.Priority}).Info("+MODEL")
		out = append(out, m)
	}
	return out
}

func priorityOf(p Provider) int {
	if p.Priority == nil {
		return math.MinInt
	}
	return *p.Priority
}

// Resolve finds a model by exact name, then by alias.
func Resolve(name string, models []Model) (Model, bool) {
	for _, m := range models {
		if m.Name == name {
			return m, true
		}
	}
	for _, m := range models {
		for _, alias := range m.KnownAs {
			if alias == name {
				return m, true
			}
		}
	}
	return Model{}, false
}

// Registry is the servable model set. It is never mutated after New and is
// safe for concurrent reads.
type Registry struct {
	models  []Model
	byName  map[string]int
	byAlias map[string]int
}

func New(servable []Model) *Registry {
	r := &Registry{
		models:  append([]Model(nil), servable...),
		byName:  make(map[string]int, len(servable)),
		byAlias: make(map[string]int),
	}
	for i, m := range r.models {
		r.byName[m.Name] = i
	}
	for i, m := range r.models {
		for _, alias := range m.KnownAs {
			if _, taken := r.byAlias[alias]; !taken {
				r.byAlias[alias] = i
			}
		}
	}
	return r
}

// Load builds a Registry from the static catalog.
func Load(lookup EnvLookup) *Registry {
	return New(BuildServable(CatalogModels(), CatalogProviders(), lookup))
}

func (r *Registry) Resolve(name string) (Model, error) {
	if i, ok := r.byName[name]; ok {
		return r.models[i].clone(), nil
	}
	if i, ok := r.byAlias[name]; ok {
		return r.models[i].clone(), nil
	}
	return Model{}, ErrModelNotFound
}

// clone detaches m from the registry's alias storage.
func (m Model) clone() Model {
	m.KnownAs = append([]string(nil), m.KnownAs...)
	return m
}

// Models returns a deep copy of the servable set.
func (r *Registry) Models() []Model {
	out := make([]Model, len(r.models))
	for i, m := range r.models {
		out[i] = m.clone()
	}
	return out
}
