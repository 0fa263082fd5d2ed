package provider

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"PolyChat/internal/config"
	"PolyChat/internal/llm"
	"PolyChat/internal/llm/oneshot"
	"PolyChat/internal/llm/openai"
)

// Options carries the orchestrator settings the single-shot adapters need.
type Options struct {
	ChunkDelay        time.Duration
	PreambleExchanges int
}

// Registry holds one adapter per enabled family.
type Registry struct {
	mu       sync.RWMutex
	adapters map[Family]llm.Adapter
	shapes   map[Family]Shape
}

// NewRegistry instantiates adapters for the configured families.
func NewRegistry(providers map[string]config.ProviderConfig, opts Options) (*Registry, error) {
	r := &Registry{
		adapters: make(map[Family]llm.Adapter),
		shapes:   make(map[Family]Shape),
	}

	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := providers[name]
		family, ok := ParseFamily(name)
		if !ok {
			return nil, fmt.Errorf("unknown provider family %q", name)
		}
		if cfg.Disabled {
			continue
		}
		switch shape := Shape(strings.ToLower(strings.TrimSpace(cfg.Shape))); shape {
		case ShapeStream:
			r.adapters[family] = openai.NewClient(openai.Config{BaseURL: cfg.BaseURL, Timeout: cfg.Timeout()})
			r.shapes[family] = shape
		case ShapeSingleShot:
			if strings.TrimSpace(cfg.BaseURL) == "" {
				return nil, fmt.Errorf("provider %s: base_url is required", name)
			}
			r.adapters[family] = oneshot.NewClient(oneshot.Config{
				BaseURL:    cfg.BaseURL,
				Timeout:    cfg.Timeout(),
				ChunkDelay: opts.ChunkDelay,
				Exchanges:  opts.PreambleExchanges,
			})
			r.shapes[family] = shape
		default:
			return nil, fmt.Errorf("provider %s uses unsupported shape %q", name, cfg.Shape)
		}
	}
	return r, nil
}

// NewStaticRegistry wraps prebuilt adapters.
func NewStaticRegistry(adapters map[Family]llm.Adapter) *Registry {
	r := &Registry{
		adapters: make(map[Family]llm.Adapter, len(adapters)),
		shapes:   make(map[Family]Shape),
	}
	for family, adapter := range adapters {
		r.adapters[family] = adapter
	}
	return r
}

// Register replaces the adapter of a family.
func (r *Registry) Register(family Family, adapter llm.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[family] = adapter
}

// Adapter returns the adapter for family.
func (r *Registry) Adapter(family Family) (llm.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[family]
	return adapter, ok
}

// Shape reports the integration shape configured for family.
func (r *Registry) Shape(family Family) (Shape, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	shape, ok := r.shapes[family]
	return shape, ok
}

// Families lists the families with an adapter, sorted by name.
func (r *Registry) Families() []Family {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Family, 0, len(r.adapters))
	for family := range r.adapters {
		out = append(out, family)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
