package models

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/hivemind/config"
	"github.com/BaSui01/hivemind/types"
)

// Func has the breaker.ModelFunc signature.
type Func func(ctx context.Context, model string, args ...any) (any, error)

type route struct {
	prefix string
	fn     Func
}

// Router dispatches model calls by the longest matching name prefix.
type Router struct {
	mu      sync.RWMutex
	routes  []route
	aliases map[string]string
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{aliases: make(map[string]string)}
}

// Handle routes models whose name starts with prefix to fn. Registering a
// prefix again replaces its function.
func (r *Router) Handle(prefix string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.routes {
		if r.routes[i].prefix == prefix {
			r.routes[i].fn = fn
			return
		}
	}
	r.routes = append(r.routes, route{prefix: prefix, fn: fn})
	sort.SliceStable(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})
}

// Alias makes calls to name use target instead.
func (r *Router) Alias(name, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[name] = target
}

// Resolve applies aliases to model.
func (r *Router) Resolve(model string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[model]; ok {
		return target
	}
	return model
}

// Prefixes lists the routed prefixes, longest first.
func (r *Router) Prefixes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.routes))
	for i, rt := range r.routes {
		out[i] = rt.prefix
	}
	return out
}

// Call resolves model and invokes the matching adapter.
func (r *Router) Call(ctx context.Context, model string, args ...any) (any, error) {
	resolved := r.Resolve(model)
	r.mu.RLock()
	var fn Func
	for _, rt := range r.routes {
		if strings.HasPrefix(resolved, rt.prefix) {
			fn = rt.fn
			break
		}
	}
	r.mu.RUnlock()
	if fn == nil {
		return nil, types.NewNotFoundError("model provider", resolved)
	}
	return fn(ctx, resolved, args...)
}

// FromConfig registers an adapter for every provider with credentials.
func FromConfig(cfg config.ModelsConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := NewRouter()
	if cfg.AnthropicAPIKey != "" {
		a := NewAnthropic(Config{
			APIKey:    cfg.AnthropicAPIKey,
			BaseURL:   cfg.AnthropicBaseURL,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		}, logger)
		r.Handle("claude", a.Call)
	}
	if cfg.OpenAIAPIKey != "" {
		o := NewOpenAI(Config{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		}, logger)
		for _, prefix := range []string{"gpt", "o1", "o3", "o4", "chatgpt"} {
			r.Handle(prefix, o.Call)
		}
	}
	if cfg.GeminiAPIKey != "" {
		g := NewGemini(Config{
			APIKey:    cfg.GeminiAPIKey,
			BaseURL:   cfg.GeminiBaseURL,
			MaxTokens: cfg.MaxTokens,
			Timeout:   cfg.Timeout,
		}, logger)
		r.Handle("gemini", g.Call)
	}
	for name, target := range cfg.Aliases {
		r.Alias(name, target)
	}
	logger.Info("model router configured", zap.Strings("prefixes", r.Prefixes()))
	return r
}
