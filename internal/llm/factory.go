package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mobileclaw/mobileclaw/internal/bus"
	"github.com/mobileclaw/mobileclaw/internal/config"
	"github.com/mobileclaw/mobileclaw/pkg/types"
)

// New constructs a provider by name from its configuration.
func New(name string, pc config.ProviderConfig) (Provider, error) {
	cfg := &ProviderConfig{
		Endpoint: pc.Endpoint,
		APIKey:   pc.APIKey,
		Model:    pc.Model,
	}
	if pc.TimeoutSec > 0 {
		cfg.Timeout = time.Duration(pc.TimeoutSec) * time.Second
	}

	switch name {
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

// Guard wraps a provider so its failure domain stays contained: transport
// errors, timeouts, and API failures all surface as ProviderUnavailable, and
// every request publishes a bus event for metrics.
type Guard struct {
	inner Provider
	bus   *bus.Bus
}

// NewGuard wraps a provider. The bus may be nil.
func NewGuard(inner Provider, b *bus.Bus) *Guard {
	return &Guard{inner: inner, bus: b}
}

// Name returns the wrapped provider's identifier.
func (g *Guard) Name() string { return g.inner.Name() }

// Available reports the wrapped provider's availability.
func (g *Guard) Available() bool { return g.inner.Available() }

// Chat delegates to the wrapped provider, converting its errors.
func (g *Guard) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := g.inner.Chat(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		g.publish(bus.Event{
			Type:  bus.EventProviderError,
			Error: err.Error(),
			Fields: map[string]any{
				"provider": g.inner.Name(),
			},
		})
		return nil, fmt.Errorf("%s: %w: %v", g.inner.Name(), types.ErrProviderUnavailable, err)
	}

	g.publish(bus.Event{
		Type:       bus.EventProviderRequest,
		DurationMs: resp.Duration.Milliseconds(),
		Fields: map[string]any{
			"provider": g.inner.Name(),
			"model":    resp.Model,
			"tokens":   resp.TokensUsed,
		},
	})
	return resp, nil
}

func (g *Guard) publish(ev bus.Event) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(ev)
}
