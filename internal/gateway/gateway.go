package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/cache"
	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/ratelimit"
	"github.com/ashuein/contentforge/internal/retry"
)

// Options parameterize one generate call.
type Options struct {
	System        string
	SchemaName    string
	Schema        map[string]any
	CorrelationID string
	AttachmentID  string
	// RateKey buckets the call for rate limiting; defaults to "llm".
	RateKey string
}

// Response is the gateway-level result.
type Response struct {
	// Structured holds the decoded object when the remote honored the
	// schema hint or tolerant extraction recovered one.
	Structured map[string]any
	// Text is the raw response text.
	Text   string
	Cached bool
}

// Gateway composes the provider with cache, rate limiter and retries.
type Gateway struct {
	cfg      config.GatewayConfig
	provider Provider
	cache    *cache.Store
	limiter  *ratelimit.Limiter
	retries  *retry.Manager
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// New wires the gateway.
func New(cfg config.GatewayConfig, provider Provider, store *cache.Store, limiter *ratelimit.Limiter, retries *retry.Manager, log *zap.Logger, m *metrics.Metrics) *Gateway {
	return &Gateway{
		cfg:      cfg,
		provider: provider,
		cache:    store,
		limiter:  limiter,
		retries:  retries,
		log:      log,
		metrics:  m,
	}
}

// Generate performs a cached, rate-limited, retried completion. The cache
// key covers the full prompt, options and attachment digest, so identical
// inputs short-circuit without contacting the upstream.
func (g *Gateway) Generate(ctx context.Context, prompt string, opts Options) (*Response, error) {
	cacheContent := map[string]any{
		"prompt":     prompt,
		"system":     opts.System,
		"schemaName": opts.SchemaName,
		"attachment": opts.AttachmentID,
		"model":      g.cfg.Model,
		"temp":       g.cfg.Temperature,
	}
	if data, ok := g.cache.Get("llm", cacheContent); ok {
		g.metrics.LLMCalls.WithLabelValues("cached").Inc()
		resp := &Response{Text: string(data), Cached: true}
		resp.Structured = Extract(resp.Text, opts.SchemaName)
		return resp, nil
	}

	rateKey := opts.RateKey
	if rateKey == "" {
		rateKey = "llm"
	}

	var upstream *ProviderResponse
	start := time.Now()
	err := g.retries.Execute(ctx, retry.PhaseLLMRequest, func(ctx context.Context) error {
		return g.limiter.Execute(ctx, rateKey, func(ctx context.Context) error {
			resp, err := g.provider.Generate(ctx, ProviderRequest{
				System:      opts.System,
				Prompt:      prompt,
				SchemaName:  opts.SchemaName,
				Schema:      opts.Schema,
				Temperature: g.cfg.Temperature,
				MaxTokens:   g.cfg.MaxOutputTokens,
			})
			if err != nil {
				return err
			}
			upstream = resp
			return nil
		})
	})
	g.metrics.LLMDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		g.metrics.LLMCalls.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("llm generate (correlation %s): %w", opts.CorrelationID, err)
	}
	g.metrics.LLMCalls.WithLabelValues("success").Inc()

	if _, err := g.cache.Set("llm", cacheContent, []byte(upstream.Text), g.cfg.CacheTTL); err != nil {
		g.log.Warn("llm cache write failed", zap.Error(err))
	}

	resp := &Response{Text: upstream.Text}
	resp.Structured = Extract(resp.Text, opts.SchemaName)
	return resp, nil
}

// GenerateJSON decodes the structured response into target, applying
// tolerant extraction when the remote emitted a less-structured form.
func (g *Gateway) GenerateJSON(ctx context.Context, prompt string, opts Options, target any) error {
	resp, err := g.Generate(ctx, prompt, opts)
	if err != nil {
		return err
	}
	if resp.Structured == nil {
		return fmt.Errorf("llm response did not contain a decodable %s object", opts.SchemaName)
	}
	data, err := json.Marshal(resp.Structured)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, target)
}
