package assistant

import (
	"context"
	"iter"

	"github.com/youruser/productivai/internal/config"
	"github.com/youruser/productivai/internal/llm"
	"github.com/youruser/productivai/internal/logging"
)

// Backend produces completions. The live strategy is *llm.Client; Simulated
// answers locally when no API key is configured.
type Backend interface {
	Stream(ctx context.Context, req llm.ChatRequest) iter.Seq[llm.StreamEvent]
	Complete(ctx context.Context, req llm.ChatRequest) (string, error)
}

var (
	_ Backend = (*llm.Client)(nil)
	_ Backend = (*Simulated)(nil)
)

// NewBackend picks the strategy for cfg: simulated when the API key is
// absent or the placeholder, live otherwise.
func NewBackend(cfg *config.Config, log *logging.Logger) Backend {
	if cfg.Simulated() {
		log.Info("No API key configured, using simulated backend")
		return NewSimulated(cfg.SimulatedDelay, log)
	}
	return llm.NewClient(cfg.BaseURL, cfg.APIKey,
		llm.WithHeaders(cfg.Referer, cfg.AppTitle),
		llm.WithRetry(cfg.MaxRetries, cfg.RetryDelay),
		llm.WithLogger(log.With("llm")),
	)
}
