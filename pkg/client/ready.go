package client

import (
	"context"

	"github.com/cuemby/bwcgen/pkg/health"
	"github.com/cuemby/bwcgen/pkg/metrics"
	"github.com/rs/zerolog"
)

// WaitForNode polls the node until a cluster health request with at least
// one node succeeds, and returns the client that got through.
func WaitForNode(ctx context.Context, cfg Config, budget health.Budget, logger zerolog.Logger) (*Client, error) {
	logger.Info().Str("url", cfg.BaseURL()).Msg("Waiting for node to startup")

	var ready *Client
	attempts, err := health.Poll(ctx, budget, logger, "node", func(ctx context.Context, attempt int) error {
		c, err := New(cfg)
		if err != nil {
			return err
		}
		h, err := c.ClusterHealth(ctx, HealthRequest{WaitForNodes: 1})
		if err != nil {
			return err
		}
		logger.Debug().Str("cluster", h.ClusterName).Str("status", h.Status).Msg("node answered")
		ready = c
		return nil
	})
	metrics.ReadinessAttempts.Observe(float64(attempts))
	if err != nil {
		return nil, err
	}
	return ready, nil
}
