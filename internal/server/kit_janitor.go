package server

import (
	"context"
	"time"

	"go.uber.org/zap"

	"kitstream/backend/internal/pubsub"
)

type KitJanitorConfig struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

func DefaultKitJanitorConfig() KitJanitorConfig {
	return KitJanitorConfig{
		IdleTimeout:   30 * time.Minute,
		SweepInterval: time.Minute,
	}
}

// KitJanitor evicts kits with no subscribers and no recent publishes so the
// engine does not keep a buffer for every serial it has ever seen.
type KitJanitor struct {
	engine *pubsub.Engine
	config KitJanitorConfig
	logger *zap.Logger
}

func NewKitJanitor(engine *pubsub.Engine, config KitJanitorConfig, logger *zap.Logger) *KitJanitor {
	cfg := config
	defaults := DefaultKitJanitorConfig()

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaults.SweepInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &KitJanitor{
		engine: engine,
		config: cfg,
		logger: logger.With(zap.String("component", "kit-janitor")),
	}
}

// Run sweeps on every interval until ctx ends.
func (janitor *KitJanitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(janitor.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			janitor.Sweep()
		}
	}
}

func (janitor *KitJanitor) Sweep() int {
	evicted := janitor.engine.Sweep(janitor.config.IdleTimeout)
	if evicted > 0 {
		stats := janitor.engine.Stats()
		janitor.logger.Debug(
			"sweep finished",
			zap.Int("evicted", evicted),
			zap.Int("kits", stats.Kits),
			zap.Int("subscriptions", stats.Subscriptions),
		)
	}
	return evicted
}
