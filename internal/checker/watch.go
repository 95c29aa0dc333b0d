package checker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// DefaultWatchInterval matches how often a desktop session re-checks.
const DefaultWatchInterval = 5 * time.Minute

// Watch runs CheckAll immediately and then once per interval until ctx is
// done. onRound, if set, receives each round's outcomes. A round still in
// flight when ctx ends is not waited for beyond its own timeouts.
func (c *Checker) Watch(ctx context.Context, services []ServiceSpec, interval time.Duration, onRound func([]Outcome)) error {
	if len(services) == 0 {
		return errors.New("no services to watch")
	}
	if interval <= 0 {
		interval = DefaultWatchInterval
	}

	ticker := c.clock.Ticker(interval)
	defer ticker.Stop()

	round := func() {
		outcomes := c.CheckAll(ctx, services)
		if ctx.Err() != nil {
			return
		}
		if onRound != nil {
			onRound(outcomes)
		}
	}

	c.log.Info("watch started", zap.Int("services", len(services)), zap.Duration("interval", interval))
	round()
	for {
		select {
		case <-ctx.Done():
			c.log.Info("watch stopped")
			return ctx.Err()
		case <-ticker.C:
			round()
		}
	}
}
