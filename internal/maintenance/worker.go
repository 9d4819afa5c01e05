// Package maintenance runs periodic upkeep over live sessions.
package maintenance

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

// Maintainer applies the promotion policy to live sessions and persists them.
type Maintainer interface {
	Maintain(ctx context.Context) (int, error)
}

// Start runs m every interval until ctx is canceled. A non-positive interval
// returns immediately.
func Start(ctx context.Context, logger *log.Logger, interval time.Duration, m Maintainer) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runOnce(ctx, logger, m)
		}
	}
}

func runOnce(ctx context.Context, logger *log.Logger, m Maintainer) {
	n, err := m.Maintain(ctx)
	if err != nil {
		logger.Warn("session maintenance failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("session maintenance promoted memories", "count", n)
	}
}
