package repository

import (
	"context"
	"log/slog"
	"time"
)

// Purger is implemented by backends that do not expire bags on their own.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// janitor purges p every interval until the returned stop func is called.
// stop waits for an in-flight purge to finish.
func janitor(p Purger, interval time.Duration, logger *slog.Logger) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := p.PurgeExpired(ctx)
				if err != nil {
					if ctx.Err() == nil {
						logger.Warn("unable to purge expired session bags", "err", err)
					}
					continue
				}
				if n > 0 {
					logger.Debug("purged expired session bags", "count", n)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// purgeInterval runs the janitor a few times per TTL, within [1s, 5m].
func purgeInterval(ttl time.Duration) time.Duration {
	every := ttl / 4
	switch {
	case every < time.Second:
		return time.Second
	case every > 5*time.Minute:
		return 5 * time.Minute
	}
	return every
}
