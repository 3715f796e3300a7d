package flowcontrol

import (
	"context"
	"time"
)

// Defaults match the protocol's recommended flow-control parameters.
const (
	DefaultHighWater    = 5 << 20 // 5 MiB of buffered-but-unsent bytes
	DefaultPollInterval = 50 * time.Millisecond
)

// Gate bounds the bytes a sender may leave queued on a connection's outbound
// path. It is cooperative flow control: the chunk-production loop calls Wait
// before each submit and does not advance while the queue sits at or above
// the high-water mark. The zero value uses the defaults.
type Gate struct {
	HighWater    int64
	PollInterval time.Duration
}

// Wait blocks until the reported queue depth is below the high-water mark or
// ctx is done. depth must be safe to call repeatedly from this goroutine.
func (g Gate) Wait(ctx context.Context, depth func() int64) error {
	highWater := g.HighWater
	if highWater <= 0 {
		highWater = DefaultHighWater
	}
	if depth() < highWater {
		return nil
	}

	interval := g.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if depth() < highWater {
				return nil
			}
		}
	}
}
