package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LagMetrics describes how far the worker group has fallen behind the
// question stream: unacked deliveries, undelivered backlog, the number of
// registered consumers and the age of the oldest pending entry.
type LagMetrics struct {
	Pending    int64
	Lag        int64
	Consumers  int64
	OldestIdle time.Duration
}

// LagMetrics reports the consumer group's position on the stream. Lag is -1
// when the server does not report it, which also covers a group that has not
// been created yet.
func (c *Consumer) LagMetrics(ctx context.Context, stream string) (LagMetrics, error) {
	groups, err := c.client.XInfoGroups(ctx, stream).Result()
	if err != nil {
		return LagMetrics{}, fmt.Errorf("xinfo groups %s: %w", stream, err)
	}

	metrics := LagMetrics{Lag: -1}
	for _, info := range groups {
		if info.Name != c.group {
			continue
		}
		metrics.Pending = info.Pending
		metrics.Lag = info.Lag
		metrics.Consumers = int64(info.Consumers)
		break
	}
	if metrics.Pending == 0 {
		return metrics, nil
	}

	// One entry from the front of the pending list is enough to age the
	// backlog; stuck questions show up here long before they dead-letter.
	oldest, err := c.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: stream,
		Group:  c.group,
		Start:  "-",
		End:    "+",
		Count:  1,
	}).Result()
	if err != nil && err != redis.Nil {
		return LagMetrics{}, fmt.Errorf("xpendingext %s: %w", stream, err)
	}
	if len(oldest) > 0 {
		metrics.OldestIdle = oldest[0].Idle
	}
	return metrics, nil
}
