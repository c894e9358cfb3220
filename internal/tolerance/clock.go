package tolerance

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"
)

const (
	versionKey  = "tolerance:version"
	bumpChannel = "tolerance.bump"
)

// VersionClock is a Redis counter bumped on every publication so that every
// process holding a snapshot notices it is stale before its next match.
type VersionClock struct {
	client *redis.Client
}

// NewVersionClock instantiates the clock. A nil client yields a clock that
// always reports version zero.
func NewVersionClock(client *redis.Client) *VersionClock {
	return &VersionClock{client: client}
}

// Version returns the current counter, initialising when missing.
func (c *VersionClock) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, versionKey).Int64()
	if err == redis.Nil {
		// SETNX keeps a concurrent Bump from being overwritten.
		if err := c.client.SetNX(ctx, versionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, versionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return ver, nil
}

// Bump increments the counter and publishes the new value.
func (c *VersionClock) Bump(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Incr(ctx, versionKey).Result()
	if err != nil {
		return 0, err
	}
	return ver, c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// Listen subscribes to bump notifications and calls onBump for each until ctx ends.
func (c *VersionClock) Listen(ctx context.Context, onBump func(version int64)) error {
	if c == nil || c.client == nil {
		return nil
	}
	pubsub := c.client.Subscribe(ctx, bumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return err
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ver, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					ver = -1
				}
				onBump(ver)
			}
		}
	}()
	return nil
}
