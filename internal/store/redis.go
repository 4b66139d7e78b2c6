package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// wireChange is the pub/sub payload. Node identifies the publishing process.
type wireChange struct {
	Change
	Node string `json:"node"`
}

// RedisFeed dispatches changes locally and mirrors them over Redis pub/sub so
// that other processes sharing the same database see them.
type RedisFeed struct {
	*LocalFeed
	client *redis.Client
	prefix string
	node   string
	logger *zap.Logger
}

// NewRedisFeed creates a feed publishing on "<prefix>:<collection>" channels.
func NewRedisFeed(client *redis.Client, prefix, node string, logger *zap.Logger) *RedisFeed {
	if prefix == "" {
		prefix = "hub:changes"
	}
	return &RedisFeed{
		LocalFeed: NewLocalFeed(),
		client:    client,
		prefix:    prefix,
		node:      node,
		logger:    logger,
	}
}

func (f *RedisFeed) channel(c Collection) string {
	return fmt.Sprintf("%s:%s", f.prefix, c)
}

// Publish dispatches c locally, then announces it to the other nodes.
// A failed announcement is logged; the write itself already succeeded.
func (f *RedisFeed) Publish(ctx context.Context, c Change) {
	f.LocalFeed.Publish(ctx, c)

	payload, err := json.Marshal(wireChange{Change: c, Node: f.node})
	if err != nil {
		f.logger.Error("marshal change", zap.Error(err))
		return
	}
	if err := f.client.Publish(ctx, f.channel(c.Collection), payload).Err(); err != nil {
		f.logger.Warn("publish change to redis failed",
			zap.String("collection", string(c.Collection)),
			zap.String("id", c.ID),
			zap.Error(err))
	}
}

// Start subscribes to the change channels and forwards changes from other
// nodes to local listeners until ctx is cancelled. It returns once the
// subscription is confirmed.
func (f *RedisFeed) Start(ctx context.Context) error {
	ps := f.client.Subscribe(ctx, f.channel(Slots), f.channel(Drivers), f.channel(DelayRequests))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("subscribe to change channels: %w", err)
	}

	go func() {
		defer ps.Close()
		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				f.handle(msg.Payload)
			}
		}
	}()
	return nil
}

func (f *RedisFeed) handle(payload string) {
	var wc wireChange
	if err := json.Unmarshal([]byte(payload), &wc); err != nil {
		f.logger.Warn("discarding malformed change message", zap.Error(err))
		return
	}
	if wc.Node == f.node {
		return
	}
	f.dispatch(wc.Change)
}
