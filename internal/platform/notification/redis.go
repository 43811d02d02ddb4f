package notification

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultFeedLength is the number of events kept in the recent feed.
const DefaultFeedLength = 100

const feedKey = "triage:events:recent"

// listStore is the subset of *redis.Client used by RedisFeed.
type listStore interface {
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

// RedisFeed keeps the most recent events in a capped Redis list so clients
// without a live websocket can poll for what changed.
type RedisFeed struct {
	rdb    listStore
	length int64
}

// NewRedisFeed creates a feed on rdb keeping at most length events.
func NewRedisFeed(rdb listStore, length int) *RedisFeed {
	if length <= 0 {
		length = DefaultFeedLength
	}
	return &RedisFeed{rdb: rdb, length: int64(length)}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (f *RedisFeed) Name() string { return "redis" }

func (f *RedisFeed) Deliver(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := f.rdb.LPush(ctx, feedKey, data).Err(); err != nil {
		return err
	}
	return f.rdb.LTrim(ctx, feedKey, 0, f.length-1).Err()
}

// Recent returns up to limit events, newest first.
func (f *RedisFeed) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 || int64(limit) > f.length {
		limit = int(f.length)
	}
	data, err := f.rdb.LRange(ctx, feedKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(data))
	for _, d := range data {
		var e Event
		if err := json.Unmarshal([]byte(d), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}
