package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisWriteTimeout = 2 * time.Second
	streamMaxLen      = 10000
)

// RedisSink appends audit records to a Redis stream, capped at streamMaxLen
// entries so the stream cannot grow without bound. Retention beyond the cap
// is external log management's problem, not ours.
type RedisSink struct {
	client *redis.Client
	stream string
}

// NewRedisSink connects to Redis at url and appends to the given stream key.
func NewRedisSink(url, stream string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisSink{client: client, stream: stream}, nil
}

func (s *RedisSink) Write(rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisWriteTimeout)
	defer cancel()
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{
			"seq":     rec.Seq,
			"verdict": rec.Verdict,
			"record":  string(data),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd audit record: %w", err)
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
