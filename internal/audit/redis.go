package audit

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type streamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStreamSink appends events to a capped Redis stream.
type RedisStreamSink struct {
	client streamAdder
	closer func() error
	stream string
	maxLen int64
}

// NewRedisStreamSink connects to addr. The stream is trimmed to roughly maxLen entries.
func NewRedisStreamSink(addr, stream string, maxLen int64) *RedisStreamSink {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	return &RedisStreamSink{client: rdb, closer: rdb.Close, stream: stream, maxLen: maxLen}
}

func (s *RedisStreamSink) Write(ctx context.Context, e Event) error {
	payload, err := e.Encode()
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]interface{}{
			"id":      e.ID,
			"type":    e.Type,
			"actor":   e.Actor,
			"payload": string(payload),
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}

func (s *RedisStreamSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
