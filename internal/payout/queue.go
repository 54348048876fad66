package payout

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const fieldWithdrawalID = "withdrawal_id"

// StreamOptions configures the Redis stream carrying withdrawal ids.
type StreamOptions struct {
	Stream  string        // default: "stream:payouts"
	Group   string        // default: "payout_cg"
	Block   time.Duration // default: 5s
	Batch   int64         // default: 50
	MinIdle time.Duration // default: 30s
	MaxLen  int64         // default: 100000, approximate trim
}

// Message is a stream entry naming one withdrawal to dispatch.
type Message struct {
	ID           string
	WithdrawalID string
}

// StreamQueue wakes payout workers through a Redis stream consumer group.
// The withdrawals table stays the source of truth; the stream only signals.
type StreamQueue struct {
	rdb redis.UniversalClient
	opt StreamOptions
}

// NewStreamQueue applies defaults to opt and returns the queue.
func NewStreamQueue(rdb redis.UniversalClient, opt StreamOptions) *StreamQueue {
	if opt.Stream == "" {
		opt.Stream = "stream:payouts"
	}
	if opt.Group == "" {
		opt.Group = "payout_cg"
	}
	if opt.Block == 0 {
		opt.Block = 5 * time.Second
	}
	if opt.Batch == 0 {
		opt.Batch = 50
	}
	if opt.MinIdle == 0 {
		opt.MinIdle = 30 * time.Second
	}
	if opt.MaxLen == 0 {
		opt.MaxLen = 100000
	}
	return &StreamQueue{rdb: rdb, opt: opt}
}

// Enqueue appends a withdrawal id to the stream.
func (q *StreamQueue) Enqueue(ctx context.Context, withdrawalID string) error {
	err := q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: q.opt.Stream,
		MaxLen: q.opt.MaxLen,
		Approx: true,
		Values: map[string]any{fieldWithdrawalID: withdrawalID},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue withdrawal %s: %w", withdrawalID, err)
	}
	return nil
}

// EnsureGroup creates the consumer group, tolerating one that already exists.
func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	err := q.rdb.XGroupCreateMkStream(ctx, q.opt.Stream, q.opt.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Read blocks for up to the configured duration waiting for new entries.
// It returns no messages and no error when the block times out.
func (q *StreamQueue) Read(ctx context.Context, consumer string) ([]Message, error) {
	res, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opt.Group,
		Consumer: consumer,
		Streams:  []string{q.opt.Stream, ">"},
		Count:    q.opt.Batch,
		Block:    q.opt.Block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, strm := range res {
		for _, m := range strm.Messages {
			out = append(out, toMessage(m))
		}
	}
	return out, nil
}

// Reclaim takes over entries another consumer read but never acknowledged.
func (q *StreamQueue) Reclaim(ctx context.Context, consumer string) ([]Message, error) {
	var out []Message
	start := "0-0"
	for {
		msgs, next, err := q.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.opt.Stream,
			Group:    q.opt.Group,
			Consumer: consumer,
			MinIdle:  q.opt.MinIdle,
			Start:    start,
			Count:    q.opt.Batch,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				return out, nil
			}
			return out, err
		}
		for _, m := range msgs {
			out = append(out, toMessage(m))
		}
		if len(msgs) == 0 || next == "0-0" {
			return out, nil
		}
		start = next
	}
}

// Ack removes an entry from the group's pending list.
func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	return q.rdb.XAck(ctx, q.opt.Stream, q.opt.Group, messageID).Err()
}

func toMessage(m redis.XMessage) Message {
	msg := Message{ID: m.ID}
	switch v := m.Values[fieldWithdrawalID].(type) {
	case string:
		msg.WithdrawalID = v
	case []byte:
		msg.WithdrawalID = string(v)
	}
	return msg
}

// ConsumerName builds a stable consumer name for worker i of an instance.
func ConsumerName(instance string, i int) string {
	if instance == "" {
		instance = "app"
	}
	return fmt.Sprintf("%s-%d", instance, i)
}
