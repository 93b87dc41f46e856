package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// UsageEvent records one completed upstream call.
type UsageEvent struct {
	RequestID        string    `json:"request_id"`
	UserID           string    `json:"user,omitempty"`
	Model            string    `json:"model"`
	Endpoint         string    `json:"endpoint"`
	ChatID           string    `json:"chat_id,omitempty"`
	Status           int       `json:"status"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	CreatedAt        time.Time `json:"created_at"`
	Attempts         int       `json:"attempts"`
}

type Message struct {
	ID    string
	Event UsageEvent
}

type Config struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	// MaxLen caps the stream approximately; zero keeps every entry.
	MaxLen int64
}

// StreamQueue carries usage events from the API to the ledger worker over a
// Redis stream consumer group.
type StreamQueue struct {
	redis *redis.Client
	cfg   Config
}

func NewStreamQueue(rdb *redis.Client, cfg Config) *StreamQueue {
	return &StreamQueue{redis: rdb, cfg: cfg}
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return errors.New("usage queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, ev UsageEvent) (string, error) {
	if strings.TrimSpace(ev.RequestID) == "" {
		ev.RequestID = NewRequestID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal usage event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: q.cfg.Stream,
		Values: map[string]any{"payload": payload},
	}
	if q.cfg.MaxLen > 0 {
		args.MaxLen = q.cfg.MaxLen
		args.Approx = true
	}
	id, err := q.redis.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue usage event: %w", err)
	}
	return id, nil
}

func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		Streams:  []string{q.cfg.Stream, ">"},
		Count:    count,
		Block:    q.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	var out []Message
	for _, s := range res {
		out = appendDecoded(out, s.Messages)
	}
	return out, nil
}

// Reclaim takes over entries another consumer read but never acknowledged
// for at least minIdle, typically because that worker died mid-batch.
func (q *StreamQueue) Reclaim(ctx context.Context, minIdle time.Duration, count int64) ([]Message, error) {
	msgs, _, err := q.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.cfg.Stream,
		Group:    q.cfg.Group,
		Consumer: q.cfg.Consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	return appendDecoded(nil, msgs), nil
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.cfg.Stream, q.cfg.Group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.cfg.Stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.cfg.Consumer
}

// Entries without a decodable payload are skipped; they stay pending until
// an operator removes them.
func appendDecoded(out []Message, msgs []redis.XMessage) []Message {
	for _, m := range msgs {
		var b []byte
		switch v := m.Values["payload"].(type) {
		case string:
			b = []byte(v)
		case []byte:
			b = v
		default:
			continue
		}
		var ev UsageEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			continue
		}
		out = append(out, Message{ID: m.ID, Event: ev})
	}
	return out
}

func NewRequestID() string {
	buf := make([]byte, 12)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return "req-" + hex.EncodeToString(buf)
}
