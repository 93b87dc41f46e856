package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps a hash per user (chat id -> created) and a list per
// chat. HSETNX fixes created on first write; MULTI/EXEC publishes both
// messages of a turn at once.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	now    func() time.Time
}

func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "albert:chathistory"
	}
	return &RedisStore{redis: rdb, prefix: prefix, now: time.Now}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) chatsKey(userID string) string {
	return s.prefix + ":" + userID
}

func (s *RedisStore) messagesKey(userID, chatID string) string {
	return s.prefix + ":" + userID + ":" + chatID
}

func (s *RedisStore) Append(ctx context.Context, userID, chatID string, userMsg, assistantMsg Message) error {
	u, err := json.Marshal(userMsg)
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}
	a, err := json.Marshal(assistantMsg)
	if err != nil {
		return fmt.Errorf("marshal assistant message: %w", err)
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, s.chatsKey(userID), chatID, s.now().Unix())
		pipe.RPush(ctx, s.messagesKey(userID, chatID), u, a)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append chat history: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, userID, chatID string) (Record, bool, error) {
	pipe := s.redis.Pipeline()
	createdCmd := pipe.HGet(ctx, s.chatsKey(userID), chatID)
	msgsCmd := pipe.LRange(ctx, s.messagesKey(userID, chatID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, false, fmt.Errorf("get chat history: %w", err)
	}

	createdRaw, err := createdCmd.Result()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("get chat created: %w", err)
	}
	rec, err := decodeRecord(createdRaw, msgsCmd.Val())
	if err != nil {
		return Record{}, false, err
	}
	return rec, true, nil
}

func (s *RedisStore) List(ctx context.Context, userID string) (map[string]Record, error) {
	chats, err := s.redis.HGetAll(ctx, s.chatsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	out := make(map[string]Record, len(chats))
	if len(chats) == 0 {
		return out, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make(map[string]*redis.StringSliceCmd, len(chats))
	for chatID := range chats {
		cmds[chatID] = pipe.LRange(ctx, s.messagesKey(userID, chatID), 0, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	for chatID, created := range chats {
		rec, err := decodeRecord(created, cmds[chatID].Val())
		if err != nil {
			return nil, err
		}
		out[chatID] = rec
	}
	return out, nil
}

func decodeRecord(created string, raw []string) (Record, error) {
	ts, err := strconv.ParseInt(created, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("parse chat created: %w", err)
	}
	msgs := make([]Message, 0, len(raw))
	for _, item := range raw {
		var m Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			return Record{}, fmt.Errorf("decode chat message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return Record{Created: ts, Messages: msgs}, nil
}
