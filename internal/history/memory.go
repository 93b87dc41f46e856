package history

import (
	"context"
	"sync"
	"time"
)

// MemoryStore locks the index only to find or create an entry; the append
// itself holds the entry's own lock, so distinct chats never contend.
type MemoryStore struct {
	mu    sync.Mutex
	users map[string]map[string]*entry
	now   func() time.Time
}

type entry struct {
	mu       sync.Mutex
	created  int64
	messages []Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: map[string]map[string]*entry{}, now: time.Now}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) lookup(userID, chatID string, create bool) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	chats, ok := s.users[userID]
	if !ok {
		if !create {
			return nil
		}
		chats = map[string]*entry{}
		s.users[userID] = chats
	}
	e, ok := chats[chatID]
	if !ok && create {
		e = &entry{}
		chats[chatID] = e
	}
	return e
}

func (s *MemoryStore) Get(_ context.Context, userID, chatID string) (Record, bool, error) {
	e := s.lookup(userID, chatID, false)
	if e == nil {
		return Record{}, false, nil
	}
	rec, ok := e.snapshot()
	return rec, ok, nil
}

func (s *MemoryStore) List(_ context.Context, userID string) (map[string]Record, error) {
	s.mu.Lock()
	chats := make(map[string]*entry, len(s.users[userID]))
	for id, e := range s.users[userID] {
		chats[id] = e
	}
	s.mu.Unlock()

	out := make(map[string]Record, len(chats))
	for id, e := range chats {
		if rec, ok := e.snapshot(); ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (s *MemoryStore) Append(_ context.Context, userID, chatID string, userMsg, assistantMsg Message) error {
	e := s.lookup(userID, chatID, true)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.created == 0 {
		e.created = s.now().Unix()
	}
	e.messages = append(e.messages, userMsg, assistantMsg)
	return nil
}

// snapshot reports false for an entry created by a concurrent Append that
// has not written yet.
func (e *entry) snapshot() (Record, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.created == 0 {
		return Record{}, false
	}
	msgs := make([]Message, len(e.messages))
	copy(msgs, e.messages)
	return Record{Created: e.created, Messages: msgs}, true
}
