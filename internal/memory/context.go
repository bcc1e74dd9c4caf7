// Package memory holds per-sender conversation context between turns.
//
// Context lives only in process memory. Entries expire after a period of
// inactivity and the store is capped; when full, the least recently used
// sender is evicted.
package memory

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

const (
	defaultContextTTL = 24 * time.Hour
	defaultMaxEntries = 10000
)

// ContextStore maps a sender id to the opaque context returned by the
// backend for that sender's last turn. Writes overwrite unconditionally.
type ContextStore struct {
	mu         sync.Mutex
	entries    map[int64]*list.Element
	order      *list.List // front = most recently used
	ttl        time.Duration
	maxEntries int
	now        func() time.Time
	logger     *slog.Logger
}

type contextEntry struct {
	senderID int64
	tokens   []int
	touched  time.Time
}

type ContextStoreConfig struct {
	TTL        time.Duration // <= 0 uses the default
	MaxEntries int           // <= 0 uses the default
	Logger     *slog.Logger
}

func NewContextStore(cfg ContextStoreConfig) *ContextStore {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultContextTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = defaultMaxEntries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ContextStore{
		entries:    make(map[int64]*list.Element),
		order:      list.New(),
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		now:        time.Now,
		logger:     cfg.Logger,
	}
}

// Get returns a copy of the sender's context. Expired entries are dropped
// and reported as absent.
func (s *ContextStore) Get(senderID int64) ([]int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[senderID]
	if !ok {
		return nil, false
	}
	e := el.Value.(*contextEntry)
	now := s.now()
	if now.Sub(e.touched) > s.ttl {
		s.removeLocked(el)
		return nil, false
	}
	e.touched = now
	s.order.MoveToFront(el)
	return append([]int(nil), e.tokens...), true
}

// Put replaces the sender's context. An empty context deletes the entry.
func (s *ContextStore) Put(senderID int64, tokens []int) {
	if len(tokens) == 0 {
		s.Delete(senderID)
		return
	}
	cp := append([]int(nil), tokens...)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if el, ok := s.entries[senderID]; ok {
		e := el.Value.(*contextEntry)
		e.tokens = cp
		e.touched = now
		s.order.MoveToFront(el)
		return
	}

	s.entries[senderID] = s.order.PushFront(&contextEntry{senderID: senderID, tokens: cp, touched: now})
	for len(s.entries) > s.maxEntries {
		oldest := s.order.Back()
		s.logger.Debug("context evicted", "sender_id", oldest.Value.(*contextEntry).senderID)
		s.removeLocked(oldest)
	}
}

func (s *ContextStore) Delete(senderID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.entries[senderID]; ok {
		s.removeLocked(el)
	}
}

func (s *ContextStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes every expired entry and returns how many were removed.
func (s *ContextStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	// Oldest entries sit at the back; stop at the first live one.
	for el := s.order.Back(); el != nil; {
		e := el.Value.(*contextEntry)
		if now.Sub(e.touched) <= s.ttl {
			break
		}
		prev := el.Prev()
		s.removeLocked(el)
		removed++
		el = prev
	}
	if removed > 0 {
		s.logger.Info("context sweep", "removed", removed, "remaining", len(s.entries))
	}
	return removed
}

func (s *ContextStore) removeLocked(el *list.Element) {
	e := s.order.Remove(el).(*contextEntry)
	delete(s.entries, e.senderID)
}
