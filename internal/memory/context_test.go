package memory

import (
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore(ttl time.Duration, max int) (*ContextStore, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := NewContextStore(ContextStoreConfig{TTL: ttl, MaxEntries: max, Logger: testLogger()})
	s.now = clock.now
	return s, clock
}

func TestContextStore_PutGet(t *testing.T) {
	s, _ := newTestStore(time.Hour, 10)

	_, ok := s.Get(1)
	assert.False(t, ok)

	s.Put(1, []int{1, 2, 3})
	got, ok := s.Get(1)
	require.True(t, ok)
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestContextStore_LastWriteWins(t *testing.T) {
	s, _ := newTestStore(time.Hour, 10)
	s.Put(1, []int{1})
	s.Put(1, []int{9, 9})

	got, _ := s.Get(1)
	assert.Equal(t, []int{9, 9}, got)
	assert.Equal(t, 1, s.Len())
}

func TestContextStore_KeyedBySender(t *testing.T) {
	s, _ := newTestStore(time.Hour, 10)
	s.Put(1, []int{1})
	s.Put(2, []int{2})

	a, _ := s.Get(1)
	b, _ := s.Get(2)
	assert.Equal(t, []int{1}, a)
	assert.Equal(t, []int{2}, b)
}

func TestContextStore_ReturnsCopy(t *testing.T) {
	s, _ := newTestStore(time.Hour, 10)
	in := []int{1, 2}
	s.Put(1, in)
	in[0] = 100

	got, _ := s.Get(1)
	got[1] = 200
	again, _ := s.Get(1)
	assert.Equal(t, []int{1, 2}, again)
}

func TestContextStore_EmptyPutDeletes(t *testing.T) {
	s, _ := newTestStore(time.Hour, 10)
	s.Put(1, []int{1})
	s.Put(1, nil)

	_, ok := s.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestContextStore_ExpiresOnGet(t *testing.T) {
	s, clock := newTestStore(time.Minute, 10)
	s.Put(1, []int{1})
	clock.advance(2 * time.Minute)

	_, ok := s.Get(1)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Len())
}

func TestContextStore_GetRefreshesTTL(t *testing.T) {
	s, clock := newTestStore(time.Minute, 10)
	s.Put(1, []int{1})
	clock.advance(50 * time.Second)
	_, ok := s.Get(1)
	require.True(t, ok)
	clock.advance(50 * time.Second)

	_, ok = s.Get(1)
	assert.True(t, ok)
}

func TestContextStore_Sweep(t *testing.T) {
	s, clock := newTestStore(time.Minute, 10)
	s.Put(1, []int{1})
	s.Put(2, []int{2})
	clock.advance(90 * time.Second)
	s.Put(3, []int{3})

	assert.Equal(t, 2, s.Sweep())
	assert.Equal(t, 1, s.Len())
	_, ok := s.Get(3)
	assert.True(t, ok)
}

func TestContextStore_EvictsLeastRecentlyUsed(t *testing.T) {
	s, clock := newTestStore(time.Hour, 2)
	s.Put(1, []int{1})
	clock.advance(time.Second)
	s.Put(2, []int{2})
	clock.advance(time.Second)
	s.Get(1) // 2 is now least recently used
	s.Put(3, []int{3})

	assert.Equal(t, 2, s.Len())
	_, ok := s.Get(2)
	assert.False(t, ok)
	_, ok = s.Get(1)
	assert.True(t, ok)
}

func TestContextStore_Concurrent(t *testing.T) {
	s := NewContextStore(ContextStoreConfig{MaxEntries: 50, Logger: testLogger()})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.Put(id, []int{j})
				s.Get(id)
			}
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, 20, s.Len())
}
