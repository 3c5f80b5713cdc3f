package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"companiond/internal/domain"
)

func TestLocalLRU_PutAndGet(t *testing.T) {
	t.Parallel()
	l := newLocalLRU(10)
	resp := domain.Response{LatencyMS: 42}

	l.put("fp1", resp, time.Minute)
	got, ok := l.get("fp1")
	assert.True(t, ok)
	assert.Equal(t, resp, got)
}

func TestLocalLRU_MissOnUnknownKey(t *testing.T) {
	t.Parallel()
	l := newLocalLRU(10)
	_, ok := l.get("nope")
	assert.False(t, ok)
}

func TestLocalLRU_ExpiredEntryIsEvictedOnRead(t *testing.T) {
	t.Parallel()
	l := newLocalLRU(10)
	l.put("fp1", domain.Response{}, -time.Second) // already expired

	_, ok := l.get("fp1")
	assert.False(t, ok)
	assert.Equal(t, 0, l.size())
}

func TestLocalLRU_EvictsOldestWhenFull(t *testing.T) {
	t.Parallel()
	l := newLocalLRU(2)

	l.put("a", domain.Response{}, time.Minute)
	time.Sleep(2 * time.Millisecond)
	l.put("b", domain.Response{}, time.Minute)
	time.Sleep(2 * time.Millisecond)

	// Touch "a" so it is the most recently accessed before the third insert.
	_, _ = l.get("a")
	time.Sleep(2 * time.Millisecond)

	l.put("c", domain.Response{}, time.Minute) // should evict "b", the least recently accessed

	assert.Equal(t, 2, l.size())
	_, aok := l.get("a")
	_, bok := l.get("b")
	_, cok := l.get("c")
	assert.True(t, aok)
	assert.False(t, bok)
	assert.True(t, cok)
}

func TestLocalLRU_DefaultsMaxSize(t *testing.T) {
	t.Parallel()
	l := newLocalLRU(0)
	assert.Equal(t, 10000, l.maxSize)
}
