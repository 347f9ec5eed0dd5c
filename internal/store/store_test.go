package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSetThenGetSameSession(t *testing.T) {
	s := New()
	s.Set("foo", "bar", nil)
	v, ok := s.Get("foo")
	assert.True(t, ok)
	assert.Equal(t, "bar", v)
}

func TestGetMissingKey(t *testing.T) {
	s := New()
	_, ok := s.Get("nope")
	assert.False(t, ok)
}

func TestExpiryMonotonicity(t *testing.T) {
	s := New()
	px := int64(20)
	s.Set("foo", "bar", &px)

	_, ok := s.Get("foo")
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	_, ok = s.Get("foo")
	assert.False(t, ok, "expired entry must read as not-found")

	// Once expired, it stays not-found without an intervening SET.
	_, ok = s.Get("foo")
	assert.False(t, ok)
}

func TestSetOverwritesExpiry(t *testing.T) {
	s := New()
	px := int64(1)
	s.Set("foo", "bar", &px)
	time.Sleep(10 * time.Millisecond)

	s.Set("foo", "baz", nil)
	v, ok := s.Get("foo")
	assert.True(t, ok)
	assert.Equal(t, "baz", v)
}

func TestDelReturnsCountOnceThenZero(t *testing.T) {
	s := New()
	s.Set("k", "v", nil)

	assert.Equal(t, 1, s.Del("k"))
	assert.Equal(t, 0, s.Del("k"))
}

func TestDelMultipleKeysCountsOnlyPresent(t *testing.T) {
	s := New()
	s.Set("a", "1", nil)
	s.Set("b", "2", nil)

	assert.Equal(t, 2, s.Del("a", "b", "c"))
}

func TestDelCountsExpiredAsAbsent(t *testing.T) {
	s := New()
	px := int64(1)
	s.Set("k", "v", &px)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 0, s.Del("k"))
}

func TestConcurrentSetGetDoesNotRace(t *testing.T) {
	s := New()
	done := make(chan struct{})

	go func() {
		for i := 0; i < 1000; i++ {
			s.Set("k", "v", nil)
		}
		close(done)
	}()

	for i := 0; i < 1000; i++ {
		s.Get("k")
	}
	<-done
}
