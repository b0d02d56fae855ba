package main

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFixedWindowLimiter_ExactLimit(t *testing.T) {
	l := NewFixedWindowLimiter()

	const limit = 5
	for i := 0; i < limit; i++ {
		allowed, _ := l.Allow("k", limit, time.Minute)
		if !allowed {
			t.Fatalf("request %d rejected, want allowed", i+1)
		}
	}

	allowed, retry := l.Allow("k", limit, time.Minute)
	if allowed {
		t.Fatal("request limit+1 allowed, want rejected")
	}
	if retry <= 0 {
		t.Errorf("retryAfter = %v, want > 0", retry)
	}
	if retry > time.Minute {
		t.Errorf("retryAfter = %v, want <= window", retry)
	}
}

func TestFixedWindowLimiter_WindowReset(t *testing.T) {
	l := NewFixedWindowLimiter()

	if allowed, _ := l.Allow("k", 1, 30*time.Millisecond); !allowed {
		t.Fatal("first request rejected")
	}
	if allowed, _ := l.Allow("k", 1, 30*time.Millisecond); allowed {
		t.Fatal("second request in same window allowed")
	}

	time.Sleep(40 * time.Millisecond)

	if allowed, _ := l.Allow("k", 1, 30*time.Millisecond); !allowed {
		t.Fatal("request after window elapsed rejected, want allowed")
	}
}

func TestFixedWindowLimiter_KeysIndependent(t *testing.T) {
	l := NewFixedWindowLimiter()

	if allowed, _ := l.Allow("a", 1, time.Minute); !allowed {
		t.Fatal("key a rejected")
	}
	if allowed, _ := l.Allow("a", 1, time.Minute); allowed {
		t.Fatal("key a second request allowed")
	}
	if allowed, _ := l.Allow("b", 1, time.Minute); !allowed {
		t.Fatal("key b rejected despite separate window")
	}
}

func TestFixedWindowLimiter_ConcurrentSameKey(t *testing.T) {
	l := NewFixedWindowLimiter()

	const limit = 10
	const callers = 50

	var allowed int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("shared", limit, time.Minute); ok {
				atomic.AddInt64(&allowed, 1)
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("allowed = %d, want exactly %d", allowed, limit)
	}
}

func TestFixedWindowLimiter_Cleanup(t *testing.T) {
	l := NewFixedWindowLimiter()

	for i := 0; i < 10; i++ {
		l.Allow(fmt.Sprintf("k%d", i), 1, time.Millisecond)
	}
	if l.Len() != 10 {
		t.Fatalf("Len = %d, want 10", l.Len())
	}

	time.Sleep(5 * time.Millisecond)
	cleaned := l.Cleanup(2 * time.Millisecond)
	if cleaned != 10 {
		t.Errorf("Cleanup removed %d, want 10", cleaned)
	}
	if l.Len() != 0 {
		t.Errorf("Len = %d after cleanup, want 0", l.Len())
	}
}

func TestFixedWindowLimiter_MapCapEviction(t *testing.T) {
	l := NewFixedWindowLimiter()

	for i := 0; i < maxRateWindows; i++ {
		l.Allow(fmt.Sprintf("k%d", i), 1, time.Hour)
	}
	if l.Len() != maxRateWindows {
		t.Fatalf("Len = %d, want %d", l.Len(), maxRateWindows)
	}

	// One more key must evict the oldest instead of growing the map.
	if allowed, _ := l.Allow("overflow", 1, time.Hour); !allowed {
		t.Fatal("overflow key rejected")
	}
	if l.Len() != maxRateWindows {
		t.Errorf("Len = %d after eviction, want %d", l.Len(), maxRateWindows)
	}
}
