package main

import (
	"fmt"
	"testing"
	"time"
)

func TestTxLookupCache_SetGet(t *testing.T) {
	cache := NewTxLookupCache()

	id := "01234567-89ab-cdef-0123-456789abcdef"
	if got := cache.Get(id); got != nil {
		t.Error("expected nil for missing entry")
	}

	tx := &ExplorerTx{Status: "confirmed"}
	tx.To.Identifier = "sp1fee"
	cache.Set(id, tx)

	got := cache.Get(id)
	if got == nil {
		t.Fatal("expected cached entry")
	}
	if got.Status != "confirmed" || got.To.Identifier != "sp1fee" {
		t.Errorf("cached tx = %+v", got)
	}
}

func TestTxLookupCache_Expiry(t *testing.T) {
	cache := NewTxLookupCache()
	cache.ttl = 10 * time.Millisecond

	cache.Set("id", &ExplorerTx{Status: "confirmed"})
	if cache.Get("id") == nil {
		t.Fatal("entry missing before expiry")
	}

	time.Sleep(20 * time.Millisecond)
	if cache.Get("id") != nil {
		t.Error("entry served after expiry")
	}

	if cleaned := cache.CleanupExpired(); cleaned != 1 {
		t.Errorf("CleanupExpired = %d, want 1", cleaned)
	}
	if cache.Len() != 0 {
		t.Errorf("Len = %d after cleanup, want 0", cache.Len())
	}
}

func TestTxLookupCache_MaxEntries(t *testing.T) {
	cache := NewTxLookupCache()
	cache.maxEntries = 5

	for i := 0; i < 10; i++ {
		cache.Set(fmt.Sprintf("id%d", i), &ExplorerTx{Status: "confirmed"})
	}
	if cache.Len() > 5 {
		t.Errorf("Len = %d, want <= maxEntries", cache.Len())
	}
}
