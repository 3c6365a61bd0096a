package security

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPairKeysSymmetric(t *testing.T) {
	p := NewPairKeys(PairKeysConfig{})

	k1, created, err := p.KeyFor("did:mesh:a", "did:mesh:b")
	if err != nil {
		t.Fatalf("KeyFor: %v", err)
	}
	if !created {
		t.Fatal("first use must report the key as created")
	}
	k2, created, err := p.KeyFor("did:mesh:b", "did:mesh:a")
	if err != nil {
		t.Fatalf("KeyFor reversed: %v", err)
	}
	if created {
		t.Fatal("the reverse direction must reuse the key, not create one")
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("both directions of a pair must share one key")
	}
	if p.Len() != 1 {
		t.Fatalf("expected one cached pair, got %d", p.Len())
	}
}

func TestPairKeysConcurrentFirstUse(t *testing.T) {
	p := NewPairKeys(PairKeysConfig{})

	const n = 16
	keys := make([][]byte, n)
	var createdCount atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			k, created, err := p.KeyFor("did:mesh:a", "did:mesh:b")
			if err != nil {
				t.Errorf("KeyFor: %v", err)
				return
			}
			if created {
				createdCount.Add(1)
			}
			keys[i] = k
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if !bytes.Equal(keys[0], keys[i]) {
			t.Fatal("concurrent first use must settle on exactly one key")
		}
	}
	if got := createdCount.Load(); got != 1 {
		t.Fatalf("exactly one caller may observe creation, got %d", got)
	}
	if p.Len() != 1 {
		t.Fatalf("expected one cached pair, got %d", p.Len())
	}
}

func TestPairKeysLookupDoesNotMint(t *testing.T) {
	p := NewPairKeys(PairKeysConfig{})

	if _, ok := p.Lookup("did:mesh:a", "did:mesh:b"); ok {
		t.Fatal("Lookup must not report a key for an unknown pair")
	}
	if p.Len() != 0 {
		t.Fatal("Lookup must not create cache entries")
	}

	want, _, _ := p.KeyFor("did:mesh:a", "did:mesh:b")
	got, ok := p.Lookup("did:mesh:b", "did:mesh:a")
	if !ok || !bytes.Equal(want, got) {
		t.Fatal("Lookup should return the existing pair key")
	}
}

func TestPairKeysRotate(t *testing.T) {
	p := NewPairKeys(PairKeysConfig{})

	before, _, _ := p.KeyFor("did:mesh:a", "did:mesh:b")
	if err := p.Rotate("did:mesh:a", "did:mesh:b"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	after, _, _ := p.KeyFor("did:mesh:a", "did:mesh:b")
	if bytes.Equal(before, after) {
		t.Fatal("rotation must replace the key")
	}

	// Rotating a pair that was never created is a no-op.
	if err := p.Rotate("did:mesh:x", "did:mesh:y"); err != nil {
		t.Fatalf("Rotate missing pair: %v", err)
	}
	if p.Len() != 1 {
		t.Fatal("rotating a missing pair must not create it")
	}
}

func TestPairKeysEvictionCap(t *testing.T) {
	p := NewPairKeys(PairKeysConfig{MaxPairs: 2})
	now := time.Now()
	p.now = func() time.Time { now = now.Add(time.Second); return now }

	_, _, _ = p.KeyFor("a", "b")
	_, _, _ = p.KeyFor("a", "c")
	_, _, _ = p.KeyFor("a", "d") // evicts {a,b}, the least recently used

	if p.Len() != 2 {
		t.Fatalf("cache must stay at cap, got %d", p.Len())
	}
	if _, ok := p.Lookup("a", "b"); ok {
		t.Fatal("least recently used pair should have been evicted")
	}
	if _, ok := p.Lookup("a", "d"); !ok {
		t.Fatal("newest pair must survive eviction")
	}
}

func TestPairKeysSweepIdle(t *testing.T) {
	p := NewPairKeys(PairKeysConfig{MaxIdle: time.Minute})
	base := time.Now()
	p.now = func() time.Time { return base }

	before, _, _ := p.KeyFor("a", "b")

	p.now = func() time.Time { return base.Add(2 * time.Minute) }
	if rotated := p.SweepIdle(); rotated != 1 {
		t.Fatalf("expected 1 rotation, got %d", rotated)
	}
	after, _, _ := p.KeyFor("a", "b")
	if bytes.Equal(before, after) {
		t.Fatal("idle sweep must rotate the key")
	}

	// A fresh key is not idle.
	if rotated := p.SweepIdle(); rotated != 0 {
		t.Fatalf("expected no rotation for a fresh key, got %d", rotated)
	}
}

func TestPairKeysDeterministicMaster(t *testing.T) {
	a := NewPairKeys(PairKeysConfig{MasterSecret: "master"})
	b := NewPairKeys(PairKeysConfig{MasterSecret: "master"})

	k1, _, _ := a.KeyFor("x", "y")
	k2, _, _ := b.KeyFor("y", "x")
	if !bytes.Equal(k1, k2) {
		t.Fatal("the same master secret must derive the same pair key")
	}

	other := NewPairKeys(PairKeysConfig{MasterSecret: "different"})
	k3, _, _ := other.KeyFor("x", "y")
	if bytes.Equal(k1, k3) {
		t.Fatal("different master secrets must derive different keys")
	}
}

func TestPairKeysRejectsEmptyIdentifier(t *testing.T) {
	p := NewPairKeys(PairKeysConfig{})
	if _, _, err := p.KeyFor("", "did:mesh:b"); err == nil {
		t.Fatal("empty identifier must be rejected")
	}
}
