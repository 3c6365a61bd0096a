package security

import (
	"crypto/rand"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"

	"civicmesh/internal/domain"
)

const pairKeySize = 32

// PairKeysConfig bounds the pair-key cache.
type PairKeysConfig struct {
	// MaxPairs caps the number of cached keys. When a new pair would exceed
	// the cap, the least recently used key is evicted. 0 = unbounded.
	MaxPairs int
	// MaxIdle is the idle age after which a sweep rotates a key. 0 = never.
	MaxIdle time.Duration
	// MasterSecret, when set, makes key derivation deterministic per pair
	// (argon2id over master + canonical pair). When empty, keys are random.
	MasterSecret string
}

type pairKey struct {
	key      []byte
	lastUse  time.Time
	rotation int
}

// PairKeys implements domain.PairKeySource: one symmetric key per unordered
// pair of agent identifiers. First-use generation is serialized under the
// cache mutex, so concurrent first sends between the same pair observe a
// single key.
type PairKeys struct {
	mu   sync.Mutex
	keys map[string]*pairKey
	cfg  PairKeysConfig
	now  func() time.Time
}

// NewPairKeys creates a bounded pair-key cache.
func NewPairKeys(cfg PairKeysConfig) *PairKeys {
	return &PairKeys{
		keys: make(map[string]*pairKey),
		cfg:  cfg,
		now:  time.Now,
	}
}

// CanonicalPair returns the cache key for the unordered pair {a, b}:
// the two identifiers sorted and joined.
func CanonicalPair(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

// KeyFor returns the key for the unordered pair {a, b}, generating it on
// first use. created is decided under the cache mutex, so concurrent first
// uses report it exactly once. The returned slice is a copy; callers may not
// mutate cache state through it.
func (p *PairKeys) KeyFor(a, b string) ([]byte, bool, error) {
	if a == "" || b == "" {
		return nil, false, domain.NewSubSystemError("security", "PairKeys.KeyFor",
			domain.ErrInvalidInput, "both identifiers are required")
	}
	pair := CanonicalPair(a, b)

	p.mu.Lock()
	defer p.mu.Unlock()

	pk, ok := p.keys[pair]
	if !ok {
		key, err := p.generate(pair, 0)
		if err != nil {
			return nil, false, err
		}
		if p.cfg.MaxPairs > 0 && len(p.keys) >= p.cfg.MaxPairs {
			p.evictOldestLocked()
		}
		pk = &pairKey{key: key}
		p.keys[pair] = pk
	}
	pk.lastUse = p.now()

	out := make([]byte, len(pk.key))
	copy(out, pk.key)
	return out, !ok, nil
}

// Lookup returns the pair's key without generating one. Inbound decryption
// uses this so a message for an unknown pair never mints a key.
func (p *PairKeys) Lookup(a, b string) ([]byte, bool) {
	pair := CanonicalPair(a, b)

	p.mu.Lock()
	defer p.mu.Unlock()

	pk, ok := p.keys[pair]
	if !ok {
		return nil, false
	}
	pk.lastUse = p.now()

	out := make([]byte, len(pk.key))
	copy(out, pk.key)
	return out, true
}

// Rotate replaces the pair's key with a fresh one. Missing pairs are a no-op
// so rotation sweeps need not race against eviction.
func (p *PairKeys) Rotate(a, b string) error {
	pair := CanonicalPair(a, b)

	p.mu.Lock()
	defer p.mu.Unlock()

	pk, ok := p.keys[pair]
	if !ok {
		return nil
	}
	key, err := p.generate(pair, pk.rotation+1)
	if err != nil {
		return err
	}
	zero(pk.key)
	pk.key = key
	pk.rotation++
	return nil
}

// Evict drops the pair's key from the cache.
func (p *PairKeys) Evict(a, b string) {
	pair := CanonicalPair(a, b)

	p.mu.Lock()
	defer p.mu.Unlock()

	if pk, ok := p.keys[pair]; ok {
		zero(pk.key)
		delete(p.keys, pair)
	}
}

// Len returns the number of cached pair keys.
func (p *PairKeys) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.keys)
}

// SweepIdle rotates every key idle longer than cfg.MaxIdle and returns how
// many were rotated. Invoked on a schedule by the key rotator.
func (p *PairKeys) SweepIdle() int {
	if p.cfg.MaxIdle <= 0 {
		return 0
	}
	cutoff := p.now().Add(-p.cfg.MaxIdle)

	p.mu.Lock()
	defer p.mu.Unlock()

	rotated := 0
	for pair, pk := range p.keys {
		if pk.lastUse.After(cutoff) {
			continue
		}
		key, err := p.generate(pair, pk.rotation+1)
		if err != nil {
			continue
		}
		zero(pk.key)
		pk.key = key
		pk.rotation++
		rotated++
	}
	return rotated
}

// Zeroize clears all key bytes from memory. Call on shutdown.
func (p *PairKeys) Zeroize() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for pair, pk := range p.keys {
		zero(pk.key)
		delete(p.keys, pair)
	}
}

func (p *PairKeys) generate(pair string, rotation int) ([]byte, error) {
	if p.cfg.MasterSecret != "" {
		salt := fmt.Sprintf("%s#%d", pair, rotation)
		return argon2.IDKey([]byte(p.cfg.MasterSecret), []byte(salt), 1, 64*1024, 4, pairKeySize), nil
	}
	key := make([]byte, pairKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate pair key: %w", err)
	}
	return key, nil
}

func (p *PairKeys) evictOldestLocked() {
	var oldestPair string
	var oldest time.Time
	for pair, pk := range p.keys {
		if oldestPair == "" || pk.lastUse.Before(oldest) {
			oldestPair = pair
			oldest = pk.lastUse
		}
	}
	if oldestPair != "" {
		zero(p.keys[oldestPair].key)
		delete(p.keys, oldestPair)
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
