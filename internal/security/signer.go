package security

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"

	"civicmesh/internal/domain"
)

// Ed25519Signer implements domain.Signer with per-identity Ed25519 key pairs.
// Keys are derived deterministically from each agent's configured seed, so an
// identity signs the same way across restarts without persisted key material.
type Ed25519Signer struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PrivateKey
}

// NewEd25519Signer creates an empty signer keyring.
func NewEd25519Signer() *Ed25519Signer {
	return &Ed25519Signer{keys: make(map[string]ed25519.PrivateKey)}
}

// AddIdentity derives and stores a key pair for identity from seed.
// Returns domain.ErrDuplicate if the identity already has a key.
func (s *Ed25519Signer) AddIdentity(identity, seed string) error {
	if identity == "" || seed == "" {
		return domain.NewSubSystemError("security", "Ed25519Signer.AddIdentity",
			domain.ErrInvalidInput, "identity and seed are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[identity]; exists {
		return domain.NewSubSystemError("security", "Ed25519Signer.AddIdentity",
			domain.ErrDuplicate, identity)
	}
	s.keys[identity] = ed25519.NewKeyFromSeed(deriveSeed(seed, identity))
	return nil
}

// PublicKey returns the identity's public key, or domain.ErrNotFound.
func (s *Ed25519Signer) PublicKey(identity string) (ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	priv, ok := s.keys[identity]
	if !ok {
		return nil, domain.NewSubSystemError("security", "Ed25519Signer.PublicKey",
			domain.ErrNotFound, identity)
	}
	return priv.Public().(ed25519.PublicKey), nil
}

// Sign produces an Ed25519 signature over data bound to identity.
func (s *Ed25519Signer) Sign(data []byte, identity string) ([]byte, error) {
	s.mu.RLock()
	priv, ok := s.keys[identity]
	s.mu.RUnlock()

	if !ok {
		return nil, domain.NewSubSystemError("security", "Ed25519Signer.Sign",
			domain.ErrNotFound, identity)
	}
	return ed25519.Sign(priv, data), nil
}

// Verify reports whether sig is a valid signature over data for identity.
// Unknown identities never verify.
func (s *Ed25519Signer) Verify(data []byte, sig []byte, identity string) bool {
	s.mu.RLock()
	priv, ok := s.keys[identity]
	s.mu.RUnlock()

	if !ok || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(priv.Public().(ed25519.PublicKey), data, sig)
}

// deriveSeed stretches an agent secret into a 32-byte Ed25519 seed.
// The identity is mixed in as salt so two agents sharing a secret still get
// distinct keys.
func deriveSeed(secret, identity string) []byte {
	return argon2.IDKey([]byte(secret), []byte(identity), 1, 64*1024, 4, ed25519.SeedSize)
}

// HMACSigner is the demonstration-grade signer: a keyed SHA-256 digest over
// the canonical bytes. It satisfies domain.Signer so envelope logic can be
// exercised without asymmetric keys, but it is not a security boundary:
// anyone holding the shared key can forge signatures.
type HMACSigner struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewHMACSigner creates an empty HMAC signer.
func NewHMACSigner() *HMACSigner {
	return &HMACSigner{secrets: make(map[string][]byte)}
}

// AddIdentity registers the shared secret for an identity.
func (s *HMACSigner) AddIdentity(identity, secret string) error {
	if identity == "" || secret == "" {
		return domain.NewSubSystemError("security", "HMACSigner.AddIdentity",
			domain.ErrInvalidInput, "identity and secret are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[identity] = []byte(secret)
	return nil
}

// Sign produces an HMAC-SHA256 digest over data keyed by the identity secret.
func (s *HMACSigner) Sign(data []byte, identity string) ([]byte, error) {
	s.mu.RLock()
	secret, ok := s.secrets[identity]
	s.mu.RUnlock()

	if !ok {
		return nil, domain.NewSubSystemError("security", "HMACSigner.Sign",
			domain.ErrNotFound, identity)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(data)
	return mac.Sum(nil), nil
}

// Verify recomputes the digest for identity and compares in constant time.
func (s *HMACSigner) Verify(data []byte, sig []byte, identity string) bool {
	expected, err := s.Sign(data, identity)
	if err != nil {
		return false
	}
	return hmac.Equal(expected, sig)
}

// Keyring is a domain.Signer that can enroll identities from configured
// secrets at startup.
type Keyring interface {
	domain.Signer
	AddIdentity(identity, secret string) error
}

// NewSigner builds a Keyring by mode name ("ed25519" or "hmac").
func NewSigner(mode string) (Keyring, error) {
	switch mode {
	case "", "ed25519":
		return NewEd25519Signer(), nil
	case "hmac":
		return NewHMACSigner(), nil
	default:
		return nil, fmt.Errorf("unsupported signer mode %q", mode)
	}
}
