package security

import (
	"context"
	"strings"
	"sync"
	"time"

	"civicmesh/internal/domain"
)

// DefaultIssuerScheme is the authority-identifier prefix credentials must
// carry. Mirrors the decentralized-identifier scheme used for agent IDs.
const DefaultIssuerScheme = "did:"

// StaticVerifier is a demonstration domain.CredentialVerifier: it accepts a
// credential when it carries a signature, a scheme-conforming issuer, and an
// unexpired expiration date, and it resolves identities against a fixed
// trusted set enrolled at startup. Real credential-issuance infrastructure
// replaces this behind the same interface.
type StaticVerifier struct {
	mu           sync.RWMutex
	trusted      map[string]bool
	issuerScheme string
	now          func() time.Time
}

// NewStaticVerifier creates a verifier with the given issuer scheme
// (empty = DefaultIssuerScheme).
func NewStaticVerifier(issuerScheme string) *StaticVerifier {
	if issuerScheme == "" {
		issuerScheme = DefaultIssuerScheme
	}
	return &StaticVerifier{
		trusted:      make(map[string]bool),
		issuerScheme: issuerScheme,
		now:          time.Now,
	}
}

// Trust enrolls an identifier as a known, trusted identity.
func (v *StaticVerifier) Trust(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.trusted[id] = true
}

// VerifyCredential reports whether the credential's proof is acceptable.
func (v *StaticVerifier) VerifyCredential(_ context.Context, cred domain.Credential) bool {
	if cred.Signature == "" {
		return false
	}
	if !strings.HasPrefix(cred.Issuer, v.issuerScheme) {
		return false
	}
	return !cred.Expired(v.now())
}

// VerifyIdentity reports whether id was enrolled via Trust.
func (v *StaticVerifier) VerifyIdentity(_ context.Context, id string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.trusted[id]
}
