package network

import (
	"context"
	"sort"

	"civicmesh/internal/domain"
)

// holder implements selective disclosure over the agent's own credential:
// the disclosed copy carries only the requested claims, every other claim
// is reported withheld, and the original credential is never mutated.
type holder struct {
	agent *Agent
}

func (h *holder) Disclose(_ context.Context, req domain.CredentialRequest) (*domain.Disclosure, error) {
	if h.agent.credential == nil {
		return nil, domain.NewSubSystemError("network", "holder.Disclose",
			domain.ErrCredentialInvalid, h.agent.ID+" holds no credential")
	}
	cred := *h.agent.credential

	requested := make(map[string]bool, len(req.RequestedClaims))
	for _, claim := range req.RequestedClaims {
		requested[claim] = true
	}

	// Shared follows request order; withheld claims are sorted so the
	// disclosure record is deterministic.
	disclosure := &domain.Disclosure{DisclosedBy: h.agent.ID}
	subject := make(map[string]any, len(req.RequestedClaims))
	for _, claim := range req.RequestedClaims {
		if value, ok := cred.CredentialSubject[claim]; ok {
			subject[claim] = value
			disclosure.Shared = append(disclosure.Shared, claim)
		}
	}
	for claim := range cred.CredentialSubject {
		if !requested[claim] {
			disclosure.NotShared = append(disclosure.NotShared, claim)
		}
	}
	sort.Strings(disclosure.NotShared)

	disclosed := cred
	disclosed.CredentialSubject = subject
	disclosure.Credentials = []domain.Credential{disclosed}

	h.agent.logger.Debug("selective disclosure",
		"requested_by", req.RequestedBy, "shared", disclosure.Shared, "withheld", disclosure.NotShared)
	return disclosure, nil
}
