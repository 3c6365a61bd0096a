package domain

import (
	"context"
	"time"
)

// Credential is a signed claim set issued by an authority identifier.
// This core consumes credentials; it never issues them.
type Credential struct {
	Type              string         `json:"type"`
	Issuer            string         `json:"issuer"`
	IssuanceDate      time.Time      `json:"issuanceDate"`
	ExpirationDate    time.Time      `json:"expirationDate"`
	CredentialSubject map[string]any `json:"credentialSubject"`
	Signature         string         `json:"signature,omitempty"`
}

// Expired reports whether the credential's expiration is strictly before now.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpirationDate.IsZero() && c.ExpirationDate.Before(now)
}

// Operator is a comparison operator in an eligibility rule.
type Operator string

const (
	OpGTE Operator = ">="
	OpGT  Operator = ">"
	OpLTE Operator = "<="
	OpLT  Operator = "<"
	OpEQ  Operator = "=="
	OpNEQ Operator = "!="
)

// EligibilityRule is one declarative criterion evaluated against a claim.
type EligibilityRule struct {
	Criterion string   `json:"criterion"`
	Field     string   `json:"field"`
	Operator  Operator `json:"operator"`
	Value     any      `json:"value"`
}

// EvaluationStatus classifies the outcome of a single rule evaluation.
type EvaluationStatus string

const (
	EvalSatisfied    EvaluationStatus = "satisfied"
	EvalNotSatisfied EvaluationStatus = "not_satisfied"
	EvalError        EvaluationStatus = "error"
)

// RuleEvaluation is the per-rule record inside an EligibilityResult.
type RuleEvaluation struct {
	Criterion     string           `json:"criterion"`
	Status        EvaluationStatus `json:"status"`
	Verified      bool             `json:"verified"`
	ActualValue   any              `json:"actualValue,omitempty"`
	RequiredValue any              `json:"requiredValue,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

// Decision strings for EligibilityResult.
const (
	DecisionEligible    = "Eligible"
	DecisionNotEligible = "Not Eligible"
)

// EligibilityResult is the rule engine's verdict over a full rule set.
// Evaluations preserve input rule order.
type EligibilityResult struct {
	Decision    string           `json:"decision"`
	Evaluations []RuleEvaluation `json:"evaluations"`
	VerifiedBy  string           `json:"verifiedBy"`
	Timestamp   time.Time        `json:"timestamp"`
	NextSteps   []string         `json:"nextSteps,omitempty"`
}

// CredentialRequest names the minimal claim set a verifier asks a holder for.
type CredentialRequest struct {
	RequestedClaims []string `json:"requestedClaims"`
	RequestedBy     string   `json:"requestedBy"`
}

// Disclosure is the holder's selective-disclosure response: only the
// requested claims are revealed, everything else is reported withheld.
type Disclosure struct {
	Shared      []string     `json:"shared"`
	NotShared   []string     `json:"notShared"`
	Credentials []Credential `json:"credentials"`
	DisclosedBy string       `json:"disclosedBy"`
}

// CredentialHolder is the holder side of selective disclosure: asked for a
// claim set, it reveals only what was requested and reports the rest
// withheld.
type CredentialHolder interface {
	Disclose(ctx context.Context, req CredentialRequest) (*Disclosure, error)
}

// CredentialVerifier is the external verification capability this core
// consumes. Real public-key infrastructure lives behind it.
type CredentialVerifier interface {
	// VerifyCredential reports whether the credential's proof is acceptable.
	VerifyCredential(ctx context.Context, cred Credential) bool
	// VerifyIdentity reports whether the identifier resolves to a known,
	// trusted agent identity.
	VerifyIdentity(ctx context.Context, id string) bool
}
