// Package rules implements the stateless eligibility rule engine. Rules are
// evaluated independently against a credential set; every internal fault is
// contained in the per-rule record and the overall decision is the
// conjunction of all evaluations.
package rules

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"civicmesh/internal/domain"
)

// Options tune matching and comparison behavior.
type Options struct {
	// CompatMatch enables the substring fallback when locating a credential
	// for a rule field: after the exact type match and the subject lookup
	// both fail, a credential whose type contains the field, or vice versa,
	// is accepted. Off by default because loose matching is a correctness
	// risk with similarly-named claims.
	CompatMatch bool
	// CoerceEqual makes == and != compare the string renderings of both
	// operands, replicating the loosely-typed behavior of older rule
	// authors. Off by default: strict-typed comparison.
	CoerceEqual bool
	// IssuerScheme is the required authority-identifier prefix for
	// VerifyCredentialSet. Empty means "did:".
	IssuerScheme string
}

// Engine evaluates declarative eligibility rules. It holds no per-query
// state and is safe for concurrent use.
type Engine struct {
	opts    Options
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates a rule engine.
func New(opts Options, logger *slog.Logger) *Engine {
	if opts.IssuerScheme == "" {
		opts.IssuerScheme = "did:"
	}
	return &Engine{opts: opts, logger: logger, nowFunc: time.Now}
}

// Evaluate applies one rule against the credential set. Faults never
// propagate: a missing credential or claim yields not_satisfied with a
// reason, and any internal fault yields an error-status record.
func (e *Engine) Evaluate(rule domain.EligibilityRule, credentials []domain.Credential) (eval domain.RuleEvaluation) {
	eval = domain.RuleEvaluation{Criterion: rule.Criterion}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule evaluation fault", "criterion", rule.Criterion, "panic", r)
			eval = domain.RuleEvaluation{
				Criterion: rule.Criterion,
				Status:    domain.EvalError,
				Verified:  false,
				Reason:    fmt.Sprintf("internal fault: %v", r),
			}
		}
	}()

	cred, ok := e.matchCredential(rule.Field, credentials)
	if !ok {
		eval.Status = domain.EvalNotSatisfied
		eval.Reason = "missing credential"
		return eval
	}

	actual, ok := cred.CredentialSubject[rule.Field]
	if !ok {
		eval.Status = domain.EvalNotSatisfied
		eval.Reason = "missing field"
		return eval
	}

	eval.ActualValue = actual
	eval.RequiredValue = rule.Value
	eval.Verified = true

	satisfied, reason := e.compare(rule.Operator, actual, rule.Value)
	if reason != "" {
		eval.Reason = reason
	}
	if satisfied {
		eval.Status = domain.EvalSatisfied
	} else {
		eval.Status = domain.EvalNotSatisfied
	}
	return eval
}

// EvaluateAll evaluates every rule independently, no short-circuit, and
// decides Eligible iff every evaluation is satisfied. An error-status
// evaluation counts as not satisfied for the decision but stays visible in
// the record.
func (e *Engine) EvaluateAll(ruleSet []domain.EligibilityRule, credentials []domain.Credential, verifiedBy string) domain.EligibilityResult {
	evaluations := make([]domain.RuleEvaluation, 0, len(ruleSet))
	allSatisfied := true
	for _, rule := range ruleSet {
		eval := e.Evaluate(rule, credentials)
		if eval.Status != domain.EvalSatisfied {
			allSatisfied = false
		}
		evaluations = append(evaluations, eval)
	}

	decision := domain.DecisionNotEligible
	if allSatisfied {
		decision = domain.DecisionEligible
	}
	return domain.EligibilityResult{
		Decision:    decision,
		Evaluations: evaluations,
		VerifiedBy:  verifiedBy,
		Timestamp:   e.nowFunc(),
	}
}

// VerifyCredentialSet is the precondition gate before EvaluateAll: it
// reports false if any credential lacks a signature, lacks a
// scheme-conforming issuer, or has expired. It never raises.
func (e *Engine) VerifyCredentialSet(credentials []domain.Credential) bool {
	now := e.nowFunc()
	for _, cred := range credentials {
		if cred.Signature == "" {
			e.logger.Warn("credential rejected: no signature", "type", cred.Type)
			return false
		}
		if !strings.HasPrefix(cred.Issuer, e.opts.IssuerScheme) {
			e.logger.Warn("credential rejected: issuer scheme", "type", cred.Type, "issuer", cred.Issuer)
			return false
		}
		if cred.Expired(now) {
			e.logger.Warn("credential rejected: expired", "type", cred.Type)
			return false
		}
	}
	return true
}

// matchCredential locates the credential backing a rule field: exact
// case-insensitive type match first, then the first credential whose subject
// carries the field. A selectively disclosed credential keeps the holder's
// credential type while carrying several claims, so the subject lookup is
// what resolves multi-claim programs. Substring type matching is the last
// fallback, only in compat mode.
func (e *Engine) matchCredential(field string, credentials []domain.Credential) (domain.Credential, bool) {
	for _, cred := range credentials {
		if strings.EqualFold(cred.Type, field) {
			return cred, true
		}
	}
	for _, cred := range credentials {
		if _, ok := cred.CredentialSubject[field]; ok {
			return cred, true
		}
	}
	if !e.opts.CompatMatch {
		return domain.Credential{}, false
	}
	lowField := strings.ToLower(field)
	for _, cred := range credentials {
		lowType := strings.ToLower(cred.Type)
		if strings.Contains(lowType, lowField) || strings.Contains(lowField, lowType) {
			return cred, true
		}
	}
	return domain.Credential{}, false
}
