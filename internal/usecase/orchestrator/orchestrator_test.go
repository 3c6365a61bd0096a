package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"civicmesh/internal/domain"
	"civicmesh/internal/usecase/directory"
	"civicmesh/internal/usecase/ledger"
	"civicmesh/internal/usecase/rules"
)

// --- Test helpers ---

type stubInterpreter struct {
	program *domain.PolicyProgram
	err     error
}

func (s *stubInterpreter) Interpret(_ context.Context, _ string) (*domain.PolicyProgram, error) {
	return s.program, s.err
}

type stubVerifier struct {
	identityOK bool
}

func (s *stubVerifier) VerifyCredential(_ context.Context, _ domain.Credential) bool { return true }
func (s *stubVerifier) VerifyIdentity(_ context.Context, _ string) bool              { return s.identityOK }

type stubHolder struct {
	disclosure *domain.Disclosure
	err        error
}

func (s *stubHolder) Disclose(_ context.Context, _ domain.CredentialRequest) (*domain.Disclosure, error) {
	return s.disclosure, s.err
}

type stubGuide struct {
	err error
}

func (s *stubGuide) Generate(_ context.Context, result domain.EligibilityResult) (*domain.Guidance, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Guidance{
		Decision:    result.Decision,
		Steps:       []string{"submit application"},
		GeneratedBy: "did:mesh:guide",
	}, nil
}

func incomeProgram() *domain.PolicyProgram {
	return &domain.PolicyProgram{
		ID:   "childcare-subsidy",
		Name: "Childcare Subsidy",
		Criteria: []domain.EligibilityRule{{
			Criterion: "income at or below threshold",
			Field:     "income",
			Operator:  domain.OpLTE,
			Value:     45000,
		}},
		RequiredClaims: []string{"income"},
	}
}

func incomeDisclosure(income float64) *domain.Disclosure {
	return &domain.Disclosure{
		Shared:      []string{"income"},
		DisclosedBy: "did:mesh:citizen",
		Credentials: []domain.Credential{{
			Type:              "income",
			Issuer:            "did:gov:revenue",
			ExpirationDate:    time.Now().Add(24 * time.Hour),
			CredentialSubject: map[string]any{"income": income},
			Signature:         "sig",
		}},
	}
}

type testDeps struct {
	deps   Deps
	ledger *ledger.Ledger
}

func newTestDeps(t *testing.T) *testDeps {
	t.Helper()

	dir := directory.New(nil, slog.Default())
	register := func(id string, caps ...string) {
		_, err := dir.Register(domain.AgentDescriptor{
			ID: id, Name: id, Capabilities: caps, Verified: true,
		})
		if err != nil {
			t.Fatalf("Register(%s): %v", id, err)
		}
	}
	register("did:mesh:interpreter", "policy-analysis", "rag")
	register("did:mesh:verifier", "credential-verification", "eligibility-check", "rule-engine")
	register("did:mesh:citizen", "identity-management", "credential-holder")

	led := ledger.New(100, nil, slog.Default())
	return &testDeps{
		deps: Deps{
			Directory:   dir,
			Ledger:      led,
			Engine:      rules.New(rules.Options{}, slog.Default()),
			Interpreter: &stubInterpreter{program: incomeProgram()},
			Verifier:    &stubVerifier{identityOK: true},
			Holder:      &stubHolder{disclosure: incomeDisclosure(30000)},
			Guide:       &stubGuide{},
		},
		ledger: led,
	}
}

func steps(trace []domain.TraceRecord) []domain.WorkflowStep {
	var out []domain.WorkflowStep
	for _, rec := range trace {
		out = append(out, rec.Step)
	}
	return out
}

func lastRecord(t *testing.T, result domain.QueryResult) domain.TraceRecord {
	t.Helper()
	if len(result.Workflow) == 0 {
		t.Fatal("trace is empty")
	}
	return result.Workflow[len(result.Workflow)-1]
}

func TestProcessEligible(t *testing.T) {
	td := newTestDeps(t)
	o := New(td.deps, slog.Default())

	result := o.Process(context.Background(), "did:mesh:citizen", "Am I eligible for the childcare subsidy?")
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.EligibilityResult == nil || result.EligibilityResult.Decision != domain.DecisionEligible {
		t.Fatalf("unexpected eligibility result %+v", result.EligibilityResult)
	}
	if result.CredentialRequest == nil || result.CredentialRequest.RequestedBy != "did:mesh:verifier" {
		t.Fatalf("unexpected credential request %+v", result.CredentialRequest)
	}
	if result.Disclosure == nil || result.Disclosure.DisclosedBy != "did:mesh:citizen" {
		t.Fatalf("unexpected disclosure %+v", result.Disclosure)
	}
	if len(result.EligibilityResult.NextSteps) == 0 {
		t.Fatal("guidance steps should be attached to the result")
	}

	last := lastRecord(t, result)
	if last.Step != domain.StepDone || last.Status != domain.TraceComplete {
		t.Fatalf("trace should end with done/complete, got %+v", last)
	}

	// Every workflow step appears in the trace.
	seen := make(map[domain.WorkflowStep]bool)
	for _, s := range steps(result.Workflow) {
		seen[s] = true
	}
	for _, want := range []domain.WorkflowStep{
		domain.StepDiscovering, domain.StepIdentityVerifying, domain.StepInterpreting,
		domain.StepDiscoveringVerifier, domain.StepRequestingCredentials,
		domain.StepDisclosing, domain.StepEvaluating, domain.StepGeneratingGuidance,
		domain.StepDone,
	} {
		if !seen[want] {
			t.Fatalf("step %s missing from trace %v", want, steps(result.Workflow))
		}
	}
}

func TestProcessMultiClaimProgram(t *testing.T) {
	td := newTestDeps(t)
	td.deps.Interpreter = &stubInterpreter{program: &domain.PolicyProgram{
		ID:   "childcare-subsidy",
		Name: "Childcare Subsidy",
		Criteria: []domain.EligibilityRule{
			{Criterion: "household income at or below threshold", Field: "income", Operator: domain.OpLTE, Value: 45000},
			{Criterion: "resident of the service area", Field: "residency", Operator: domain.OpEQ, Value: "resident"},
			{Criterion: "at least one child under six", Field: "childAge", Operator: domain.OpLT, Value: 6},
		},
		RequiredClaims: []string{"income", "residency", "childAge"},
	}}
	// One disclosed credential carries all three claims, the shape a
	// selective disclosure produces.
	td.deps.Holder = &stubHolder{disclosure: &domain.Disclosure{
		Shared:      []string{"income", "residency", "childAge"},
		DisclosedBy: "did:mesh:citizen",
		Credentials: []domain.Credential{{
			Type:           "income",
			Issuer:         "did:gov:revenue",
			ExpirationDate: time.Now().Add(24 * time.Hour),
			CredentialSubject: map[string]any{
				"income": 30000.0, "residency": "resident", "childAge": 4.0,
			},
			Signature: "sig",
		}},
	}}
	o := New(td.deps, slog.Default())

	result := o.Process(context.Background(), "did:mesh:citizen", "childcare")
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.EligibilityResult.Decision != domain.DecisionEligible {
		t.Fatalf("decision = %q, evaluations %+v",
			result.EligibilityResult.Decision, result.EligibilityResult.Evaluations)
	}
	for _, eval := range result.EligibilityResult.Evaluations {
		if eval.Status != domain.EvalSatisfied {
			t.Fatalf("criterion %q not satisfied: %s", eval.Criterion, eval.Reason)
		}
	}
}

func TestProcessNotEligible(t *testing.T) {
	td := newTestDeps(t)
	td.deps.Holder = &stubHolder{disclosure: incomeDisclosure(90000)}
	o := New(td.deps, slog.Default())

	result := o.Process(context.Background(), "did:mesh:citizen", "childcare")
	if !result.Success {
		t.Fatalf("an ineligible decision is still a successful workflow: %q", result.Error)
	}
	if result.EligibilityResult.Decision != domain.DecisionNotEligible {
		t.Fatalf("decision = %q", result.EligibilityResult.Decision)
	}
}

func TestProcessEmptyQuery(t *testing.T) {
	td := newTestDeps(t)
	o := New(td.deps, slog.Default())

	result := o.Process(context.Background(), "did:mesh:citizen", "   ")
	if result.Success {
		t.Fatal("empty query must fail")
	}
	if last := lastRecord(t, result); last.Step != domain.StepFailed {
		t.Fatalf("trace should end with the failed step, got %+v", last)
	}
}

func TestProcessIdentityFailureAborts(t *testing.T) {
	td := newTestDeps(t)
	td.deps.Verifier = &stubVerifier{identityOK: false}
	o := New(td.deps, slog.Default())

	result := o.Process(context.Background(), "did:mesh:impostor", "childcare")
	if result.Success {
		t.Fatal("unverified identity must fail the workflow")
	}
	for _, s := range steps(result.Workflow) {
		if s == domain.StepInterpreting {
			t.Fatal("workflow must stop before interpretation when identity fails")
		}
	}
	if result.Disclosure != nil || result.EligibilityResult != nil {
		t.Fatal("no credential data may flow after an identity failure")
	}
}

func TestProcessNoVerifierAgent(t *testing.T) {
	td := newTestDeps(t)
	if err := td.deps.Directory.Unregister("did:mesh:verifier"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	o := New(td.deps, slog.Default())

	result := o.Process(context.Background(), "did:mesh:citizen", "childcare")
	if result.Success {
		t.Fatal("missing verifier must fail the workflow")
	}
	// The partial trace still covers everything up to the failure.
	got := steps(result.Workflow)
	if got[len(got)-1] != domain.StepFailed {
		t.Fatalf("trace should end with failed, got %v", got)
	}
	var sawVerifierDiscovery bool
	for _, s := range got {
		if s == domain.StepDiscoveringVerifier {
			sawVerifierDiscovery = true
		}
	}
	if !sawVerifierDiscovery {
		t.Fatal("the failing step itself must appear in the trace")
	}
}

func TestProcessInterpreterError(t *testing.T) {
	td := newTestDeps(t)
	td.deps.Interpreter = &stubInterpreter{err: errors.New("no model available")}
	o := New(td.deps, slog.Default())

	result := o.Process(context.Background(), "did:mesh:citizen", "childcare")
	if result.Success {
		t.Fatal("interpreter failure must fail the workflow")
	}
	if result.Error == "" {
		t.Fatal("the result must carry the failure message")
	}
	// An unclassified collaborator fault is reported as a failed step.
	if !strings.Contains(result.Error, domain.ErrStepFailed.Error()) {
		t.Fatalf("error %q should classify as a failed workflow step", result.Error)
	}
}

func TestProcessGuidanceFailureKeepsDecision(t *testing.T) {
	td := newTestDeps(t)
	td.deps.Guide = &stubGuide{err: errors.New("template broken")}
	o := New(td.deps, slog.Default())

	result := o.Process(context.Background(), "did:mesh:citizen", "childcare")
	if !result.Success {
		t.Fatalf("a guidance fault must not discard the decision: %q", result.Error)
	}
	if result.EligibilityResult == nil || result.EligibilityResult.Decision != domain.DecisionEligible {
		t.Fatal("decision must survive a guidance fault")
	}
	if len(result.EligibilityResult.NextSteps) != 0 {
		t.Fatal("no guidance steps should be attached after a guidance fault")
	}
}

func TestProcessWritesLedgerEntries(t *testing.T) {
	td := newTestDeps(t)
	o := New(td.deps, slog.Default())

	_ = o.Process(context.Background(), "did:mesh:citizen", "childcare")

	if len(td.ledger.Search("workflow complete")) != 1 {
		t.Fatal("completion must be recorded in the ledger")
	}
	if len(td.ledger.Search("eligibility decided")) != 1 {
		t.Fatal("the decision must be recorded in the ledger")
	}
}

func TestProcessDistinctQueryIDs(t *testing.T) {
	td := newTestDeps(t)
	o := New(td.deps, slog.Default())

	_ = o.Process(context.Background(), "did:mesh:citizen", "childcare")
	_ = o.Process(context.Background(), "did:mesh:citizen", "childcare")

	entries := td.ledger.Search("workflow complete")
	if len(entries) != 2 {
		t.Fatalf("expected 2 completions, got %d", len(entries))
	}
	id1 := entries[0].Metadata["query_id"]
	id2 := entries[1].Metadata["query_id"]
	if id1 == "" || id1 == id2 {
		t.Fatalf("query ids must be distinct, got %v and %v", id1, id2)
	}
}
