// Package orchestrator drives the linear trust workflow that answers one
// citizen eligibility query: discover the collaborating agents, prove the
// citizen's identity, interpret the query into a rule set, request and
// selectively disclose credentials, evaluate, and generate guidance. Every
// transition is recorded both in the global audit ledger and in the
// per-query trace, and a failure at any step stops the workflow with the
// partial trace preserved.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"civicmesh/internal/domain"
	"civicmesh/internal/infra/tracer"
	"civicmesh/internal/usecase/directory"
	"civicmesh/internal/usecase/ledger"
	"civicmesh/internal/usecase/rules"
)

// Capability tags the workflow discovers collaborators by.
var (
	interpreterCaps = []string{"policy-analysis"}
	verifierCaps    = []string{"credential-verification", "eligibility-check"}
)

// Messenger is the slice of the secure channel the workflow needs: best
// effort step notifications between agents. The collaborator interfaces
// remain the authoritative call path.
type Messenger interface {
	Send(ctx context.Context, fromID, toID, msgType string, payload any) (string, error)
}

// Deps are the collaborators one workflow run consults.
type Deps struct {
	Directory   *directory.Directory
	Ledger      *ledger.Ledger
	Engine      *rules.Engine
	Interpreter domain.PolicyInterpreter
	Verifier    domain.CredentialVerifier
	Holder      domain.CredentialHolder
	Guide       domain.GuidanceGenerator
	Messenger   Messenger // optional
	Bus         domain.EventBus
}

// Orchestrator executes citizen queries. Safe for concurrent use; each run
// keeps its own trace.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	nowFunc func() time.Time
}

// New creates a workflow orchestrator.
func New(deps Deps, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		deps:    deps,
		logger:  logger,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		nowFunc: time.Now,
	}
}

// run carries the state of one query execution.
type run struct {
	queryID   string
	citizenID string
	query     string
	trace     []domain.TraceRecord
	result    domain.QueryResult
}

// Process answers one citizen query end to end. The returned result always
// carries the workflow trace, complete on success and partial on failure.
func (o *Orchestrator) Process(ctx context.Context, citizenID, query string) domain.QueryResult {
	ctx, span := tracer.StartSpan(ctx, "orchestrator.Process")
	defer span.End()

	r := &run{
		queryID:   o.newQueryID(),
		citizenID: citizenID,
		query:     query,
	}
	span.SetAttributes(tracer.StringAttr("query.id", r.queryID))
	o.publishEvent(domain.EventQueryStarted, r.queryID, nil)
	o.logger.Info("query started", "query_id", r.queryID, "citizen_id", citizenID)

	if err := o.execute(ctx, r); err != nil {
		tracer.RecordError(span, err)
		o.record(r, domain.StepFailed, domain.TraceFailed, err.Error(), nil)
		o.deps.Ledger.Log("workflow failed", citizenID, domain.AuditError,
			map[string]any{"query_id": r.queryID, "error": err.Error()})
		o.publishEvent(domain.EventQueryFailed, r.queryID, map[string]any{"error": err.Error()})

		r.result.Success = false
		r.result.Error = err.Error()
		r.result.Workflow = r.trace
		return r.result
	}

	tracer.SetOK(span)
	o.record(r, domain.StepDone, domain.TraceComplete, "workflow complete", nil)
	o.deps.Ledger.Log("workflow complete", citizenID, domain.AuditSuccess,
		map[string]any{"query_id": r.queryID})
	o.publishEvent(domain.EventQueryCompleted, r.queryID, nil)

	r.result.Success = true
	r.result.Workflow = r.trace
	return r.result
}

func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	if strings.TrimSpace(r.query) == "" {
		return domain.NewSubSystemError("orchestrator", "Orchestrator.Process",
			domain.ErrInvalidInput, "query is empty")
	}

	// Discover the policy interpreter.
	o.begin(r, domain.StepDiscovering, "locating policy interpreter")
	interpreters := o.deps.Directory.Discover(interpreterCaps, true)
	if len(interpreters) == 0 {
		return o.stepErr(r, domain.StepDiscovering, "no verified agent offers policy analysis", domain.ErrNotFound)
	}
	interpreterID := interpreters[0].ID
	o.complete(r, domain.StepDiscovering, "interpreter located", map[string]any{"agent_id": interpreterID})

	// Prove the citizen identity before touching any credential.
	o.begin(r, domain.StepIdentityVerifying, "verifying citizen identity")
	if !o.deps.Verifier.VerifyIdentity(ctx, r.citizenID) {
		return o.stepErr(r, domain.StepIdentityVerifying, "citizen identity could not be verified", domain.ErrIdentityProof)
	}
	o.complete(r, domain.StepIdentityVerifying, "identity verified", map[string]any{"citizen_id": r.citizenID})

	// Interpret the free-text query into a structured rule set.
	o.begin(r, domain.StepInterpreting, "interpreting query")
	o.notify(ctx, r.citizenID, interpreterID, "policy.interpret", map[string]string{
		"query_id": r.queryID, "query": r.query,
	})
	program, err := o.deps.Interpreter.Interpret(ctx, r.query)
	if err != nil {
		return o.stepErr(r, domain.StepInterpreting, "query interpretation failed", err)
	}
	if len(program.Criteria) == 0 {
		return o.stepErr(r, domain.StepInterpreting,
			fmt.Sprintf("no eligibility criteria for query %q", r.query), domain.ErrNotFound)
	}
	o.complete(r, domain.StepInterpreting, "policy program resolved", map[string]any{
		"program_id": program.ID, "criteria": len(program.Criteria),
	})

	// Discover the eligibility verifier.
	o.begin(r, domain.StepDiscoveringVerifier, "locating eligibility verifier")
	verifiers := o.deps.Directory.Discover(verifierCaps, true)
	if len(verifiers) == 0 {
		return o.stepErr(r, domain.StepDiscoveringVerifier, "no verified agent offers eligibility checks", domain.ErrNotFound)
	}
	verifierID := verifiers[0].ID
	o.complete(r, domain.StepDiscoveringVerifier, "verifier located", map[string]any{"agent_id": verifierID})

	// The verifier asks the holder for the minimal claim set.
	o.begin(r, domain.StepRequestingCredentials, "requesting credentials")
	request := domain.CredentialRequest{
		RequestedClaims: program.RequiredClaims,
		RequestedBy:     verifierID,
	}
	o.notify(ctx, verifierID, r.citizenID, "credential.request", request)
	r.result.CredentialRequest = &request
	o.complete(r, domain.StepRequestingCredentials, "credential request issued", map[string]any{
		"claims": request.RequestedClaims,
	})

	// Selective disclosure by the holder.
	o.begin(r, domain.StepDisclosing, "disclosing credentials")
	disclosure, err := o.deps.Holder.Disclose(ctx, request)
	if err != nil {
		return o.stepErr(r, domain.StepDisclosing, "credential disclosure failed", err)
	}
	o.notify(ctx, r.citizenID, verifierID, "credential.disclosure", disclosure)
	r.result.Disclosure = disclosure
	o.complete(r, domain.StepDisclosing, "credentials disclosed", map[string]any{
		"shared": disclosure.Shared, "withheld": disclosure.NotShared,
	})

	// Verify the disclosed set, then evaluate every rule.
	o.begin(r, domain.StepEvaluating, "evaluating eligibility")
	if !o.deps.Engine.VerifyCredentialSet(disclosure.Credentials) {
		return o.stepErr(r, domain.StepEvaluating, "disclosed credential set failed verification", domain.ErrCredentialInvalid)
	}
	evaluation := o.deps.Engine.EvaluateAll(program.Criteria, disclosure.Credentials, verifierID)
	r.result.EligibilityResult = &evaluation
	o.deps.Ledger.Log("eligibility decided", verifierID, domain.AuditSuccess, map[string]any{
		"query_id": r.queryID, "decision": evaluation.Decision, "program_id": program.ID,
	})
	o.complete(r, domain.StepEvaluating, "decision: "+evaluation.Decision, map[string]any{
		"decision": evaluation.Decision,
	})

	// Guidance for the decided query. A guidance fault downgrades to a
	// warning rather than discarding the decision already reached.
	o.begin(r, domain.StepGeneratingGuidance, "generating guidance")
	guidance, err := o.deps.Guide.Generate(ctx, evaluation)
	if err != nil {
		o.logger.Warn("guidance generation failed", "query_id", r.queryID, "error", err)
		o.deps.Ledger.Log("guidance failed", r.citizenID, domain.AuditWarning,
			map[string]any{"query_id": r.queryID, "error": err.Error()})
		o.record(r, domain.StepGeneratingGuidance, domain.TraceFailed, err.Error(), nil)
		return nil
	}
	r.result.EligibilityResult.NextSteps = guidance.Steps
	o.complete(r, domain.StepGeneratingGuidance, "guidance ready", map[string]any{
		"steps": len(guidance.Steps),
	})
	return nil
}

// begin records a step's started transition in both the trace and the ledger.
func (o *Orchestrator) begin(r *run, step domain.WorkflowStep, message string) {
	o.record(r, step, domain.TraceStarted, message, nil)
	o.deps.Ledger.Log(string(step), r.citizenID, domain.AuditInfo,
		map[string]any{"query_id": r.queryID})
}

func (o *Orchestrator) complete(r *run, step domain.WorkflowStep, message string, payload map[string]any) {
	o.record(r, step, domain.TraceComplete, message, payload)
}

// stepErr records the step's failed transition and returns the error that
// stops the workflow. Causes without a recognized error code are classified
// as a failed workflow step.
func (o *Orchestrator) stepErr(r *run, step domain.WorkflowStep, message string, cause error) error {
	o.record(r, step, domain.TraceFailed, message, nil)
	if domain.ErrorCodeOf(cause) == domain.CodeUnknown {
		cause = fmt.Errorf("%w: %v", domain.ErrStepFailed, cause)
	}
	return domain.NewSubSystemError("orchestrator", "step "+string(step), cause, message)
}

func (o *Orchestrator) record(r *run, step domain.WorkflowStep, status, message string, payload map[string]any) {
	rec := domain.TraceRecord{
		Step:    step,
		Status:  status,
		Message: message,
		At:      o.nowFunc(),
	}
	if payload != nil {
		rec.Payload, _ = json.Marshal(payload)
	}
	r.trace = append(r.trace, rec)
}

// notify sends a best-effort step notification between agents. Delivery
// faults are logged and never fail the step.
func (o *Orchestrator) notify(ctx context.Context, fromID, toID, msgType string, payload any) {
	if o.deps.Messenger == nil {
		return
	}
	if _, err := o.deps.Messenger.Send(ctx, fromID, toID, msgType, payload); err != nil {
		o.logger.Warn("step notification not delivered",
			"from", fromID, "to", toID, "type", msgType, "error", err)
	}
}

func (o *Orchestrator) publishEvent(eventType domain.EventType, queryID string, payload map[string]any) {
	if o.deps.Bus == nil {
		return
	}
	event := domain.Event{Type: eventType, Timestamp: o.nowFunc(), QueryID: queryID}
	if payload != nil {
		event.Payload, _ = json.Marshal(payload)
	}
	o.deps.Bus.Publish(context.Background(), event)
}

func (o *Orchestrator) newQueryID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), o.entropy).String()
}
