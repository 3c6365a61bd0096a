package domain

import (
	"context"
	"encoding/json"
	"time"
)

// WorkflowStep names one state in the linear trust workflow.
type WorkflowStep string

const (
	StepDiscovering           WorkflowStep = "discovering"
	StepIdentityVerifying     WorkflowStep = "identity_verifying"
	StepInterpreting          WorkflowStep = "interpreting"
	StepDiscoveringVerifier   WorkflowStep = "discovering_verifier"
	StepRequestingCredentials WorkflowStep = "requesting_credentials"
	StepDisclosing            WorkflowStep = "disclosing"
	StepEvaluating            WorkflowStep = "evaluating"
	StepGeneratingGuidance    WorkflowStep = "generating_guidance"
	StepDone                  WorkflowStep = "done"
	StepFailed                WorkflowStep = "failed"
)

// Trace record statuses.
const (
	TraceStarted  = "started"
	TraceComplete = "complete"
	TraceFailed   = "failed"
)

// TraceRecord is one workflow-trace entry: the causal record of a single
// query, independent of the ledger's global ordering.
type TraceRecord struct {
	Step    WorkflowStep    `json:"step"`
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// QueryResult is the structured outcome of one citizen query. The trace is
// always populated, complete or partial, so the caller can replay the
// workflow regardless of outcome.
type QueryResult struct {
	Success           bool               `json:"success"`
	Error             string             `json:"error,omitempty"`
	Workflow          []TraceRecord      `json:"workflow"`
	CredentialRequest *CredentialRequest `json:"credentialRequest,omitempty"`
	Disclosure        *Disclosure        `json:"disclosure,omitempty"`
	EligibilityResult *EligibilityResult `json:"eligibilityResult,omitempty"`
}

// PolicyProgram is the structured rule set produced by the external policy
// interpreter from a free-text query.
type PolicyProgram struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	Summary        string            `json:"summary"`
	Criteria       []EligibilityRule `json:"eligibilityCriteria"`
	RequiredClaims []string          `json:"requiredClaims"`
}

// Guidance is the application guidance generated for a decided query.
type Guidance struct {
	Decision    string   `json:"decision"`
	Steps       []string `json:"steps"`
	Documents   []string `json:"documents,omitempty"`
	Timeline    string   `json:"timeline,omitempty"`
	GeneratedBy string   `json:"generatedBy"`
}

// PolicyInterpreter turns a free-text query into a structured rule set.
// External collaborator: specified here only at its interface.
type PolicyInterpreter interface {
	Interpret(ctx context.Context, query string) (*PolicyProgram, error)
}

// GuidanceGenerator produces next-step guidance for a decided query.
// External collaborator: specified here only at its interface.
type GuidanceGenerator interface {
	Generate(ctx context.Context, result EligibilityResult) (*Guidance, error)
}
