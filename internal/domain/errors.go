package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound     = fmt.Errorf("not found")
	ErrDuplicate    = fmt.Errorf("duplicate")
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
)

// Sentinel errors for the domain layer.
var (
	// Directory errors.
	ErrUnverifiedAgent = fmt.Errorf("agent descriptor is not verified")

	// Secure channel / transport errors.
	ErrTransportUnavailable = fmt.Errorf("transport unavailable")
	ErrTransportError       = fmt.Errorf("transport publish rejected")
	ErrUnknownChannel       = fmt.Errorf("no pair key for sender")
	ErrSignatureInvalid     = fmt.Errorf("envelope signature invalid")
	ErrNotConnected         = fmt.Errorf("channel not connected")

	// Credential / verification errors.
	ErrCredentialInvalid = fmt.Errorf("credential failed verification")
	ErrIdentityProof     = fmt.Errorf("agent identity proof failed")

	// Ledger errors.
	ErrLedgerInvalid = fmt.Errorf("ledger integrity violated")

	// Workflow errors.
	ErrStepFailed = fmt.Errorf("workflow step failed")

	// Startup errors.
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Directory.Register")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "directory", "channel")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for
// ErrorCode dispatch.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeDuplicate           ErrorCode = "DUPLICATE"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeUnverifiedAgent     ErrorCode = "UNVERIFIED_AGENT"
	CodeTransportUnavail    ErrorCode = "TRANSPORT_UNAVAILABLE"
	CodeTransportError      ErrorCode = "TRANSPORT_ERROR"
	CodeUnknownChannel      ErrorCode = "UNKNOWN_CHANNEL"
	CodeSignatureInvalid    ErrorCode = "SIGNATURE_INVALID"
	CodeNotConnected        ErrorCode = "NOT_CONNECTED"
	CodeCredentialInvalid   ErrorCode = "CREDENTIAL_INVALID"
	CodeIdentityProof       ErrorCode = "IDENTITY_PROOF"
	CodeLedgerInvalid       ErrorCode = "LEDGER_INVALID"
	CodeStepFailed          ErrorCode = "WORKFLOW_STEP_FAILED"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeAgentNotFound       ErrorCode = "AGENT_NOT_FOUND"
	CodeVerifierUnavailable ErrorCode = "VERIFIER_UNAVAILABLE"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:             CodeNotFound,
	ErrDuplicate:            CodeDuplicate,
	ErrTimeout:              CodeTimeout,
	ErrInvalidInput:         CodeInvalidInput,
	ErrUnverifiedAgent:      CodeUnverifiedAgent,
	ErrTransportUnavailable: CodeTransportUnavail,
	ErrTransportError:       CodeTransportError,
	ErrUnknownChannel:       CodeUnknownChannel,
	ErrSignatureInvalid:     CodeSignatureInvalid,
	ErrNotConnected:         CodeNotConnected,
	ErrCredentialInvalid:    CodeCredentialInvalid,
	ErrIdentityProof:        CodeIdentityProof,
	ErrLedgerInvalid:        CodeLedgerInvalid,
	ErrStepFailed:           CodeStepFailed,
	ErrConfigLoad:           CodeConfigLoad,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific codes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"directory":    CodeAgentNotFound,
		"orchestrator": CodeVerifierUnavailable,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}
