package domain

import "time"

// AuditStatus classifies a ledger entry's outcome.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditError   AuditStatus = "error"
	AuditWarning AuditStatus = "warning"
	AuditInfo    AuditStatus = "info"
)

// ValidAuditStatus reports whether s is one of the four known statuses.
func ValidAuditStatus(s AuditStatus) bool {
	switch s {
	case AuditSuccess, AuditError, AuditWarning, AuditInfo:
		return true
	}
	return false
}

// AuditEntry is one timestamped, attributed action in the ledger.
// Timestamps are monotonically non-decreasing across the full log.
type AuditEntry struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Agent     string         `json:"agent"`
	Action    string         `json:"action"`
	Status    AuditStatus    `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// LedgerStats summarizes the current ledger snapshot.
type LedgerStats struct {
	Total    int                 `json:"total"`
	ByAgent  map[string]int      `json:"by_agent"`
	ByStatus map[AuditStatus]int `json:"by_status"`
	First    time.Time           `json:"first,omitempty"`
	Last     time.Time           `json:"last,omitempty"`
}
