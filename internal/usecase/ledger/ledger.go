// Package ledger implements the append-only audit ledger: a bounded,
// tamper-evident record of every attributed action in the agent network.
// When capacity is exceeded the oldest entries are discarded, so the ledger
// always holds the most recent N entries.
package ledger

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"civicmesh/internal/domain"
)

// Ledger is the in-memory ring-buffer audit log. All mutation happens under
// a single mutex; query methods operate on a defensive snapshot.
type Ledger struct {
	mu       sync.RWMutex
	entries  []domain.AuditEntry
	capacity int
	entropy  *ulid.MonotonicEntropy
	bus      domain.EventBus
	logger   *slog.Logger
	nowFunc  func() time.Time
}

// New creates a ledger holding at most capacity entries. bus may be nil.
func New(capacity int, bus domain.EventBus, logger *slog.Logger) *Ledger {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ledger{
		entries:  make([]domain.AuditEntry, 0, capacity),
		capacity: capacity,
		entropy:  ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
		bus:      bus,
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Log appends an entry with a fresh id and the current timestamp, evicting
// from the front when capacity would be exceeded. Timestamps are clamped to
// be monotonically non-decreasing across the full log. Returns the new
// entry's id.
func (l *Ledger) Log(action, actor string, status domain.AuditStatus, metadata map[string]any) string {
	if status == "" {
		status = domain.AuditSuccess
	}

	l.mu.Lock()
	ts := l.nowFunc()
	if n := len(l.entries); n > 0 && ts.Before(l.entries[n-1].Timestamp) {
		ts = l.entries[n-1].Timestamp
	}
	entry := domain.AuditEntry{
		ID:        ulid.MustNew(ulid.Timestamp(ts), l.entropy).String(),
		Timestamp: ts,
		Agent:     actor,
		Action:    action,
		Status:    status,
		Metadata:  metadata,
	}
	l.entries = append(l.entries, entry)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	l.mu.Unlock()

	// Human-readable trace line; not part of the contract.
	l.logger.Info("audit", "actor", actor, "action", action, "status", string(status))

	if l.bus != nil {
		payload, _ := json.Marshal(entry)
		l.bus.Publish(context.Background(), domain.Event{
			Type:      domain.EventAuditAppended,
			Timestamp: ts,
			Payload:   payload,
		})
	}
	return entry.ID
}

// GetAll returns a defensive copy of the current snapshot.
func (l *Ledger) GetAll() []domain.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]domain.AuditEntry(nil), l.entries...)
}

// FilterByAgent returns entries attributed to actor.
func (l *Ledger) FilterByAgent(actor string) []domain.AuditEntry {
	return l.filter(func(e domain.AuditEntry) bool { return e.Agent == actor })
}

// FilterByStatus returns entries with the given status.
func (l *Ledger) FilterByStatus(status domain.AuditStatus) []domain.AuditEntry {
	return l.filter(func(e domain.AuditEntry) bool { return e.Status == status })
}

// FilterByTimeRange returns entries with start <= timestamp <= end.
func (l *Ledger) FilterByTimeRange(start, end time.Time) []domain.AuditEntry {
	return l.filter(func(e domain.AuditEntry) bool {
		return !e.Timestamp.Before(start) && !e.Timestamp.After(end)
	})
}

// Search returns entries whose action or actor contains keyword,
// case-insensitive.
func (l *Ledger) Search(keyword string) []domain.AuditEntry {
	needle := strings.ToLower(keyword)
	return l.filter(func(e domain.AuditEntry) bool {
		return strings.Contains(strings.ToLower(e.Action), needle) ||
			strings.Contains(strings.ToLower(e.Agent), needle)
	})
}

// Recent returns the last n entries in insertion order.
func (l *Ledger) Recent(n int) []domain.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if n <= 0 || len(l.entries) == 0 {
		return nil
	}
	if n > len(l.entries) {
		n = len(l.entries)
	}
	return append([]domain.AuditEntry(nil), l.entries[len(l.entries)-n:]...)
}

// Stats summarizes the current snapshot.
func (l *Ledger) Stats() domain.LedgerStats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stats := domain.LedgerStats{
		Total:    len(l.entries),
		ByAgent:  make(map[string]int),
		ByStatus: make(map[domain.AuditStatus]int),
	}
	for _, e := range l.entries {
		stats.ByAgent[e.Agent]++
		stats.ByStatus[e.Status]++
	}
	if len(l.entries) > 0 {
		stats.First = l.entries[0].Timestamp
		stats.Last = l.entries[len(l.entries)-1].Timestamp
	}
	return stats
}

// VerifyIntegrity fails with ErrLedgerInvalid if any entry is missing a
// required field or any entry's timestamp precedes its predecessor's.
func (l *Ledger) VerifyIntegrity() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var prev time.Time
	for i, e := range l.entries {
		if e.ID == "" || e.Agent == "" || e.Action == "" || e.Timestamp.IsZero() ||
			!domain.ValidAuditStatus(e.Status) {
			return domain.NewSubSystemError("ledger", "Ledger.VerifyIntegrity",
				domain.ErrLedgerInvalid, "entry "+e.ID+" missing required field")
		}
		if i > 0 && e.Timestamp.Before(prev) {
			return domain.NewSubSystemError("ledger", "Ledger.VerifyIntegrity",
				domain.ErrLedgerInvalid, "entry "+e.ID+" out of timestamp order")
		}
		prev = e.Timestamp
	}
	return nil
}

// Clear discards all entries. Administrative operation only.
func (l *Ledger) Clear() {
	l.mu.Lock()
	l.entries = l.entries[:0]
	l.mu.Unlock()
	l.logger.Warn("audit ledger cleared")
}

// Capacity returns the configured maximum entry count.
func (l *Ledger) Capacity() int { return l.capacity }

func (l *Ledger) filter(keep func(domain.AuditEntry) bool) []domain.AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []domain.AuditEntry
	for _, e := range l.entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
