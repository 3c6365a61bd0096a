package ledger

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"civicmesh/internal/domain"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// Export serializes the current snapshot. Pure; no side effects on the
// ledger.
func (l *Ledger) Export(format string) ([]byte, error) {
	return Render(l.GetAll(), format)
}

// Render serializes an already-filtered entry slice.
func Render(entries []domain.AuditEntry, format string) ([]byte, error) {
	switch format {
	case FormatJSON, "":
		return json.MarshalIndent(entries, "", "  ")
	case FormatCSV:
		return exportCSV(entries)
	default:
		return nil, domain.NewSubSystemError("ledger", "ledger.Render",
			domain.ErrInvalidInput, fmt.Sprintf("unsupported format %q", format))
	}
}

func exportCSV(entries []domain.AuditEntry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	if err := w.Write([]string{"id", "timestamp", "agent", "action", "status", "metadata"}); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	for _, e := range entries {
		meta := ""
		if len(e.Metadata) > 0 {
			raw, err := json.Marshal(e.Metadata)
			if err != nil {
				meta = strconv.Quote(fmt.Sprint(e.Metadata))
			} else {
				meta = string(raw)
			}
		}
		record := []string{
			e.ID,
			e.Timestamp.Format(time.RFC3339Nano),
			e.Agent,
			e.Action,
			string(e.Status),
			meta,
		}
		if err := w.Write(record); err != nil {
			return nil, fmt.Errorf("write record: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv: %w", err)
	}
	return buf.Bytes(), nil
}
