package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"civicmesh/internal/domain"
	"civicmesh/internal/usecase/ledger"
)

// handleHealth reports "healthy" once the query runner is wired, and
// "initializing" while the agent mesh is still coming up.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "healthy"
	if s.runner == nil {
		status = "initializing"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"agents":    s.directory.Stats().Total,
		"audit":     s.ledger.Stats().Total,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleAgents lists the public projection of every registered agent.
func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.directory.List()})
}

type discoverRequest struct {
	Capabilities []string `json:"capabilities"`
	// VerifiedOnly defaults to true when absent: unverified descriptors
	// never leak through discovery unless the caller opts in.
	VerifiedOnly *bool `json:"verifiedOnly"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	verifiedOnly := true
	if req.VerifiedOnly != nil {
		verifiedOnly = *req.VerifiedOnly
	}
	matches := s.directory.Discover(req.Capabilities, verifiedOnly)
	writeJSON(w, http.StatusOK, map[string]any{"agents": matches})
}

type queryRequest struct {
	CitizenID string `json:"citizenId"`
	Query     string `json:"query"`
}

// handleQuery runs one citizen query through the workflow. The response
// carries the full trace whether or not the workflow succeeded; transport
// status stays 200 for a decided query, 503 means the mesh is not up yet.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeError(w, http.StatusServiceUnavailable, "agent network not initialized")
		return
	}

	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	citizenID := req.CitizenID
	if citizenID == "" {
		citizenID = s.defaultCitizen
	}
	if citizenID == "" {
		writeError(w, http.StatusBadRequest, "citizenId is required")
		return
	}

	result := s.runner.Process(r.Context(), citizenID, req.Query)
	writeJSON(w, http.StatusOK, result)
}

// handleAudit serves the ledger with optional agent/status/keyword filters,
// a limit, and JSON or CSV output.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var entries []domain.AuditEntry
	switch {
	case q.Get("agent") != "":
		entries = s.ledger.FilterByAgent(q.Get("agent"))
	case q.Get("status") != "":
		status := domain.AuditStatus(q.Get("status"))
		if !domain.ValidAuditStatus(status) {
			writeError(w, http.StatusBadRequest, "unknown status "+q.Get("status"))
			return
		}
		entries = s.ledger.FilterByStatus(status)
	case q.Get("search") != "":
		entries = s.ledger.Search(q.Get("search"))
	default:
		entries = s.ledger.GetAll()
	}

	if limitStr := q.Get("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		if limit < len(entries) {
			entries = entries[len(entries)-limit:]
		}
	}

	if q.Get("format") == "csv" {
		data, err := ledger.Render(entries, ledger.FormatCSV)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "total": len(entries)})
}
