package directory

import (
	"errors"
	"log/slog"
	"testing"

	"civicmesh/internal/domain"
)

func verified(id string, caps ...string) domain.AgentDescriptor {
	return domain.AgentDescriptor{
		ID:           id,
		Name:         id,
		Role:         "test",
		Capabilities: caps,
		Verified:     true,
	}
}

func TestRegisterRequiresVerification(t *testing.T) {
	d := New(nil, slog.Default())

	desc := verified("did:mesh:a", "rag")
	desc.Verified = false
	if _, err := d.Register(desc); !errors.Is(err, domain.ErrUnverifiedAgent) {
		t.Fatalf("expected ErrUnverifiedAgent, got %v", err)
	}
	if _, err := d.Register(domain.AgentDescriptor{Verified: true}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for missing id, got %v", err)
	}
}

func TestRegisterAndGet(t *testing.T) {
	d := New(nil, slog.Default())

	stored, err := d.Register(verified("did:mesh:a", "rag"))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if stored.RegisteredAt.IsZero() {
		t.Fatal("RegisteredAt must be stamped")
	}

	got, err := d.Get("did:mesh:a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != "did:mesh:a" {
		t.Fatalf("unexpected descriptor %+v", got)
	}

	if _, err := d.Get("did:mesh:ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDiscoverSupersetMatch(t *testing.T) {
	d := New(nil, slog.Default())
	_, _ = d.Register(verified("did:mesh:a", "rag", "policy-analysis"))
	_, _ = d.Register(verified("did:mesh:b", "rag"))
	_, _ = d.Register(verified("did:mesh:c", "eligibility-check", "rule-engine"))

	matches := d.Discover([]string{"rag"}, false)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(matches))
	}
	// Insertion order is preserved.
	if matches[0].ID != "did:mesh:a" || matches[1].ID != "did:mesh:b" {
		t.Fatalf("matches out of insertion order: %v", matches)
	}

	matches = d.Discover([]string{"rag", "policy-analysis"}, false)
	if len(matches) != 1 || matches[0].ID != "did:mesh:a" {
		t.Fatalf("superset match failed: %v", matches)
	}

	if got := d.Discover([]string{"unknown"}, false); len(got) != 0 {
		t.Fatalf("expected no matches, got %v", got)
	}
}

func TestDiscoverVerifiedOnly(t *testing.T) {
	d := New(nil, slog.Default())
	_, _ = d.Register(verified("did:mesh:a", "rag"))

	// Updates may flip verification off; discovery must then skip the agent.
	no := false
	if _, err := d.Update("did:mesh:a", domain.AgentUpdate{Verified: &no}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got := d.Discover([]string{"rag"}, true); len(got) != 0 {
		t.Fatalf("unverified agent leaked into verified-only discovery: %v", got)
	}
	if got := d.Discover([]string{"rag"}, false); len(got) != 1 {
		t.Fatalf("expected unfiltered discovery to match, got %v", got)
	}
}

func TestUpdateFields(t *testing.T) {
	d := New(nil, slog.Default())
	_, _ = d.Register(verified("did:mesh:a", "rag"))

	name := "Renamed"
	caps := []string{"rag", "document-parsing"}
	updated, err := d.Update("did:mesh:a", domain.AgentUpdate{Name: &name, Capabilities: &caps})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if updated.Name != "Renamed" || len(updated.Capabilities) != 2 {
		t.Fatalf("update not applied: %+v", updated)
	}
	if updated.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt must be stamped")
	}

	if _, err := d.Update("did:mesh:ghost", domain.AgentUpdate{Name: &name}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUnregister(t *testing.T) {
	d := New(nil, slog.Default())
	_, _ = d.Register(verified("did:mesh:a", "rag"))

	if err := d.Unregister("did:mesh:a"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if err := d.Unregister("did:mesh:a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if got := d.Discover([]string{"rag"}, false); len(got) != 0 {
		t.Fatal("unregistered agent must not be discoverable")
	}
}

func TestListProjectsPublicView(t *testing.T) {
	d := New(nil, slog.Default())
	_, _ = d.Register(verified("did:mesh:a", "rag"))
	_, _ = d.Register(verified("did:mesh:b", "rule-engine"))

	list := d.List()
	if len(list) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(list))
	}
	for _, s := range list {
		if s.Status != "active" {
			t.Fatalf("unexpected status %q", s.Status)
		}
	}
}

func TestStats(t *testing.T) {
	d := New(nil, slog.Default())
	_, _ = d.Register(verified("did:mesh:a", "rag", "policy-analysis"))
	_, _ = d.Register(verified("did:mesh:b", "rag"))

	stats := d.Stats()
	if stats.Total != 2 || stats.Verified != 2 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(stats.Capabilities) != 2 {
		t.Fatalf("expected capability union of 2, got %v", stats.Capabilities)
	}
}
