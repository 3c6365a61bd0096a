// Package directory implements the capability-indexed agent registry.
// Agents are discoverable by the capability tags they advertise, never by
// identity alone, and only verified descriptors are admitted.
package directory

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"civicmesh/internal/domain"
)

// Directory holds agent descriptors keyed by identifier and answers
// capability-superset discovery queries in insertion order.
type Directory struct {
	mu      sync.RWMutex
	byID    map[string]*domain.AgentDescriptor
	order   []string // insertion order of identifiers
	bus     domain.EventBus
	logger  *slog.Logger
	nowFunc func() time.Time
}

// New creates an empty directory. bus may be nil.
func New(bus domain.EventBus, logger *slog.Logger) *Directory {
	return &Directory{
		byID:    make(map[string]*domain.AgentDescriptor),
		bus:     bus,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Register inserts or overwrites a descriptor keyed by its identifier.
// Only verified descriptors are admitted; anything else fails with
// ErrUnverifiedAgent and leaves the directory unchanged.
func (d *Directory) Register(desc domain.AgentDescriptor) (domain.AgentDescriptor, error) {
	if desc.ID == "" {
		return domain.AgentDescriptor{}, domain.NewSubSystemError("directory",
			"Directory.Register", domain.ErrInvalidInput, "descriptor has no id")
	}
	if !desc.Verified {
		return domain.AgentDescriptor{}, domain.NewSubSystemError("directory",
			"Directory.Register", domain.ErrUnverifiedAgent, desc.ID)
	}

	d.mu.Lock()
	if desc.RegisteredAt.IsZero() {
		desc.RegisteredAt = d.nowFunc()
	}
	if _, exists := d.byID[desc.ID]; !exists {
		d.order = append(d.order, desc.ID)
	}
	stored := desc
	d.byID[desc.ID] = &stored
	d.mu.Unlock()

	d.logger.Info("agent registered", "agent_id", desc.ID, "role", desc.Role,
		"capabilities", desc.Capabilities)
	d.publish(domain.EventAgentRegistered, desc.ID)
	return desc, nil
}

// Discover returns descriptors whose capability set is a superset of
// required, in directory insertion order. Unverified descriptors are
// excluded when verifiedOnly is set. An empty result is not an error.
func (d *Directory) Discover(required []string, verifiedOnly bool) []domain.AgentDescriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var matches []domain.AgentDescriptor
	for _, id := range d.order {
		desc := d.byID[id]
		if verifiedOnly && !desc.Verified {
			continue
		}
		if !desc.HasCapabilities(required) {
			continue
		}
		matches = append(matches, *desc)
	}
	return matches
}

// Get returns the descriptor for id, or ErrNotFound.
func (d *Directory) Get(id string) (domain.AgentDescriptor, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	desc, ok := d.byID[id]
	if !ok {
		return domain.AgentDescriptor{}, domain.NewSubSystemError("directory",
			"Directory.Get", domain.ErrNotFound, id)
	}
	return *desc, nil
}

// Update applies the non-nil fields of upd to the descriptor for id and
// stamps UpdatedAt. Fails with ErrNotFound if id is absent.
func (d *Directory) Update(id string, upd domain.AgentUpdate) (domain.AgentDescriptor, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	desc, ok := d.byID[id]
	if !ok {
		return domain.AgentDescriptor{}, domain.NewSubSystemError("directory",
			"Directory.Update", domain.ErrNotFound, id)
	}

	if upd.Name != nil {
		desc.Name = *upd.Name
	}
	if upd.Role != nil {
		desc.Role = *upd.Role
	}
	if upd.Capabilities != nil {
		desc.Capabilities = append([]string(nil), (*upd.Capabilities)...)
	}
	if upd.Endpoint != nil {
		desc.Endpoint = *upd.Endpoint
	}
	if upd.Verified != nil {
		desc.Verified = *upd.Verified
	}
	desc.UpdatedAt = d.nowFunc()
	return *desc, nil
}

// Unregister removes the descriptor for id. Fails with ErrNotFound if absent.
func (d *Directory) Unregister(id string) error {
	d.mu.Lock()
	if _, ok := d.byID[id]; !ok {
		d.mu.Unlock()
		return domain.NewSubSystemError("directory", "Directory.Unregister",
			domain.ErrNotFound, id)
	}
	delete(d.byID, id)
	for i, oid := range d.order {
		if oid == id {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	d.mu.Unlock()

	d.logger.Info("agent unregistered", "agent_id", id)
	d.publish(domain.EventAgentUnregistered, id)
	return nil
}

// List returns the public projection of every descriptor, insertion order.
func (d *Directory) List() []domain.AgentSummary {
	d.mu.RLock()
	defer d.mu.RUnlock()

	summaries := make([]domain.AgentSummary, 0, len(d.order))
	for _, id := range d.order {
		desc := d.byID[id]
		summaries = append(summaries, domain.AgentSummary{
			ID:           desc.ID,
			Name:         desc.Name,
			Role:         desc.Role,
			Verified:     desc.Verified,
			Capabilities: append([]string(nil), desc.Capabilities...),
			Status:       "active",
		})
	}
	return summaries
}

// Stats reports totals and the sorted union of all observed capabilities.
// Used for health and connectivity checks, not for control flow.
func (d *Directory) Stats() domain.DirectoryStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := domain.DirectoryStats{Total: len(d.byID)}
	capSet := make(map[string]bool)
	for _, desc := range d.byID {
		if desc.Verified {
			stats.Verified++
		}
		for _, c := range desc.Capabilities {
			capSet[c] = true
		}
	}
	for c := range capSet {
		stats.Capabilities = append(stats.Capabilities, c)
	}
	sort.Strings(stats.Capabilities)
	return stats
}

func (d *Directory) publish(eventType domain.EventType, agentID string) {
	if d.bus == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"agent_id": agentID})
	d.bus.Publish(context.Background(), domain.Event{
		Type:      eventType,
		Timestamp: d.nowFunc(),
		Payload:   payload,
	})
}
