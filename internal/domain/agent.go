package domain

import "time"

// AgentDescriptor is the directory record for one agent. The ID is a
// decentralized identifier string and never changes after registration.
type AgentDescriptor struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Role         string    `json:"role"`
	Capabilities []string  `json:"capabilities"`
	Verified     bool      `json:"verified"`
	Endpoint     string    `json:"endpoint,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// HasCapabilities reports whether the descriptor advertises every tag in
// required. Extra capabilities never disqualify a descriptor.
func (d AgentDescriptor) HasCapabilities(required []string) bool {
	for _, want := range required {
		found := false
		for _, have := range d.Capabilities {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AgentUpdate carries the mutable descriptor fields for Directory.Update.
// Nil fields are left untouched.
type AgentUpdate struct {
	Name         *string
	Role         *string
	Capabilities *[]string
	Endpoint     *string
	Verified     *bool
}

// AgentSummary is the public projection of a descriptor exposed over HTTP.
type AgentSummary struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Role         string   `json:"role"`
	Verified     bool     `json:"verified"`
	Capabilities []string `json:"capabilities"`
	Status       string   `json:"status"`
}

// DirectoryStats is a health snapshot of the agent directory.
type DirectoryStats struct {
	Total        int      `json:"total"`
	Verified     int      `json:"verified"`
	Capabilities []string `json:"capabilities"` // union over all descriptors, sorted
}
