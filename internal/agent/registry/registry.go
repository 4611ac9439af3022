package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Protocol identifies the wire vocabulary an agent backend speaks.
type Protocol string

const (
	// ProtocolACP is the agent-control protocol (session/update stream).
	ProtocolACP Protocol = "acp"
	// ProtocolCodex is the Codex event stream (codex/event notifications).
	ProtocolCodex Protocol = "codex"
)

// AgentProfile describes how to launch and talk to one agent backend.
type AgentProfile struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Command     string   `json:"command"`
	Args        []string `json:"args,omitempty"`
	Protocol    Protocol `json:"protocol"`

	// Env entries are added verbatim to the subprocess environment.
	Env []string `json:"env,omitempty"`
	// RequiredEnv names credentials that must resolve before launch.
	RequiredEnv []string `json:"required_env,omitempty"`

	// Image/Tag select a container image when running under the Docker
	// runtime instead of a local binary.
	Image string `json:"image,omitempty"`
	Tag   string `json:"tag,omitempty"`

	WorkingDir    string        `json:"working_dir,omitempty"`
	PromptTimeout time.Duration `json:"prompt_timeout,omitempty"`
	Enabled       bool          `json:"enabled"`
}

// Registry holds the known agent profiles.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*AgentProfile
}

// NewRegistry creates a registry seeded with the default profiles.
func NewRegistry() *Registry {
	r := &Registry{profiles: make(map[string]*AgentProfile)}
	for _, p := range DefaultAgents() {
		r.profiles[p.ID] = p
	}
	return r
}

// Get returns the profile for an agent id.
func (r *Registry) Get(id string) (*AgentProfile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	if !ok {
		return nil, fmt.Errorf("unknown agent: %s", id)
	}
	return p, nil
}

// List returns all enabled profiles sorted by id.
func (r *Registry) List() []*AgentProfile {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*AgentProfile, 0, len(r.profiles))
	for _, p := range r.profiles {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Register adds or replaces a profile.
func (r *Registry) Register(p *AgentProfile) error {
	if p.ID == "" {
		return fmt.Errorf("profile id is required")
	}
	if p.Command == "" && p.Image == "" {
		return fmt.Errorf("profile %s needs a command or a container image", p.ID)
	}
	r.mu.Lock()
	r.profiles[p.ID] = p
	r.mu.Unlock()
	return nil
}
