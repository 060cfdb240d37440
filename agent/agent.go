package agent

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-ossa"
)

// Handler invokes one capability of an agent.
type Handler func(ctx context.Context, input any) (any, error)

// Capability is a named operation an agent exposes.
type Capability struct {
	ID          string         `json:"id" yaml:"id"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Handler     Handler        `json:"-" yaml:"-"`
}

// Agent groups capabilities under one id.
type Agent struct {
	ID           string       `json:"id" yaml:"id"`
	Name         string       `json:"name" yaml:"name"`
	Capabilities []Capability `json:"capabilities" yaml:"capabilities"`
}

// Capability finds a capability by id.
func (a *Agent) Capability(id string) (Capability, bool) {
	if a == nil {
		return Capability{}, false
	}
	for _, c := range a.Capabilities {
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}

// Registry resolves agents by id. It is the only thing the workflow engine
// needs to know about agents.
type Registry interface {
	Get(agentID string) (*Agent, bool)
}

// MemoryRegistry is a concurrency safe in-process Registry.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewMemoryRegistry registers agents in order and stops at the first invalid one.
func NewMemoryRegistry(agents ...*Agent) (*MemoryRegistry, error) {
	r := &MemoryRegistry{agents: make(map[string]*Agent)}
	for _, a := range agents {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustNewMemoryRegistry is NewMemoryRegistry for static agent sets. It panics
// on an invalid agent.
func MustNewMemoryRegistry(agents ...*Agent) *MemoryRegistry {
	r, err := NewMemoryRegistry(agents...)
	if err != nil {
		panic(err)
	}
	return r
}

// Register adds or replaces an agent.
func (r *MemoryRegistry) Register(a *Agent) error {
	if a == nil || strings.TrimSpace(a.ID) == "" {
		return ossa.NewError(ossa.ErrConfiguration, "agent id is required", nil, nil)
	}
	for _, c := range a.Capabilities {
		if strings.TrimSpace(c.ID) == "" {
			return ossa.NewError(ossa.ErrConfiguration, "capability id is required", nil, map[string]any{
				"agent_id": a.ID,
			})
		}
	}
	cp := *a
	cp.Capabilities = append([]Capability(nil), a.Capabilities...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.ID] = &cp
	return nil
}

func (r *MemoryRegistry) Unregister(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.agents[agentID]
	delete(r.agents, agentID)
	return ok
}

func (r *MemoryRegistry) Get(agentID string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[agentID]
	return a, ok
}

// List returns agents sorted by id.
func (r *MemoryRegistry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Resolve looks up agentID/capabilityID and returns a typed lookup error.
func Resolve(reg Registry, agentID, capabilityID string) (Capability, error) {
	if reg == nil {
		return Capability{}, ossa.NewError(ossa.ErrConfiguration, "agent registry not configured", nil, nil)
	}
	a, ok := reg.Get(agentID)
	if !ok || a == nil {
		return Capability{}, ossa.NewError(ossa.ErrAgentNotFound, "agent "+agentID+" not found", nil, map[string]any{
			"agent_id": agentID,
		})
	}
	c, ok := a.Capability(capabilityID)
	if !ok {
		return Capability{}, ossa.NewError(ossa.ErrCapabilityNotFound,
			"capability "+capabilityID+" not found on agent "+agentID, nil, map[string]any{
				"agent_id":      agentID,
				"capability_id": capabilityID,
			})
	}
	return c, nil
}
