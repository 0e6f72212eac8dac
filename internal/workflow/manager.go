package workflow

import (
	"slices"
	"sync"
)

// Manager holds one orchestrator per story. Stories never share state.
type Manager struct {
	deps Deps

	mu        sync.Mutex
	workflows map[string]*Orchestrator
}

// NewManager creates a manager whose orchestrators share deps.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, workflows: make(map[string]*Orchestrator)}
}

// Get returns the story's orchestrator, creating it on first use.
func (m *Manager) Get(storyID string) *Orchestrator {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.workflows[storyID]
	if !ok {
		o = New(storyID, m.deps)
		m.workflows[storyID] = o
	}
	return o
}

// Lookup returns the story's orchestrator if one exists.
func (m *Manager) Lookup(storyID string) (*Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.workflows[storyID]
	return o, ok
}

// Discard drops the story's workflow. A running workflow cannot be discarded.
// The dropped orchestrator rejects any later run with ErrDiscarded.
func (m *Manager) Discard(storyID string) error {
	return m.Replace(storyID, nil)
}

// Replace discards the story's workflow and calls save while no orchestrator
// for the story exists, so the story can be swapped without a run observing
// it. A running workflow returns ErrRunning before save is called.
func (m *Manager) Replace(storyID string, save func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.workflows[storyID]; ok {
		if err := o.retire(); err != nil {
			return err
		}
		delete(m.workflows, storyID)
	}
	if save == nil {
		return nil
	}
	return save()
}

// Stories returns the IDs of stories with a workflow, sorted.
func (m *Manager) Stories() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.workflows))
	for id := range m.workflows {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// AbortAll aborts every running workflow. Used on shutdown.
func (m *Manager) AbortAll() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.workflows {
		if o.Abort() {
			n++
		}
	}
	return n
}
