package core

import (
	"context"
	"errors"
	"sync"

	"github.com/ParleSec/FlowGlass/internal/flow"
)

// FlowManager owns the running flow machines, keyed by execution ID.
type FlowManager struct {
	machines map[string]flow.Machine
	cancels  map[string]context.CancelFunc
	mu       sync.RWMutex
}

// NewFlowManager creates an empty manager.
func NewFlowManager() *FlowManager {
	return &FlowManager{
		machines: make(map[string]flow.Machine),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Register stores a machine and the cancel func that stops its background work.
func (fm *FlowManager) Register(m flow.Machine, cancel context.CancelFunc) {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	id := m.Execution().ID
	fm.machines[id] = m
	fm.cancels[id] = cancel
}

// Get retrieves a machine by execution ID.
func (fm *FlowManager) Get(id string) (flow.Machine, bool) {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	m, exists := fm.machines[id]
	return m, exists
}

// Cancel stops a flow's background work (device polling, mostly). The
// execution stays retrievable.
func (fm *FlowManager) Cancel(id string) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	cancel, exists := fm.cancels[id]
	if !exists {
		return errors.New("unknown flow")
	}
	cancel()
	return nil
}

// List returns snapshots of every known execution.
func (fm *FlowManager) List() []*flow.Execution {
	fm.mu.RLock()
	defer fm.mu.RUnlock()
	out := make([]*flow.Execution, 0, len(fm.machines))
	for _, m := range fm.machines {
		out = append(out, m.Execution().Snapshot())
	}
	return out
}
