// Package gate holds the run/stop switch that decides whether the scheduler
// may dispatch work to the device.
package gate

import (
	"sync"

	"github.com/Jmolenaartje/Factobox/pkg/types"
)

// Gate starts Stopped. Start and Stop are idempotent; they report whether
// the call changed the state so the caller can react to real transitions only.
type Gate struct {
	mu    sync.RWMutex
	state types.RunState
}

// New returns a gate in the Stopped state.
func New() *Gate {
	return &Gate{state: types.Stopped}
}

// State returns the current position.
func (g *Gate) State() types.RunState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Running is shorthand for State() == types.Running.
func (g *Gate) Running() bool {
	return g.State() == types.Running
}

// Start moves the gate to Running.
func (g *Gate) Start() (changed bool) {
	return g.set(types.Running)
}

// Stop moves the gate to Stopped.
func (g *Gate) Stop() (changed bool) {
	return g.set(types.Stopped)
}

func (g *Gate) set(next types.RunState) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == next {
		return false
	}
	g.state = next
	return true
}
