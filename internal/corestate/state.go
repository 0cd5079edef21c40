// Package corestate implements the engine's system/vector/graph state
// machine, error categorization, and the per-component circuit breakers
// that drive graceful degradation.
package corestate

import (
	"sync"
	"time"

	"github.com/codeindex-engine/core/internal/corerrors"
)

// SystemState is the top-level lifecycle state of the engine.
type SystemState string

const (
	SystemStandby  SystemState = "standby"
	SystemIndexing SystemState = "indexing"
	SystemIndexed  SystemState = "indexed"
	SystemError    SystemState = "error"
)

// SubState is the independent lifecycle state of the vector or graph
// sub-system.
type SubState string

const (
	SubDisabled         SubState = "disabled"
	SubIdle             SubState = "idle"
	SubIndexing         SubState = "indexing"
	SubError            SubState = "error"
	SubResourceExhausted SubState = "resource-exhausted"
)

// Component identifies a sub-component tracked independently by the
// Manager (vector store, graph service). Additional components may be
// tracked for circuit-breaking purposes without participating in system
// state aggregation (e.g. the embedder).
type Component string

const (
	ComponentVector   Component = "vector"
	ComponentGraph    Component = "graph"
	ComponentEmbedder Component = "embedder"
)

// componentState tracks one sub-component's state, its circuit breaker,
// and the last error recorded against it.
type componentState struct {
	state    SubState
	breaker  *corerrors.CircuitBreaker
	lastErr  error
	category corerrors.Category
}

// Manager is the engine's state manager: it aggregates system
// state from independent vector/graph sub-states, categorizes errors, and
// exposes a circuit breaker per tracked component. It is the single
// source of truth the rest of the core reads state from — components
// never mutate each other's state directly, only report through it.
type Manager struct {
	mu         sync.RWMutex
	system     SystemState
	components map[Component]*componentState
	message    string
}

// New constructs a Manager in Standby, with vector and graph tracked by
// default (graph starts disabled until GraphService is configured).
func New() *Manager {
	m := &Manager{
		system:     SystemStandby,
		components: make(map[Component]*componentState),
	}
	m.registerLocked(ComponentVector, SubIdle)
	m.registerLocked(ComponentGraph, SubDisabled)
	m.registerLocked(ComponentEmbedder, SubIdle)
	return m
}

func (m *Manager) registerLocked(c Component, initial SubState) {
	m.components[c] = &componentState{
		state:   initial,
		breaker: corerrors.NewCircuitBreaker(string(c), corerrors.WithMaxFailures(3), corerrors.WithResetTimeout(30*time.Second)),
	}
}

// SystemState reports the current aggregated system state.
func (m *Manager) SystemState() SystemState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.system
}

// SubState reports the current sub-state of a tracked component.
func (m *Manager) SubState(c Component) SubState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cs, ok := m.components[c]; ok {
		return cs.state
	}
	return SubDisabled
}

// Breaker returns the circuit breaker guarding a component's writes.
// Callers should check Allow() (or use Execute) before dispatching a
// write to that sub-component.
func (m *Manager) Breaker(c Component) *corerrors.CircuitBreaker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if cs, ok := m.components[c]; ok {
		return cs.breaker
	}
	return nil
}

// BeginIndexing transitions the system to Indexing and marks the given
// components as indexing (unless disabled).
func (m *Manager) BeginIndexing(components ...Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range components {
		cs := m.components[c]
		if cs == nil {
			m.registerLocked(c, SubIdle)
			cs = m.components[c]
		}
		if cs.state != SubDisabled {
			cs.state = SubIndexing
		}
	}
	m.system = SystemIndexing
}

// FinishIndexing marks the given components idle (or leaves them errored/
// resource-exhausted if their breaker is tripped) and recomputes the
// aggregated system state.
func (m *Manager) FinishIndexing(components ...Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range components {
		cs := m.components[c]
		if cs == nil {
			continue
		}
		if cs.state == SubIndexing {
			if cs.breaker.State() == corerrors.StateOpen {
				cs.state = SubResourceExhausted
			} else {
				cs.state = SubIdle
			}
		}
	}
	m.recomputeLocked()
}

// RecordSuccess clears the error state of a component and resets its
// circuit breaker.
func (m *Manager) RecordSuccess(c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.components[c]
	if cs == nil {
		return
	}
	cs.breaker.RecordSuccess()
	cs.lastErr = nil
	if cs.state == SubError || cs.state == SubResourceExhausted {
		cs.state = SubIdle
	}
	m.recomputeLocked()
}

// RecordFailure categorizes err via corerrors.ClassifyTransportError,
// records it against the component's circuit breaker, and updates the
// component's sub-state: resource-exhausted once the breaker trips,
// error otherwise. Returns the classification so the caller can decide
// whether to retry.
func (m *Manager) RecordFailure(c Component, statusCode int, errText string) (corerrors.Category, corerrors.RetrySuggestion) {
	category, suggestion := corerrors.ClassifyTransportError(statusCode, errText)

	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.components[c]
	if cs == nil {
		m.registerLocked(c, SubIdle)
		cs = m.components[c]
	}
	cs.breaker.RecordFailure()
	cs.category = category
	if cs.breaker.State() == corerrors.StateOpen {
		cs.state = SubResourceExhausted
	} else {
		cs.state = SubError
	}
	m.recomputeLocked()
	return category, suggestion
}

// LastCategory reports the error category last recorded against a
// component, if any.
func (m *Manager) LastCategory(c Component) (corerrors.Category, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cs := m.components[c]
	if cs == nil || cs.category == "" {
		return "", false
	}
	return cs.category, true
}

// Enable activates a previously disabled component, returning it to idle.
func (m *Manager) Enable(c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.components[c]
	if cs == nil {
		m.registerLocked(c, SubIdle)
		return
	}
	if cs.state == SubDisabled {
		cs.state = SubIdle
	}
	m.recomputeLocked()
}

// Disable marks a component disabled (e.g. graph when GraphEnabled=false).
func (m *Manager) Disable(c Component) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cs := m.components[c]
	if cs == nil {
		m.registerLocked(c, SubDisabled)
		return
	}
	cs.state = SubDisabled
	m.recomputeLocked()
}

// MarkError forces the system into Error with a user-facing message
// (e.g. fatal configuration error at startup).
func (m *Manager) MarkError(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system = SystemError
	m.message = message
}

// Message returns the last message recorded against the system state
// (cancellation notice, fatal error text, …).
func (m *Manager) Message() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.message
}

// Cancel transitions the system to Standby with a "cancelled by user"
// message: cancellation is not an error.
func (m *Manager) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.system = SystemStandby
	m.message = "cancelled by user"
}

// Recover transitions an Error system state back to Standby — the only
// path out of Error is explicit recovery. It does not itself clear
// per-component error sub-states; callers fix those via RecordSuccess.
func (m *Manager) Recover() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.system == SystemError {
		m.system = SystemStandby
		m.message = ""
	}
}

// recomputeLocked aggregates system state from sub-component states per
// Either sub-state "error" -> system Error; either "indexing" ->
// system Indexing; otherwise Indexed if at least one enabled component is
// idle, else Standby. Must be called with the write lock held.
func (m *Manager) recomputeLocked() {
	if m.system == SystemError && m.message != "" {
		// A fatal MarkError persists until Recover(); don't let routine
		// component bookkeeping silently clear it.
	}
	anyError := false
	anyIndexing := false
	anyIdle := false
	for _, cs := range m.components {
		switch cs.state {
		case SubError, SubResourceExhausted:
			anyError = true
		case SubIndexing:
			anyIndexing = true
		case SubIdle:
			anyIdle = true
		}
	}
	switch {
	case anyError:
		m.system = SystemError
	case anyIndexing:
		m.system = SystemIndexing
	case anyIdle:
		m.system = SystemIndexed
	default:
		m.system = SystemStandby
	}
}
