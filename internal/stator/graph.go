// Package stator implements the durable workflow engine shared by every
// entity that carries the five universal state fields (state, state_changed,
// state_attempted, state_locked_until, state_ready): a declarative state
// graph per entity type, and a single generic SQL engine that schedules,
// locks, transitions, and garbage-collects rows for any of them without
// per-entity query duplication.
package stator

import (
	"context"
	"fmt"
	"time"
)

// Handler runs the side effects for a row currently in a given state and
// reports the next state to move to. Returning ("", nil) means "stay here,
// try again at the next try_interval"; returning a non-empty name moves the
// row; returning an error is logged and counted as a failed attempt, staying
// in place and keeping its lock until the lock expires and LockSweep clears
// it (see Binding.ApplyError).
type Handler func(ctx context.Context, id int64) (next string, err error)

// State is one node of a StateGraph.
type State struct {
	Name string

	// TryInterval is how long to wait before re-attempting a row sitting in
	// this state, if the previous attempt didn't move it. Zero for
	// terminal and externally-progressed states.
	TryInterval time.Duration

	// Timeout, if non-zero, forces a transition to TimeoutState once a row
	// has sat in this state longer than Timeout, regardless of Handler's
	// own decisions.
	Timeout      time.Duration
	TimeoutState string

	// ExternallyProgressed states are never picked up by the try-interval
	// sweep; something outside the engine (an inbound activity, a manual
	// action) moves them forward directly.
	ExternallyProgressed bool

	// DeleteAfter, if non-zero, marks rows sitting in this terminal state
	// for deletion once they've been here this long.
	DeleteAfter time.Duration

	// AttemptImmediately marks the row state_ready=true the instant it is
	// created, instead of waiting for the next schedule sweep.
	AttemptImmediately bool

	Handler Handler

	parents  map[string]bool
	children map[string]bool
}

func newState(name string) *State {
	return &State{Name: name, parents: map[string]bool{}, children: map[string]bool{}}
}

// Terminal reports whether this state has no outgoing transitions declared.
func (s *State) Terminal() bool { return len(s.children) == 0 }

// Initial reports whether this state has no incoming transitions declared.
func (s *State) Initial() bool { return len(s.parents) == 0 }

// Graph is a validated, named collection of states describing one entity
// type's lifecycle. Build one with NewGraph, add states with AddState, wire
// transitions with TransitionsTo, then call Validate before use.
type Graph struct {
	Name    string
	States  map[string]*State
	initial string
}

// NewGraph starts an empty graph for the named entity type.
func NewGraph(name string) *Graph {
	return &Graph{Name: name, States: map[string]*State{}}
}

// AddState registers a state in the graph. The first state added is the
// graph's initial state unless overridden by SetInitial.
func (g *Graph) AddState(s *State) *State {
	if s.parents == nil {
		s.parents = map[string]bool{}
	}
	if s.children == nil {
		s.children = map[string]bool{}
	}
	g.States[s.Name] = s
	if g.initial == "" {
		g.initial = s.Name
	}
	return s
}

// SetInitial overrides which state new rows start in.
func (g *Graph) SetInitial(name string) { g.initial = name }

// Initial returns the state new rows start in.
func (g *Graph) Initial() *State { return g.States[g.initial] }

// TransitionsTo records that `from` can move to `to`, for graph validation
// and introspection (e.g. drawing the graph, or checking a handler's
// returned next-state is actually declared).
func (g *Graph) TransitionsTo(from, to string) {
	g.States[from].children[to] = true
	g.States[to].parents[from] = true
}

// Validate enforces the invariants every graph must satisfy before the
// engine will run it: exactly one initial state, every non-terminal,
// non-externally-progressed state has both a handler and a try interval,
// and terminal states carry no handler (nothing should ever run against a
// row that has nowhere left to go).
func (g *Graph) Validate() error {
	if len(g.States) == 0 {
		return fmt.Errorf("stator: graph %s has no states", g.Name)
	}
	if _, ok := g.States[g.initial]; !ok {
		return fmt.Errorf("stator: graph %s has no valid initial state", g.Name)
	}

	var initialCount int
	for _, s := range g.States {
		if s.Initial() {
			initialCount++
		}
	}
	if initialCount != 1 {
		return fmt.Errorf("stator: graph %s must have exactly one initial state, found %d", g.Name, initialCount)
	}

	for _, s := range g.States {
		if s.Terminal() {
			if s.Handler != nil {
				return fmt.Errorf("stator: graph %s: terminal state %s must not have a handler", g.Name, s.Name)
			}
			continue
		}
		if s.ExternallyProgressed {
			continue
		}
		if s.Handler == nil {
			return fmt.Errorf("stator: graph %s: state %s needs a handler (not terminal, not externally progressed)", g.Name, s.Name)
		}
		if s.TryInterval <= 0 {
			return fmt.Errorf("stator: graph %s: state %s needs a try interval (not terminal, not externally progressed)", g.Name, s.Name)
		}
		if s.Timeout > 0 {
			if s.TimeoutState == "" {
				return fmt.Errorf("stator: graph %s: state %s has a timeout but no timeout state", g.Name, s.Name)
			}
			if _, ok := g.States[s.TimeoutState]; !ok {
				return fmt.Errorf("stator: graph %s: state %s times out to undeclared state %s", g.Name, s.Name, s.TimeoutState)
			}
		}
	}
	return nil
}

// TerminalStates returns the names of every state with no children.
func (g *Graph) TerminalStates() []string {
	var out []string
	for name, s := range g.States {
		if s.Terminal() {
			out = append(out, name)
		}
	}
	return out
}

// AutomaticStates returns the names of every state the schedule sweep
// should consider: not terminal, not externally progressed.
func (g *Graph) AutomaticStates() []string {
	var out []string
	for name, s := range g.States {
		if s.Terminal() || s.ExternallyProgressed {
			continue
		}
		out = append(out, name)
	}
	return out
}
