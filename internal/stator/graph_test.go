package stator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(ctx context.Context, id int64) (string, error) { return "", nil }

func TestValidateRequiresExactlyOneInitialState(t *testing.T) {
	g := NewGraph("widgets")
	g.AddState(&State{Name: "a", TryInterval: time.Minute, Handler: noopHandler})
	g.AddState(&State{Name: "b", TryInterval: time.Minute, Handler: noopHandler})
	// both "a" and "b" are initial (no incoming transitions) until wired.
	require.Error(t, g.Validate())

	g.TransitionsTo("a", "b")
	require.NoError(t, g.Validate())
}

func TestValidateRejectsMissingHandler(t *testing.T) {
	g := NewGraph("widgets")
	g.AddState(&State{Name: "a", TryInterval: time.Minute})
	g.AddState(&State{Name: "b"})
	g.TransitionsTo("a", "b")
	assert.Error(t, g.Validate())
}

func TestValidateRejectsTerminalStateWithHandler(t *testing.T) {
	g := NewGraph("widgets")
	g.AddState(&State{Name: "a", TryInterval: time.Minute, Handler: noopHandler})
	g.AddState(&State{Name: "b", Handler: noopHandler})
	g.TransitionsTo("a", "b")
	assert.Error(t, g.Validate())
}

func TestValidateRejectsUndeclaredTimeoutState(t *testing.T) {
	g := NewGraph("widgets")
	g.AddState(&State{
		Name: "a", TryInterval: time.Minute, Handler: noopHandler,
		Timeout: time.Hour, TimeoutState: "nowhere",
	})
	g.AddState(&State{Name: "b"})
	g.TransitionsTo("a", "b")
	assert.Error(t, g.Validate())
}

func TestValidateAllowsExternallyProgressedWithoutHandler(t *testing.T) {
	g := NewGraph("widgets")
	g.AddState(&State{Name: "a", ExternallyProgressed: true})
	g.AddState(&State{Name: "b"})
	g.TransitionsTo("a", "b")
	assert.NoError(t, g.Validate())
}

func TestAutomaticStatesExcludesTerminalAndExternal(t *testing.T) {
	g := NewGraph("widgets")
	g.AddState(&State{Name: "auto", TryInterval: time.Minute, Handler: noopHandler})
	g.AddState(&State{Name: "external", ExternallyProgressed: true})
	g.AddState(&State{Name: "done"})
	g.TransitionsTo("auto", "external")
	g.TransitionsTo("external", "done")

	assert.ElementsMatch(t, []string{"auto"}, g.AutomaticStates())
}

func TestTerminalStatesHasNoChildren(t *testing.T) {
	g := NewGraph("widgets")
	g.AddState(&State{Name: "a", TryInterval: time.Minute, Handler: noopHandler})
	g.AddState(&State{Name: "b"})
	g.AddState(&State{Name: "c"})
	g.TransitionsTo("a", "b")
	g.TransitionsTo("a", "c")

	assert.ElementsMatch(t, []string{"b", "c"}, g.TerminalStates())
}
