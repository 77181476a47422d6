package driver

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeState_Terminal(t *testing.T) {
	terminal := []NodeState{StateFailed, StateStopped, StateSkipped}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "state %s should be terminal", s)
	}

	inFlight := []NodeState{StatePending, StateBuilding, StateStarting, StateWaitingHealthy, StateHealthy}
	for _, s := range inFlight {
		assert.False(t, s.Terminal(), "state %s should not be terminal", s)
	}
}

func TestRunResult_Failed(t *testing.T) {
	healthy := &RunResult{Nodes: []NodeResult{
		{Service: "db", State: StateHealthy},
		{Service: "api", State: StateHealthy},
	}}
	assert.False(t, healthy.Failed())

	withFailure := &RunResult{Nodes: []NodeResult{
		{Service: "db", State: StateFailed},
		{Service: "api", State: StateHealthy},
	}}
	assert.True(t, withFailure.Failed())

	// A skipped node counts as failure; partial success is never masked.
	withSkip := &RunResult{Nodes: []NodeResult{
		{Service: "db", State: StateHealthy},
		{Service: "api", State: StateSkipped},
	}}
	assert.True(t, withSkip.Failed())
}

func TestRunResult_FirstError(t *testing.T) {
	dbErr := errors.New("db exploded")
	apiErr := errors.New("api exploded")

	r := &RunResult{Nodes: []NodeResult{
		{Service: "cache", State: StateHealthy},
		{Service: "db", State: StateFailed, Err: dbErr},
		{Service: "api", State: StateFailed, Err: apiErr},
	}}

	// Declaration order decides which failure the CLI reports.
	require.Error(t, r.FirstError())
	assert.Equal(t, dbErr, r.FirstError())

	ok := &RunResult{Nodes: []NodeResult{{Service: "db", State: StateHealthy}}}
	assert.NoError(t, ok.FirstError())
}

func TestRunResult_Node(t *testing.T) {
	r := &RunResult{Nodes: []NodeResult{
		{Service: "db", State: StateHealthy, ContainerID: "ctr-db"},
	}}

	n, found := r.Node("db")
	require.True(t, found)
	assert.Equal(t, "ctr-db", n.ContainerID)

	_, found = r.Node("ghost")
	assert.False(t, found)
}
