package driver

import (
	"time"
)

// NodeState is the lifecycle state of one service within a run.
type NodeState string

const (
	StatePending        NodeState = "Pending"
	StateBuilding       NodeState = "Building"
	StateStarting       NodeState = "Starting"
	StateWaitingHealthy NodeState = "WaitingHealthy"
	StateHealthy        NodeState = "Healthy"
	StateFailed         NodeState = "Failed"
	StateStopped        NodeState = "Stopped"
	// StateSkipped marks a node whose dependency failed; it is reported,
	// never silently omitted.
	StateSkipped NodeState = "SkippedDueToDependencyFailure"
)

// Terminal reports whether no transition may leave the state.
func (s NodeState) Terminal() bool {
	return s == StateFailed || s == StateStopped || s == StateSkipped
}

// FailReason classifies why a node ended up Failed.
type FailReason string

const (
	ReasonNone       FailReason = ""
	ReasonBuild      FailReason = "BuildError"
	ReasonEngine     FailReason = "EngineError"
	ReasonTimeout    FailReason = "Timeout"
	ReasonCancelled  FailReason = "Cancelled"
	ReasonDependency FailReason = "DependencyFailed"
)

// runState is the mutable per-node record. It is owned exclusively by the
// Driver; transition() is the only mutation path.
type runState struct {
	service     string
	state       NodeState
	reason      FailReason
	err         error
	containerID string
	settled     bool

	buildElapsed  time.Duration
	startElapsed  time.Duration
	healthElapsed time.Duration
	healthyAt     time.Time
}

// NodeResult is the immutable per-node outcome reported by Run.
type NodeResult struct {
	Service     string
	State       NodeState
	Reason      FailReason
	Err         error
	ContainerID string

	// Settled flags nodes declared healthy by settle delay only, a weaker
	// guarantee than a passing probe.
	Settled bool

	BuildElapsed  time.Duration
	StartElapsed  time.Duration
	HealthElapsed time.Duration
	HealthyAt     time.Time
}

// RunResult aggregates every node's outcome for one run. A run fails
// overall only if at least one node failed; partial success is never
// masked.
type RunResult struct {
	RunID   string
	Nodes   []NodeResult // declaration order
	Elapsed time.Duration
}

// Failed reports whether any node ended in a failure state.
func (r *RunResult) Failed() bool {
	for _, n := range r.Nodes {
		if n.State == StateFailed || n.State == StateSkipped {
			return true
		}
	}
	return false
}

// FirstError returns the first failed node's error in declaration order,
// or nil when the run succeeded. The CLI maps it to an exit code.
func (r *RunResult) FirstError() error {
	for _, n := range r.Nodes {
		if n.State == StateFailed && n.Err != nil {
			return n.Err
		}
	}
	return nil
}

// Node returns the result for a service name.
func (r *RunResult) Node(service string) (NodeResult, bool) {
	for _, n := range r.Nodes {
		if n.Service == service {
			return n, true
		}
	}
	return NodeResult{}, false
}
