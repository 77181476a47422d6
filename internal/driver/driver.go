package driver

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"convoy/internal/errors"
	"convoy/internal/graph"
	"convoy/internal/health"
	"convoy/internal/logs"
	"convoy/internal/spec"
	"convoy/pkg/engine"
)

const (
	DefaultBuildTimeout = 10 * time.Minute
	DefaultStartTimeout = time.Minute

	// Per-attempt bound for HTTP probes so a hung endpoint cannot stall
	// the backoff loop.
	httpAttemptTimeout = 2 * time.Second
)

// Config assembles a Driver's collaborators. Engine is required; every
// other field has a working default.
type Config struct {
	Engine    engine.Engine
	Clock     health.Clock
	Collector *logs.Collector
	Network   string
	ProbeHost string
	Labels    map[string]string

	BuildTimeout time.Duration
	StartTimeout time.Duration

	// Sequential starts the nodes of a batch one at a time in declaration
	// order instead of concurrently. Used for deterministic runs.
	Sequential bool
}

// Driver sequences each node through
// Pending → Building → Starting → WaitingHealthy → Healthy, consulting
// the health waiter before unblocking dependents, and owns all mutable
// run state. One Driver instance serves one run at a time.
type Driver struct {
	eng       engine.Engine
	clock     health.Clock
	waiter    *health.Waiter
	collector *logs.Collector
	network   string
	probeHost string
	labels    map[string]string

	buildTimeout time.Duration
	startTimeout time.Duration
	sequential   bool

	mu         sync.Mutex
	states     map[string]*runState
	buildLocks map[string]*sync.Mutex
	built      map[string]string // build cache key → image ref
}

// New creates a Driver from cfg, filling in defaults.
func New(cfg Config) *Driver {
	clock := cfg.Clock
	if clock == nil {
		clock = health.SystemClock()
	}
	collector := cfg.Collector
	if collector == nil {
		collector = logs.NewCollector()
	}
	probeHost := cfg.ProbeHost
	if probeHost == "" {
		probeHost = "localhost"
	}
	buildTimeout := cfg.BuildTimeout
	if buildTimeout <= 0 {
		buildTimeout = DefaultBuildTimeout
	}
	startTimeout := cfg.StartTimeout
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}

	return &Driver{
		eng:          cfg.Engine,
		clock:        clock,
		waiter:       health.NewWaiter(clock),
		collector:    collector,
		network:      cfg.Network,
		probeHost:    probeHost,
		labels:       cfg.Labels,
		buildTimeout: buildTimeout,
		startTimeout: startTimeout,
		sequential:   cfg.Sequential,
		states:       make(map[string]*runState),
		buildLocks:   make(map[string]*sync.Mutex),
		built:        make(map[string]string),
	}
}

// Collector returns the log collector nodes are pumped into.
func (d *Driver) Collector() *logs.Collector {
	return d.collector
}

// Run drives every node of the graph through its lifecycle, batch by
// batch. Nodes within a batch run concurrently; a batch starts only after
// the previous one finished. Cancellation fails pending nodes with reason
// Cancelled and stops already-healthy nodes in reverse dependency order.
// Run never returns a nil result: per-node outcomes are always reported.
func (d *Driver) Run(ctx context.Context, g *graph.ServiceGraph) *RunResult {
	started := d.clock.Now()
	runID := uuid.New().String()
	slog.Info("Starting run", "runId", runID, "services", len(g.Nodes()), "batches", len(g.Batches()))

	for _, s := range g.Nodes() {
		d.states[s.Name] = &runState{service: s.Name, state: StatePending}
	}

	for _, batch := range g.Batches() {
		if ctx.Err() != nil {
			break
		}
		d.runBatch(ctx, g, batch)
	}

	if ctx.Err() != nil {
		d.failPending(ctx.Err())
		d.stopHealthy(g)
	}

	result := d.collectResult(g, runID, started)
	slog.Info("Run finished", "runId", runID, "failed", result.Failed(), "elapsed", result.Elapsed)
	return result
}

func (d *Driver) runBatch(ctx context.Context, g *graph.ServiceGraph, batch []string) {
	var wg sync.WaitGroup
	for _, name := range batch {
		s, _ := g.Lookup(name)

		if failedDep, ok := d.failedDependency(s); ok {
			d.skipNode(s.Name, failedDep)
			continue
		}

		if d.sequential {
			d.runNode(ctx, s)
			continue
		}
		wg.Add(1)
		go func(s *spec.ContainerSpec) {
			defer wg.Done()
			d.runNode(ctx, s)
		}(s)
	}
	wg.Wait()
}

// failedDependency reports the first dependency of s that did not reach
// Healthy, in declared order.
func (d *Driver) failedDependency(s *spec.ContainerSpec) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, dep := range s.DependsOn {
		if st := d.states[dep]; st != nil && st.state != StateHealthy {
			return dep, true
		}
	}
	return "", false
}

func (d *Driver) skipNode(name, failedDep string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.states[name]
	if st.state.Terminal() {
		return
	}
	st.state = StateSkipped
	st.reason = ReasonDependency
	st.err = fmt.Errorf("dependency %s did not become healthy", failedDep)
	slog.Warn("Skipping service", "service", name, "failedDependency", failedDep)
}

// runNode walks one node through its lifecycle. Any step's failure moves
// the node to Failed; Failed is terminal and never auto-retried beyond the
// probe's own retry budget.
func (d *Driver) runNode(ctx context.Context, s *spec.ContainerSpec) {
	if err := ctx.Err(); err != nil {
		d.failNode(s.Name, fmt.Errorf("%w: %v", errors.ErrCancelled, err))
		return
	}

	image := s.Image
	if s.BuildCtx != "" {
		d.transition(s.Name, StateBuilding)
		ref, elapsed, err := d.buildImage(ctx, s)
		d.recordBuild(s.Name, elapsed)
		if err != nil {
			d.failNode(s.Name, err)
			return
		}
		image = ref
	}

	d.transition(s.Name, StateStarting)
	containerID, elapsed, err := d.startContainer(ctx, s, image)
	d.recordStart(s.Name, containerID, elapsed)
	if err != nil {
		d.failNode(s.Name, err)
		return
	}

	go d.pumpLogs(ctx, s.Name, containerID)

	d.transition(s.Name, StateWaitingHealthy)
	settled, elapsed, err := d.awaitHealthy(ctx, s, containerID)
	d.recordHealth(s.Name, elapsed)
	if err != nil {
		d.failNode(s.Name, err)
		return
	}

	d.markHealthy(s.Name, settled)
	slog.Info("Service healthy", "service", s.Name, "container", containerID, "settled", settled)
}

// buildImage builds the node's image, serializing builds that share a
// cache key so the same image is never built twice concurrently.
func (d *Driver) buildImage(ctx context.Context, s *spec.ContainerSpec) (string, time.Duration, error) {
	key := s.BuildCacheKey()

	d.mu.Lock()
	lock, ok := d.buildLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		d.buildLocks[key] = lock
	}
	d.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()

	d.mu.Lock()
	ref, done := d.built[key]
	d.mu.Unlock()
	if done {
		return ref, 0, nil
	}

	from := d.clock.Now()
	buildCtx, cancel := context.WithTimeout(ctx, d.buildTimeout)
	defer cancel()

	slog.Info("Building image", "service", s.Name, "context", s.BuildCtx, "tag", s.Image)
	ref, err := d.eng.BuildImage(buildCtx, engine.BuildRequest{
		ContextDir: s.BuildCtx,
		Dockerfile: s.Dockerfile,
		Tag:        s.Image,
		Labels:     d.labels,
	})
	elapsed := d.clock.Now().Sub(from)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			return "", elapsed, errors.NewTimeoutError(
				fmt.Sprintf("Image build for service '%s' timed out", s.Name),
				fmt.Sprintf("no result within %s", d.buildTimeout),
				"Increase the build timeout or check the build context",
				fmt.Errorf("%w: build of %s: %v", errors.ErrTimeout, s.Name, err))
		}
		return "", elapsed, errors.NewBuildError(
			fmt.Sprintf("Image build for service '%s' failed", s.Name),
			err.Error(),
			"Check the Dockerfile and build context",
			fmt.Errorf("%w: %s: %v", errors.ErrBuild, s.Name, err))
	}

	d.mu.Lock()
	d.built[key] = ref
	d.mu.Unlock()
	return ref, elapsed, nil
}

func (d *Driver) startContainer(ctx context.Context, s *spec.ContainerSpec, image string) (string, time.Duration, error) {
	from := d.clock.Now()
	startCtx, cancel := context.WithTimeout(ctx, d.startTimeout)
	defer cancel()

	containerID, err := d.eng.CreateContainer(startCtx, d.createRequest(s, image))
	if err != nil {
		return "", d.clock.Now().Sub(from), d.engineFailure(s.Name, "create", err)
	}

	if err := d.eng.StartContainer(startCtx, containerID); err != nil {
		return containerID, d.clock.Now().Sub(from), d.engineFailure(s.Name, "start", err)
	}

	return containerID, d.clock.Now().Sub(from), nil
}

func (d *Driver) createRequest(s *spec.ContainerSpec, image string) engine.CreateRequest {
	req := engine.CreateRequest{
		Name:        s.Name,
		Image:       image,
		Command:     s.Command,
		Workdir:     s.Workdir,
		Labels:      mergeLabels(d.labels, s.Labels),
		MemoryBytes: s.MemoryBytes,
		NanoCPUs:    s.NanoCPUs,
		Privileged:  s.Privileged,
		CapDrop:     s.CapDrop,
		Network:     d.network,
	}
	if len(s.Env) > 0 {
		req.Env = make(map[string]string, len(s.Env))
		for _, kv := range s.Env {
			for i := 0; i < len(kv); i++ {
				if kv[i] == '=' {
					req.Env[kv[:i]] = kv[i+1:]
					break
				}
			}
		}
	}
	for _, m := range s.Mounts {
		req.Mounts = append(req.Mounts, engine.MountSpec{
			Kind:     engine.MountKind(m.Kind),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	for _, p := range s.Ports {
		req.Ports = append(req.Ports, engine.PortSpec{HostPort: p.Host, ContainerPort: p.Container})
	}
	return req
}

// awaitHealthy blocks until the node's probe passes. A missing probe falls
// back to a settle delay, reported as a weaker guarantee.
func (d *Driver) awaitHealthy(ctx context.Context, s *spec.ContainerSpec, containerID string) (bool, time.Duration, error) {
	from := d.clock.Now()

	p := s.Probe
	if p == nil {
		err := d.waiter.Settle(ctx, spec.DefaultSettleDelay)
		return true, d.clock.Now().Sub(from), err
	}

	switch p.Kind {
	case spec.ProbeSettle:
		err := d.waiter.Settle(ctx, p.Delay)
		return true, d.clock.Now().Sub(from), err
	case spec.ProbeHTTP:
		prober := health.HTTPProber(d.probeHost, p.Port, p.Path, httpAttemptTimeout)
		err := d.waiter.Wait(ctx, prober, p.Timeout, p.InitialInterval, p.MaxInterval)
		return false, d.clock.Now().Sub(from), err
	case spec.ProbeCommand:
		prober := health.CommandProber(d.eng, containerID, p.Command, p.ExitCode)
		err := d.waiter.Wait(ctx, prober, p.Timeout, p.InitialInterval, p.MaxInterval)
		return false, d.clock.Now().Sub(from), err
	default:
		return false, 0, fmt.Errorf("%w: unknown probe kind %q", errors.ErrValidation, p.Kind)
	}
}

func (d *Driver) pumpLogs(ctx context.Context, service, containerID string) {
	reader, err := d.eng.StreamLogs(ctx, containerID)
	if err != nil {
		slog.Debug("Cannot attach to container logs", "service", service, "error", err)
		d.collector.Close(service)
		return
	}
	defer reader.Close()
	d.collector.Pump(service, reader)
}

// Teardown stops and removes the given containers in reverse dependency
// order, so no dependent outlives its dependency. Errors are aggregated,
// not short-circuited: one stubborn container must not strand the rest.
func (d *Driver) Teardown(ctx context.Context, g *graph.ServiceGraph, containerIDs map[string]string) error {
	var errs []error
	for _, name := range g.ReverseOrder() {
		id, ok := containerIDs[name]
		if !ok || id == "" {
			continue
		}
		s, _ := g.Lookup(name)
		grace := spec.DefaultStopGracePeriod
		if s != nil {
			grace = s.StopGrace
		}

		slog.Info("Stopping service", "service", name, "container", id)
		if err := d.eng.StopContainer(ctx, id, grace); err != nil {
			errs = append(errs, d.engineFailure(name, "stop", err))
		}
		if err := d.eng.RemoveContainer(ctx, id); err != nil {
			errs = append(errs, d.engineFailure(name, "remove", err))
		}
		d.collector.Close(name)
		d.mu.Lock()
		if st := d.states[name]; st != nil && st.state == StateHealthy {
			st.state = StateStopped
		}
		d.mu.Unlock()
	}
	return stderrors.Join(errs...)
}

// stopHealthy tears down the healthy subset after cancellation, in reverse
// dependency order. The run context is already dead, so a fresh bounded
// context drives the engine calls.
func (d *Driver) stopHealthy(g *graph.ServiceGraph) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	ids := make(map[string]string)
	d.mu.Lock()
	for name, st := range d.states {
		if st.state == StateHealthy && st.containerID != "" {
			ids[name] = st.containerID
		}
	}
	d.mu.Unlock()

	if len(ids) == 0 {
		return
	}
	if err := d.Teardown(ctx, g, ids); err != nil {
		slog.Warn("Teardown after cancellation reported errors", "error", err)
	}
}

func (d *Driver) failPending(cause error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, st := range d.states {
		if st.state.Terminal() || st.state == StateHealthy {
			continue
		}
		st.state = StateFailed
		st.reason = ReasonCancelled
		st.err = fmt.Errorf("%w: %v", errors.ErrCancelled, cause)
	}
}

func (d *Driver) engineFailure(service, op string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.NewTimeoutError(
			fmt.Sprintf("Engine %s for service '%s' timed out", op, service),
			err.Error(),
			"Increase the start timeout or check the engine",
			fmt.Errorf("%w: %s %s: %v", errors.ErrTimeout, op, service, err))
	}
	if stderrors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %s %s: %v", errors.ErrCancelled, op, service, err)
	}
	return errors.NewEngineError(
		fmt.Sprintf("Engine %s for service '%s' failed", op, service),
		err.Error(),
		"Check the container engine and the service configuration",
		fmt.Errorf("%w: %s %s: %v", errors.ErrEngine, op, service, err))
}

// transition moves a node to the given state unless it is already
// terminal. This is the only mutation path for node states.
func (d *Driver) transition(service string, to NodeState) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.states[service]
	if st == nil || st.state.Terminal() {
		return
	}
	st.state = to
}

func (d *Driver) markHealthy(service string, settled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.states[service]
	// Healthy is only reachable through WaitingHealthy.
	if st == nil || st.state != StateWaitingHealthy {
		return
	}
	st.state = StateHealthy
	st.settled = settled
	st.healthyAt = d.clock.Now()
}

func (d *Driver) failNode(service string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.states[service]
	if st == nil || st.state.Terminal() {
		return
	}
	st.state = StateFailed
	st.err = err
	st.reason = classifyReason(err)
	slog.Error("Service failed", "service", service, "reason", st.reason, "error", err)
}

func classifyReason(err error) FailReason {
	switch {
	case stderrors.Is(err, errors.ErrCancelled):
		return ReasonCancelled
	case stderrors.Is(err, errors.ErrTimeout):
		return ReasonTimeout
	case stderrors.Is(err, errors.ErrBuild):
		return ReasonBuild
	default:
		return ReasonEngine
	}
}

func (d *Driver) recordBuild(service string, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.states[service]; st != nil {
		st.buildElapsed = elapsed
	}
}

func (d *Driver) recordStart(service, containerID string, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.states[service]; st != nil {
		st.containerID = containerID
		st.startElapsed = elapsed
	}
}

func (d *Driver) recordHealth(service string, elapsed time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st := d.states[service]; st != nil {
		st.healthElapsed = elapsed
	}
}

func (d *Driver) collectResult(g *graph.ServiceGraph, runID string, started time.Time) *RunResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	result := &RunResult{
		RunID:   runID,
		Elapsed: d.clock.Now().Sub(started),
	}
	for _, s := range g.Nodes() {
		st := d.states[s.Name]
		result.Nodes = append(result.Nodes, NodeResult{
			Service:       st.service,
			State:         st.state,
			Reason:        st.reason,
			Err:           st.err,
			ContainerID:   st.containerID,
			Settled:       st.settled,
			BuildElapsed:  st.buildElapsed,
			StartElapsed:  st.startElapsed,
			HealthElapsed: st.healthElapsed,
			HealthyAt:     st.healthyAt,
		})
	}
	return result
}

func mergeLabels(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
