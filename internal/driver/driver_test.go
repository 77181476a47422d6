package driver

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"convoy/internal/errors"
	"convoy/internal/graph"
	"convoy/internal/spec"
	"convoy/pkg/engine"
)

// fakeClock advances instantly on After, making waits deterministic.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// fakeEngine records every call with the fake clock's timestamp.
type fakeEngine struct {
	mu    sync.Mutex
	clock *fakeClock

	builds      []string
	creates     []string
	createTimes map[string]time.Time
	stops       []string
	removes     []string

	failBuildTag string
	execExit     int
	onCreate     func(name string)
}

func newFakeEngine(clock *fakeClock) *fakeEngine {
	return &fakeEngine{clock: clock, createTimes: make(map[string]time.Time)}
}

func (e *fakeEngine) BuildImage(ctx context.Context, req engine.BuildRequest) (string, error) {
	e.mu.Lock()
	e.builds = append(e.builds, req.Tag)
	fail := req.Tag == e.failBuildTag
	e.mu.Unlock()

	if fail {
		return "", fmt.Errorf("step 3/7 RUN make: exit status 2")
	}
	return req.Tag, nil
}

func (e *fakeEngine) CreateContainer(ctx context.Context, req engine.CreateRequest) (string, error) {
	e.mu.Lock()
	e.creates = append(e.creates, req.Name)
	e.createTimes[req.Name] = e.clock.Now()
	hook := e.onCreate
	e.mu.Unlock()

	if hook != nil {
		hook(req.Name)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "ctr-" + req.Name, nil
}

func (e *fakeEngine) StartContainer(ctx context.Context, containerID string) error {
	return ctx.Err()
}

func (e *fakeEngine) StopContainer(ctx context.Context, containerID string, gracePeriod time.Duration) error {
	e.mu.Lock()
	e.stops = append(e.stops, containerID)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) RemoveContainer(ctx context.Context, containerID string) error {
	e.mu.Lock()
	e.removes = append(e.removes, containerID)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) ExecProbe(ctx context.Context, containerID string, command []string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.execExit, nil
}

func (e *fakeEngine) StreamLogs(ctx context.Context, containerID string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("started\n")), nil
}

func settleSpec(name string, deps ...string) *spec.ContainerSpec {
	return &spec.ContainerSpec{
		Name:      name,
		Image:     name + ":latest",
		DependsOn: deps,
		StopGrace: spec.DefaultStopGracePeriod,
		Probe:     &spec.Probe{Kind: spec.ProbeSettle, Delay: time.Second},
	}
}

func mustGraph(t *testing.T, specs ...*spec.ContainerSpec) *graph.ServiceGraph {
	t.Helper()
	g, err := graph.New(specs)
	if err != nil {
		t.Fatalf("graph.New returned error: %v", err)
	}
	return g
}

func newTestDriver(clock *fakeClock, eng *fakeEngine) *Driver {
	return New(Config{Engine: eng, Clock: clock, Sequential: true})
}

func TestRun_StartsInDependencyOrder(t *testing.T) {
	clock := newFakeClock()
	eng := newFakeEngine(clock)
	d := newTestDriver(clock, eng)

	g := mustGraph(t,
		settleSpec("db"),
		settleSpec("api", "db"),
		settleSpec("proxy", "api"),
	)

	result := d.Run(context.Background(), g)
	if result.Failed() {
		t.Fatalf("run failed: %+v", result.Nodes)
	}

	wantOrder := []string{"db", "api", "proxy"}
	if len(eng.creates) != 3 {
		t.Fatalf("expected 3 creates, got %v", eng.creates)
	}
	for i, name := range wantOrder {
		if eng.creates[i] != name {
			t.Errorf("create %d = %q, want %q", i, eng.creates[i], name)
		}
	}

	// A dependent must not start before its dependency is healthy.
	api, _ := result.Node("api")
	if eng.createTimes["proxy"].Before(api.HealthyAt) {
		t.Errorf("proxy created at %v, before api became healthy at %v",
			eng.createTimes["proxy"], api.HealthyAt)
	}

	for _, n := range result.Nodes {
		if n.State != StateHealthy {
			t.Errorf("%s ended in %s, want Healthy", n.Service, n.State)
		}
		if !n.Settled {
			t.Errorf("%s used a settle probe but is not marked settled", n.Service)
		}
		if n.ContainerID != "ctr-"+n.Service {
			t.Errorf("%s container ID = %q", n.Service, n.ContainerID)
		}
	}
}

func TestRun_IndependentNodesKeepDeclarationOrder(t *testing.T) {
	clock := newFakeClock()
	eng := newFakeEngine(clock)
	d := newTestDriver(clock, eng)

	g := mustGraph(t,
		settleSpec("zeta"),
		settleSpec("alpha"),
	)

	result := d.Run(context.Background(), g)
	if result.Failed() {
		t.Fatalf("run failed: %+v", result.Nodes)
	}
	if len(eng.creates) != 2 || eng.creates[0] != "zeta" || eng.creates[1] != "alpha" {
		t.Errorf("creates = %v, want [zeta alpha]", eng.creates)
	}
	if result.Nodes[0].Service != "zeta" || result.Nodes[1].Service != "alpha" {
		t.Errorf("results out of declaration order: %v", result.Nodes)
	}
}

func TestRun_BuildFailureSkipsDependents(t *testing.T) {
	clock := newFakeClock()
	eng := newFakeEngine(clock)
	eng.failBuildTag = "db:convoy"
	d := newTestDriver(clock, eng)

	db := settleSpec("db")
	db.Image = "db:convoy"
	db.BuildCtx = "./db"
	db.Dockerfile = "Dockerfile"

	g := mustGraph(t, db, settleSpec("api", "db"), settleSpec("proxy", "api"))

	result := d.Run(context.Background(), g)
	if !result.Failed() {
		t.Fatal("run with a failed build must be reported as failed")
	}

	dbRes, _ := result.Node("db")
	if dbRes.State != StateFailed || dbRes.Reason != ReasonBuild {
		t.Errorf("db = %s/%s, want Failed/BuildError", dbRes.State, dbRes.Reason)
	}

	// Both transitive dependents are skipped, never silently omitted.
	for _, name := range []string{"api", "proxy"} {
		n, ok := result.Node(name)
		if !ok {
			t.Fatalf("%s missing from results", name)
		}
		if n.State != StateSkipped || n.Reason != ReasonDependency {
			t.Errorf("%s = %s/%s, want Skipped/DependencyFailed", name, n.State, n.Reason)
		}
	}

	// No container may be created for the failed node or its dependents.
	if len(eng.creates) != 0 {
		t.Errorf("unexpected creates: %v", eng.creates)
	}

	if err := result.FirstError(); !stderrors.Is(err, errors.ErrBuild) {
		t.Errorf("FirstError = %v, want ErrBuild", err)
	}
}

func TestRun_SharedBuildKeyBuildsOnce(t *testing.T) {
	clock := newFakeClock()
	eng := newFakeEngine(clock)
	d := newTestDriver(clock, eng)

	worker := settleSpec("worker")
	worker.Image = "jobs:convoy"
	worker.BuildCtx = "./jobs"
	worker.Dockerfile = "Dockerfile"
	cron := settleSpec("cron")
	cron.Image = "jobs:convoy"
	cron.BuildCtx = "./jobs"
	cron.Dockerfile = "Dockerfile"

	g := mustGraph(t, worker, cron)

	result := d.Run(context.Background(), g)
	if result.Failed() {
		t.Fatalf("run failed: %+v", result.Nodes)
	}
	if len(eng.builds) != 1 {
		t.Errorf("expected a single build for the shared cache key, got %v", eng.builds)
	}
	if len(eng.creates) != 2 {
		t.Errorf("both services must still get containers, creates = %v", eng.creates)
	}
}

func TestRun_ProbeTimeoutFailsNode(t *testing.T) {
	clock := newFakeClock()
	eng := newFakeEngine(clock)
	eng.execExit = 1 // probe never passes
	d := newTestDriver(clock, eng)

	db := &spec.ContainerSpec{
		Name:      "db",
		Image:     "postgres:16",
		StopGrace: spec.DefaultStopGracePeriod,
		Probe: &spec.Probe{
			Kind:            spec.ProbeCommand,
			Command:         []string{"pg_isready"},
			Timeout:         10 * time.Second,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     5 * time.Second,
		},
	}
	g := mustGraph(t, db, settleSpec("api", "db"))

	result := d.Run(context.Background(), g)
	if !result.Failed() {
		t.Fatal("run must fail when a probe times out")
	}

	dbRes, _ := result.Node("db")
	if dbRes.State != StateFailed || dbRes.Reason != ReasonTimeout {
		t.Errorf("db = %s/%s, want Failed/Timeout", dbRes.State, dbRes.Reason)
	}
	if !stderrors.Is(dbRes.Err, errors.ErrTimeout) {
		t.Errorf("db error = %v, want ErrTimeout", dbRes.Err)
	}
	if dbRes.HealthElapsed < 10*time.Second {
		t.Errorf("health wait reported %v, before the 10s deadline", dbRes.HealthElapsed)
	}

	apiRes, _ := result.Node("api")
	if apiRes.State != StateSkipped {
		t.Errorf("api = %s, want Skipped", apiRes.State)
	}
}

func TestRun_CancellationStopsHealthyNodes(t *testing.T) {
	clock := newFakeClock()
	eng := newFakeEngine(clock)
	d := newTestDriver(clock, eng)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// Cancel the run the moment the second batch reaches the engine.
	eng.onCreate = func(name string) {
		if name == "api" {
			cancel()
		}
	}

	g := mustGraph(t,
		settleSpec("db"),
		settleSpec("api", "db"),
		settleSpec("proxy", "api"),
	)

	result := d.Run(ctx, g)
	if !result.Failed() {
		t.Fatal("cancelled run must be reported as failed")
	}

	// Every node must end in a terminal state; none may be left Pending.
	for _, n := range result.Nodes {
		if !n.State.Terminal() {
			t.Errorf("%s left in non-terminal state %s", n.Service, n.State)
		}
	}

	// The healthy dependency is torn down, not abandoned.
	dbRes, _ := result.Node("db")
	if dbRes.State != StateStopped {
		t.Errorf("db = %s, want Stopped after cancellation", dbRes.State)
	}
	found := false
	for _, id := range eng.stops {
		if id == "ctr-db" {
			found = true
		}
	}
	if !found {
		t.Errorf("db container was never stopped, stops = %v", eng.stops)
	}

	apiRes, _ := result.Node("api")
	if apiRes.Reason != ReasonCancelled {
		t.Errorf("api reason = %s, want Cancelled", apiRes.Reason)
	}
	proxyRes, _ := result.Node("proxy")
	if proxyRes.State != StateFailed || proxyRes.Reason != ReasonCancelled {
		t.Errorf("proxy = %s/%s, want Failed/Cancelled", proxyRes.State, proxyRes.Reason)
	}
}

func TestTeardown_ReverseOrder(t *testing.T) {
	clock := newFakeClock()
	eng := newFakeEngine(clock)
	d := newTestDriver(clock, eng)

	g := mustGraph(t,
		settleSpec("db"),
		settleSpec("api", "db"),
		settleSpec("proxy", "api"),
	)

	result := d.Run(context.Background(), g)
	if result.Failed() {
		t.Fatalf("run failed: %+v", result.Nodes)
	}

	ids := make(map[string]string)
	for _, n := range result.Nodes {
		ids[n.Service] = n.ContainerID
	}
	if err := d.Teardown(context.Background(), g, ids); err != nil {
		t.Fatalf("Teardown returned error: %v", err)
	}

	wantStops := []string{"ctr-proxy", "ctr-api", "ctr-db"}
	if len(eng.stops) != len(wantStops) {
		t.Fatalf("stops = %v, want %v", eng.stops, wantStops)
	}
	for i := range wantStops {
		if eng.stops[i] != wantStops[i] {
			t.Errorf("stop %d = %q, want %q", i, eng.stops[i], wantStops[i])
		}
		if eng.removes[i] != wantStops[i] {
			t.Errorf("remove %d = %q, want %q", i, eng.removes[i], wantStops[i])
		}
	}
}

func TestTeardown_SkipsUnknownContainers(t *testing.T) {
	clock := newFakeClock()
	eng := newFakeEngine(clock)
	d := newTestDriver(clock, eng)

	g := mustGraph(t, settleSpec("db"), settleSpec("api", "db"))

	// Only db ever got a container.
	if err := d.Teardown(context.Background(), g, map[string]string{"db": "ctr-db"}); err != nil {
		t.Fatalf("Teardown returned error: %v", err)
	}
	if len(eng.stops) != 1 || eng.stops[0] != "ctr-db" {
		t.Errorf("stops = %v, want [ctr-db]", eng.stops)
	}
}
