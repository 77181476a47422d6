package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"convoy/internal/driver"
	dockerengine "convoy/internal/engine"
	"convoy/internal/errors"
	"convoy/internal/graph"
	"convoy/internal/logs"
	"convoy/internal/parser"
	"convoy/internal/spec"
	"convoy/internal/ui"
	"convoy/pkg/engine"
	"convoy/pkg/stack"
)

const (
	// Color codes for console output
	ColorReset  = "\033[0m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// runtimeEngine is what the app layer needs from a concrete engine: the
// lifecycle seam plus stack-network management.
type runtimeEngine interface {
	engine.Engine
	EnsureNetwork(ctx context.Context, name string) (string, error)
	RemoveNetwork(ctx context.Context, name string) error
}

// newEngine is swapped out in tests for a fake.
var newEngine = func() (runtimeEngine, error) {
	return dockerengine.NewDockerEngine()
}

// Load parses a stack file and builds its validated service graph. All
// validation (spec fields, unknown dependencies, cycles) happens here,
// before any engine call.
func Load(stackPath string) (*stack.File, *graph.ServiceGraph, error) {
	file, err := parser.Parse(stackPath)
	if err != nil {
		return nil, nil, err
	}

	specs := make([]*spec.ContainerSpec, 0, len(file.Services))
	for i := range file.Services {
		s, err := spec.Build(&file.Services[i])
		if err != nil {
			return nil, nil, err
		}
		specs = append(specs, s)
	}

	g, err := graph.New(specs)
	if err != nil {
		return nil, nil, err
	}
	return file, g, nil
}

// Validate checks a stack file end to end and optionally prints the
// normalized document.
func Validate(stackPath string, print bool) error {
	file, g, err := Load(stackPath)
	if err != nil {
		return err
	}

	if print {
		out, err := parser.Serialize(file)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	}

	fmt.Printf("%s✅ Stack '%s' is valid: %d services in %d batches%s\n",
		ColorGreen, file.Metadata.Name, len(g.Nodes()), len(g.Batches()), ColorReset)
	return nil
}

// Up brings the whole stack up: validate, order, build, start, and
// health-gate every service, then persist what was created.
func Up(ctx context.Context, stackPath string, dryRun, forceRecreate bool) error {
	slog.Info("Starting convoy up", "stackPath", stackPath, "dryRun", dryRun)

	file, g, err := Load(stackPath)
	if err != nil {
		return err
	}

	settings, err := LoadSettings()
	if err != nil {
		return err
	}

	network := settings.Network
	if network == "" {
		network = "convoy-" + file.Metadata.Name
	}

	if dryRun {
		printPlan(file, g, network)
		return nil
	}

	prior, err := loadState()
	if err != nil {
		return err
	}
	if prior != nil && !forceRecreate {
		return errors.NewStateError(
			fmt.Sprintf("Stack '%s' appears to be up already", prior.StackName),
			fmt.Sprintf("state file %s exists (run %s)", StateFileName, prior.RunID),
			"Run 'convoy down' first, or pass --force-recreate",
			fmt.Errorf("%w: state file exists", errors.ErrStateInvalid))
	}

	eng, err := newEngine()
	if err != nil {
		return errors.NewEngineError(
			"Cannot connect to the container engine",
			err.Error(),
			"Check that the Docker daemon is running and reachable",
			fmt.Errorf("%w: %v", errors.ErrEngine, err))
	}

	drv := driver.New(driver.Config{
		Engine:       eng,
		Network:      network,
		ProbeHost:    settings.ProbeHost,
		Labels:       map[string]string{"convoy.stack": file.Metadata.Name},
		BuildTimeout: settings.BuildTimeout,
		StartTimeout: settings.StartTimeout,
		Sequential:   settings.Sequential,
	})

	if prior != nil && forceRecreate {
		fmt.Printf("%s♻️  Removing containers from previous run %s%s\n", ColorYellow, prior.RunID, ColorReset)
		if err := drv.Teardown(ctx, g, prior.containerIDs()); err != nil {
			slog.Warn("Teardown of previous run reported errors", "error", err)
		}
		if err := removeStateFile(); err != nil {
			return err
		}
	}

	if _, err := eng.EnsureNetwork(ctx, network); err != nil {
		return errors.NewEngineError(
			fmt.Sprintf("Cannot create network '%s'", network),
			err.Error(),
			"Check the Docker daemon logs",
			fmt.Errorf("%w: %v", errors.ErrEngine, err))
	}

	fmt.Printf("%s🚢 Starting stack '%s' (%d services, %d batches)%s\n",
		ColorCyan, file.Metadata.Name, len(g.Nodes()), len(g.Batches()), ColorReset)

	result := drv.Run(ctx, g)
	printResult(result)

	if err := saveState(newState(stackPath, file.Metadata.Name, network, result)); err != nil {
		slog.Warn("Failed to save run state", "error", err)
	}

	if result.Failed() {
		if err := result.FirstError(); err != nil {
			return err
		}
		return fmt.Errorf("%w: stack %s failed", errors.ErrEngine, file.Metadata.Name)
	}

	fmt.Printf("%s🎉 Stack '%s' is up and healthy%s\n", ColorGreen, file.Metadata.Name, ColorReset)
	return nil
}

// Down stops and removes what the last 'up' created, in reverse dependency
// order, then deletes the stack network and the state file.
func Down(ctx context.Context, stackPath string) error {
	state, err := loadState()
	if err != nil {
		return err
	}
	if state == nil {
		return errors.NewStateError(
			"No stack is up",
			fmt.Sprintf("state file %s not found", StateFileName),
			"Run 'convoy up' first",
			fmt.Errorf("%w: no state file", errors.ErrStateInvalid))
	}

	if stackPath == "" {
		stackPath = state.StackPath
	}
	_, g, err := Load(stackPath)
	if err != nil {
		return err
	}

	eng, err := newEngine()
	if err != nil {
		return errors.NewEngineError(
			"Cannot connect to the container engine",
			err.Error(),
			"Check that the Docker daemon is running and reachable",
			fmt.Errorf("%w: %v", errors.ErrEngine, err))
	}

	fmt.Printf("%s🛑 Stopping stack '%s'%s\n", ColorYellow, state.StackName, ColorReset)

	drv := driver.New(driver.Config{Engine: eng})
	if err := drv.Teardown(ctx, g, state.containerIDs()); err != nil {
		return errors.NewEngineError(
			fmt.Sprintf("Teardown of stack '%s' reported errors", state.StackName),
			err.Error(),
			"Remove the remaining containers manually and delete the state file",
			fmt.Errorf("%w: %v", errors.ErrEngine, err))
	}

	if state.Network != "" {
		if err := eng.RemoveNetwork(ctx, state.Network); err != nil {
			slog.Warn("Failed to remove network", "network", state.Network, "error", err)
		}
	}

	if err := removeStateFile(); err != nil {
		return err
	}

	fmt.Printf("%s✅ Stack '%s' is down%s\n", ColorGreen, state.StackName, ColorReset)
	return nil
}

// Logs tails one service's output to stdout until the stream ends or ctx
// is cancelled.
func Logs(ctx context.Context, service string) error {
	state, err := loadState()
	if err != nil {
		return err
	}
	if state == nil {
		return errors.NewStateError(
			"No stack is up",
			fmt.Sprintf("state file %s not found", StateFileName),
			"Run 'convoy up' first",
			fmt.Errorf("%w: no state file", errors.ErrStateInvalid))
	}

	svc, ok := state.Services[service]
	if !ok || svc.ContainerID == "" {
		return errors.NewStateError(
			fmt.Sprintf("Service '%s' has no recorded container", service),
			"the last run did not start it",
			"Check 'convoy status' for the recorded services",
			fmt.Errorf("%w: unknown service %s", errors.ErrStateInvalid, service))
	}

	eng, err := newEngine()
	if err != nil {
		return errors.NewEngineError(
			"Cannot connect to the container engine",
			err.Error(),
			"Check that the Docker daemon is running and reachable",
			fmt.Errorf("%w: %v", errors.ErrEngine, err))
	}

	reader, err := eng.StreamLogs(ctx, svc.ContainerID)
	if err != nil {
		return errors.NewEngineError(
			fmt.Sprintf("Cannot attach to logs of service '%s'", service),
			err.Error(),
			"Check that the container still exists",
			fmt.Errorf("%w: %v", errors.ErrEngine, err))
	}

	collector := logs.NewCollector()
	stream := collector.Attach(service)
	go collector.Pump(service, reader)
	stream.Tail(ctx, os.Stdout)
	return nil
}

// Status prints the recorded per-service states of the last run.
func Status() error {
	state, err := loadState()
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Println("No stack is up.")
		return nil
	}

	fmt.Printf("Stack: %s  (run %s, started %s)\n", state.StackName, state.RunID,
		state.CreatedAt.Format("2006-01-02 15:04:05"))

	names := make([]string, 0, len(state.Services))
	for name := range state.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	console := ui.NewConsole()
	for _, name := range names {
		svc := state.Services[name]
		detail := svc.Reason
		if svc.Settled {
			detail = strings.TrimSpace(detail + " settled")
		}
		console.PrintNodeState(name, svc.State, detail)
	}
	return nil
}

func printPlan(file *stack.File, g *graph.ServiceGraph, network string) {
	fmt.Printf("%s🔍 DRY RUN MODE - No actual changes will be made%s\n", ColorYellow, ColorReset)
	fmt.Printf("Stack:   %s\n", file.Metadata.Name)
	fmt.Printf("Network: %s\n", network)
	for i, batch := range g.Batches() {
		fmt.Printf("Batch %d: %s\n", i+1, strings.Join(batch, ", "))
	}
	fmt.Printf("%s✅ Plan computed successfully%s\n", ColorGreen, ColorReset)
}

func printResult(result *driver.RunResult) {
	console := ui.NewConsole()
	for _, n := range result.Nodes {
		detail := ""
		if n.Err != nil {
			detail = n.Err.Error()
		} else if n.Settled {
			detail = "settled"
		}
		console.PrintNodeState(n.Service, string(n.State), detail)
	}
}
