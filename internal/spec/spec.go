package spec

import (
	"fmt"
	"path"
	"sort"
	"time"

	"github.com/docker/go-units"

	"convoy/internal/errors"
	"convoy/pkg/stack"
)

// Defaults applied when a service omits the corresponding probe fields.
const (
	DefaultProbeTimeout    = 60 * time.Second
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 5 * time.Second
	DefaultSettleDelay     = 3 * time.Second
	DefaultStopGracePeriod = 10 * time.Second
)

// ProbeKind enumerates the supported readiness probe flavors.
type ProbeKind string

const (
	ProbeHTTP    ProbeKind = "http"
	ProbeCommand ProbeKind = "command"
	// ProbeSettle is a fixed delay after start. It is a weaker guarantee
	// than a real probe and results flag it as "settled".
	ProbeSettle ProbeKind = "settle"
)

// Probe is the validated readiness probe descriptor of a ContainerSpec.
type Probe struct {
	Kind            ProbeKind
	Path            string
	Port            int
	Command         []string
	ExitCode        int
	Delay           time.Duration
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// ContainerSpec is the immutable, validated description of one container.
// It is produced by Build and never mutated afterwards; the lifecycle
// driver treats it as a read-only value.
type ContainerSpec struct {
	Name        string
	Image       string
	BuildCtx    string
	Dockerfile  string
	Command     []string
	Workdir     string
	Env         []string // KEY=VALUE, sorted for deterministic output
	Labels      map[string]string
	Mounts      []MountSpec
	Ports       []PortSpec
	MemoryBytes int64
	NanoCPUs    int64
	Privileged  bool
	CapDrop     []string
	Probe       *Probe
	StopGrace   time.Duration
	DependsOn   []string
}

// MountSpec is one validated mount of a ContainerSpec.
type MountSpec struct {
	Kind     string // bind, volume, anonymous
	Source   string
	Target   string
	ReadOnly bool
}

// PortSpec is one validated host→container port publication.
type PortSpec struct {
	Host      int
	Container int
}

// BuildCacheKey identifies the image a spec's build step would produce.
// The driver serializes concurrent builds that share a key so the same
// image is never built twice at once.
func (s *ContainerSpec) BuildCacheKey() string {
	if s.BuildCtx == "" {
		return ""
	}
	return s.BuildCtx + "|" + s.Dockerfile + "|" + s.Image
}

// Build translates one declared service into a validated ContainerSpec.
// It is a pure function: no I/O, no side effects, and the same input
// always yields an identical spec.
func Build(svc *stack.Service) (*ContainerSpec, error) {
	if svc == nil {
		return nil, errors.NewValidationError(
			"Cannot build container spec",
			"service declaration is nil",
			"Declare at least one service in the stack file",
			fmt.Errorf("%w: nil service", errors.ErrValidation))
	}

	if svc.Name == "" {
		return nil, validationErr(svc.Name, "service name is required")
	}
	if svc.Image == "" && svc.Build == nil {
		return nil, validationErr(svc.Name, "one of image or build is required")
	}
	if svc.Privileged && len(svc.CapDrop) > 0 {
		return nil, validationErr(svc.Name, "privileged and capDrop are mutually exclusive")
	}

	out := &ContainerSpec{
		Name:       svc.Name,
		Image:      svc.Image,
		Command:    append([]string(nil), svc.Command...),
		Workdir:    svc.Workdir,
		Privileged: svc.Privileged,
		CapDrop:    append([]string(nil), svc.CapDrop...),
		DependsOn:  append([]string(nil), svc.DependsOn...),
		StopGrace:  DefaultStopGracePeriod,
	}

	if svc.Build != nil {
		if svc.Build.Context == "" {
			return nil, validationErr(svc.Name, "build.context is required when build is set")
		}
		out.BuildCtx = svc.Build.Context
		out.Dockerfile = svc.Build.Dockerfile
		if out.Dockerfile == "" {
			out.Dockerfile = "Dockerfile"
		}
		if out.Image == "" {
			out.Image = svc.Build.Tag
		}
		if out.Image == "" {
			out.Image = svc.Name + ":convoy"
		}
	}

	if len(svc.Labels) > 0 {
		out.Labels = make(map[string]string, len(svc.Labels))
		for k, v := range svc.Labels {
			out.Labels[k] = v
		}
	}

	// Environment keys are unique by construction (map), order irrelevant;
	// sort so the produced spec is byte-identical across runs.
	if len(svc.Env) > 0 {
		keys := make([]string, 0, len(svc.Env))
		for k := range svc.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out.Env = make([]string, 0, len(keys))
		for _, k := range keys {
			out.Env = append(out.Env, k+"="+svc.Env[k])
		}
	}

	for i := range svc.Mounts {
		m, err := buildMount(svc.Name, &svc.Mounts[i])
		if err != nil {
			return nil, err
		}
		out.Mounts = append(out.Mounts, m)
	}

	seen := make(map[int]bool, len(svc.Ports))
	for _, p := range svc.Ports {
		if p.Host < 1 || p.Host > 65535 {
			return nil, validationErr(svc.Name, fmt.Sprintf("host port %d out of range [1,65535]", p.Host))
		}
		if p.Container < 1 || p.Container > 65535 {
			return nil, validationErr(svc.Name, fmt.Sprintf("container port %d out of range [1,65535]", p.Container))
		}
		if seen[p.Host] {
			return nil, validationErr(svc.Name, fmt.Sprintf("host port %d published twice", p.Host))
		}
		seen[p.Host] = true
		out.Ports = append(out.Ports, PortSpec{Host: p.Host, Container: p.Container})
	}

	if svc.Memory != "" {
		mem, err := units.RAMInBytes(svc.Memory)
		if err != nil {
			return nil, validationErr(svc.Name, fmt.Sprintf("invalid memory limit %q: %v", svc.Memory, err))
		}
		if mem <= 0 {
			return nil, validationErr(svc.Name, fmt.Sprintf("memory limit must be positive, got %q", svc.Memory))
		}
		out.MemoryBytes = mem
	}

	if svc.CPUs < 0 {
		return nil, validationErr(svc.Name, "cpus must not be negative")
	}
	if svc.CPUs > 0 {
		out.NanoCPUs = int64(svc.CPUs * 1e9)
	}

	if svc.StopGracePeriod != "" {
		d, err := time.ParseDuration(svc.StopGracePeriod)
		if err != nil || d < 0 {
			return nil, validationErr(svc.Name, fmt.Sprintf("invalid stopGracePeriod %q", svc.StopGracePeriod))
		}
		out.StopGrace = d
	}

	if svc.Probe != nil {
		probe, err := buildProbe(svc.Name, svc.Probe, out.Ports)
		if err != nil {
			return nil, err
		}
		out.Probe = probe
	}

	return out, nil
}

func buildMount(service string, m *stack.Mount) (MountSpec, error) {
	kind := m.Kind
	if kind == "" {
		kind = "bind"
	}
	if !path.IsAbs(m.Target) {
		return MountSpec{}, validationErr(service, fmt.Sprintf("mount target %q must be an absolute path", m.Target))
	}
	switch kind {
	case "bind", "volume":
		if m.Source == "" {
			return MountSpec{}, validationErr(service, fmt.Sprintf("%s mount for %q requires a source", kind, m.Target))
		}
	case "anonymous":
		if m.Source != "" {
			return MountSpec{}, validationErr(service, fmt.Sprintf("anonymous mount for %q must not set a source", m.Target))
		}
	default:
		return MountSpec{}, validationErr(service, fmt.Sprintf("unknown mount kind %q", kind))
	}
	return MountSpec{Kind: kind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly}, nil
}

func buildProbe(service string, p *stack.Probe, ports []PortSpec) (*Probe, error) {
	out := &Probe{
		Kind:            ProbeKind(p.Kind),
		Timeout:         DefaultProbeTimeout,
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
	}

	switch out.Kind {
	case ProbeHTTP:
		if p.Path == "" {
			return nil, validationErr(service, "http probe requires a path")
		}
		if p.Port < 1 || p.Port > 65535 {
			return nil, validationErr(service, fmt.Sprintf("http probe port %d out of range [1,65535]", p.Port))
		}
		out.Path = p.Path
		out.Port = p.Port
	case ProbeCommand:
		if len(p.Command) == 0 {
			return nil, validationErr(service, "command probe requires a command")
		}
		out.Command = append([]string(nil), p.Command...)
		out.ExitCode = p.ExitCode
	case ProbeSettle:
		out.Delay = DefaultSettleDelay
		if p.Delay != "" {
			d, err := time.ParseDuration(p.Delay)
			if err != nil || d <= 0 {
				return nil, validationErr(service, fmt.Sprintf("invalid settle delay %q", p.Delay))
			}
			out.Delay = d
		}
	default:
		return nil, validationErr(service, fmt.Sprintf("unknown probe kind %q", p.Kind))
	}

	if p.Timeout != "" {
		d, err := time.ParseDuration(p.Timeout)
		if err != nil || d <= 0 {
			return nil, validationErr(service, fmt.Sprintf("invalid probe timeout %q", p.Timeout))
		}
		out.Timeout = d
	}
	if p.InitialInterval != "" {
		d, err := time.ParseDuration(p.InitialInterval)
		if err != nil || d <= 0 {
			return nil, validationErr(service, fmt.Sprintf("invalid probe initialInterval %q", p.InitialInterval))
		}
		out.InitialInterval = d
	}
	if p.MaxInterval != "" {
		d, err := time.ParseDuration(p.MaxInterval)
		if err != nil || d <= 0 {
			return nil, validationErr(service, fmt.Sprintf("invalid probe maxInterval %q", p.MaxInterval))
		}
		out.MaxInterval = d
	}
	if out.MaxInterval < out.InitialInterval {
		return nil, validationErr(service, "probe maxInterval must not be smaller than initialInterval")
	}

	return out, nil
}

func validationErr(service, cause string) error {
	context := "Invalid container spec"
	if service != "" {
		context = fmt.Sprintf("Invalid container spec for service '%s'", service)
	}
	return errors.NewValidationError(
		context,
		cause,
		"Fix the service declaration in the stack file and run 'convoy validate'",
		fmt.Errorf("%w: %s: %s", errors.ErrValidation, service, cause))
}
