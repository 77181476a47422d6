package stack

// File is the root object that holds the entire configuration for a convoy run.
// It's populated by parsing the user's convoy.yaml file.
type File struct {
	APIVersion string    `yaml:"apiVersion" validate:"required"`
	Kind       string    `yaml:"kind" validate:"required,eq=Stack"`
	Metadata   Metadata  `yaml:"metadata" validate:"required"`
	Services   []Service `yaml:"services" validate:"required,min=1,dive"`
}

// Metadata contains stack-level metadata.
type Metadata struct {
	Name        string            `yaml:"name" validate:"required"`
	Description string            `yaml:"description,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
}

// Service declares one container to run, its wiring, and what it depends on.
// Exactly one of Image or Build must be set.
type Service struct {
	Name      string   `yaml:"name" validate:"required,hostname_rfc1123"`
	Image     string   `yaml:"image,omitempty" validate:"required_without=Build"`
	Build     *Build   `yaml:"build,omitempty"`
	Command   []string `yaml:"command,omitempty"`
	Workdir   string   `yaml:"workdir,omitempty"`
	DependsOn []string `yaml:"dependsOn,omitempty"`

	Env    map[string]string `yaml:"env,omitempty"`
	Labels map[string]string `yaml:"labels,omitempty"`
	Mounts []Mount           `yaml:"mounts,omitempty" validate:"dive"`
	Ports  []Port            `yaml:"ports,omitempty" validate:"dive"`

	Memory     string   `yaml:"memory,omitempty"`
	CPUs       float64  `yaml:"cpus,omitempty" validate:"gte=0"`
	Privileged bool     `yaml:"privileged,omitempty"`
	CapDrop    []string `yaml:"capDrop,omitempty"`

	Probe           *Probe `yaml:"probe,omitempty"`
	StopGracePeriod string `yaml:"stopGracePeriod,omitempty"`
}

// Build describes how to produce the service image from a local context.
type Build struct {
	Context    string `yaml:"context" validate:"required"`
	Dockerfile string `yaml:"dockerfile,omitempty"`
	Tag        string `yaml:"tag,omitempty"`
}

// Mount maps a host path or volume into the container.
type Mount struct {
	Kind     string `yaml:"kind,omitempty" validate:"omitempty,oneof=bind volume anonymous"`
	Source   string `yaml:"source,omitempty"`
	Target   string `yaml:"target" validate:"required"`
	ReadOnly bool   `yaml:"readOnly,omitempty"`
}

// Port publishes a container port on the host.
type Port struct {
	Host      int `yaml:"host" validate:"required,min=1,max=65535"`
	Container int `yaml:"container" validate:"required,min=1,max=65535"`
}

// Probe declares how to decide a service is ready for its dependents.
type Probe struct {
	// Kind is one of http, command, settle.
	Kind string `yaml:"kind" validate:"required,oneof=http command settle"`

	// HTTP probe fields.
	Path string `yaml:"path,omitempty"`
	Port int    `yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`

	// Command probe fields.
	Command  []string `yaml:"command,omitempty"`
	ExitCode int      `yaml:"exitCode,omitempty"`

	// Settle probe: a fixed delay after start, for services with no
	// usable readiness signal. Weaker guarantee than a real probe.
	Delay string `yaml:"delay,omitempty"`

	Timeout         string `yaml:"timeout,omitempty"`
	InitialInterval string `yaml:"initialInterval,omitempty"`
	MaxInterval     string `yaml:"maxInterval,omitempty"`
}
