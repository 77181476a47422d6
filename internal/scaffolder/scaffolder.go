package scaffolder

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"convoy/pkg/stack"
)

// Scaffold writes a starter stack file to destPath so a new project has a
// working document to edit. It refuses to overwrite an existing file.
func Scaffold(destPath, stackName string, isDryRun bool) error {
	if stackName == "" {
		stackName = "example"
	}

	starter := starterStack(stackName)
	data, err := yaml.Marshal(starter)
	if err != nil {
		return fmt.Errorf("failed to serialize starter stack: %w", err)
	}

	if isDryRun {
		fmt.Printf("DRY RUN: Would write starter stack to %s:\n\n%s", destPath, string(data))
		return nil
	}

	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("refusing to overwrite existing file: %s", destPath)
	}

	if err := os.WriteFile(destPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write starter stack: %w", err)
	}

	return nil
}

// starterStack is a two-service example: a database gated by a command
// probe, and an API that depends on it, gated by an HTTP probe.
func starterStack(name string) *stack.File {
	return &stack.File{
		APIVersion: "v1",
		Kind:       "Stack",
		Metadata: stack.Metadata{
			Name:        name,
			Description: "Starter stack generated by convoy init",
		},
		Services: []stack.Service{
			{
				Name:  "db",
				Image: "postgres:16",
				Env: map[string]string{
					"POSTGRES_PASSWORD": "change-me",
				},
				Mounts: []stack.Mount{
					{Kind: "volume", Source: name + "-db-data", Target: "/var/lib/postgresql/data"},
				},
				Probe: &stack.Probe{
					Kind:    "command",
					Command: []string{"pg_isready", "-U", "postgres"},
				},
			},
			{
				Name:      "api",
				Image:     "nginx:alpine",
				DependsOn: []string{"db"},
				Ports: []stack.Port{
					{Host: 8080, Container: 80},
				},
				Memory: "256m",
				Probe: &stack.Probe{
					Kind: "http",
					Path: "/",
					Port: 8080,
				},
			},
		},
	}
}
