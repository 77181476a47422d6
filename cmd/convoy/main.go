package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"convoy/internal/app"
	"convoy/internal/errors"
	"convoy/internal/scaffolder"
)

// version is set at build time via ldflags
var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "convoy",
	Short:   "Convoy - container lifecycle driver for multi-service stacks",
	Version: version,
	Long: `Convoy drives container stacks through build, start, health-wait, and
teardown from a single declarative stack file, respecting the declared
dependencies between services.`,
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Bring the stack up in dependency order",
	Long: `Up validates the stack file, orders services into dependency batches,
then builds, starts, and health-gates every service. A service is started
only once all of its dependencies are healthy.`,
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		forceRecreate, _ := cmd.Flags().GetBool("force-recreate")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		exit(app.Up(ctx, file, dryRun, forceRecreate))
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Stop and remove the stack",
	Long: `Down stops and removes the containers recorded by the last 'up', in
reverse dependency order so no dependent outlives its dependency, then
removes the stack network.`,
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		exit(app.Down(ctx, file))
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <service>",
	Short: "Tail one service's output",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		exit(app.Logs(ctx, args[0]))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the recorded state of the last run",
	Run: func(cmd *cobra.Command, args []string) {
		exit(app.Status())
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a stack file without touching the engine",
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		print, _ := cmd.Flags().GetBool("print")

		exit(app.Validate(file, print))
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter stack file",
	Run: func(cmd *cobra.Command, args []string) {
		file, _ := cmd.Flags().GetString("file")
		name, _ := cmd.Flags().GetString("name")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		if err := scaffolder.Scaffold(file, name, dryRun); err != nil {
			exit(err)
		}
		if !dryRun {
			fmt.Printf("Starter stack written to %s\n", file)
		}
	},
}

// exit reports err through the shared handler and terminates with the
// exit code of its failure class.
func exit(err error) {
	if err == nil {
		return
	}
	errors.HandleError(err)
	os.Exit(errors.ExitCode(err))
}

func init() {
	upCmd.Flags().StringP("file", "f", "convoy.yaml", "Path to the stack YAML file")
	upCmd.Flags().Bool("dry-run", false, "Print the execution plan without making any changes")
	upCmd.Flags().Bool("force-recreate", false, "Tear down containers from a previous run before starting")
	rootCmd.AddCommand(upCmd)

	downCmd.Flags().StringP("file", "f", "", "Path to the stack YAML file (defaults to the recorded one)")
	rootCmd.AddCommand(downCmd)

	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(statusCmd)

	validateCmd.Flags().StringP("file", "f", "convoy.yaml", "Path to the stack YAML file")
	validateCmd.Flags().Bool("print", false, "Print the normalized stack document")
	rootCmd.AddCommand(validateCmd)

	initCmd.Flags().StringP("file", "f", "convoy.yaml", "Destination path for the starter stack")
	initCmd.Flags().String("name", "example", "Stack name for the starter file")
	initCmd.Flags().Bool("dry-run", false, "Print the starter stack without writing it")
	rootCmd.AddCommand(initCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		slog.Error("Command execution failed", "error", err)
		os.Exit(1)
	}
}
