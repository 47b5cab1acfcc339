package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"autopatch/internal/app"
	"autopatch/internal/core"
	"autopatch/internal/engine"
)

var version = "dev"

var (
	rootPath   string
	configPath string
)

var rootCmd = &cobra.Command{
	Use:           "autopatch",
	Short:         "Advance a working tree one task per cycle with model-generated patches",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runCycle,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one improvement cycle (default)",
	Args:  cobra.NoArgs,
	RunE:  runCycle,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task completion and recent cycles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := command()
		if err != nil {
			return err
		}
		return c.Status(cmd.Context(), cmd.OutOrStdout())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), "autopatch", version)
	},
}

var exitCode int

func init() {
	rootCmd.PersistentFlags().StringVar(&rootPath, "root", ".", "working tree to operate on")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default <root>/.autopatch/config.yaml)")
	rootCmd.AddCommand(runCmd, statusCmd, versionCmd)
}

func command() (app.Command, error) {
	root, err := filepath.Abs(rootPath)
	if err != nil {
		return app.Command{}, fmt.Errorf("resolve root: %w", err)
	}
	return app.Command{Root: root, ConfigPath: configPath}, nil
}

func runCycle(cmd *cobra.Command, args []string) error {
	c, err := command()
	if err != nil {
		return err
	}
	result, err := c.Run(cmd.Context())
	exitCode = result.Outcome.ExitCode()
	if err != nil {
		return err
	}
	report(cmd, result)
	return nil
}

func report(cmd *cobra.Command, result engine.Result) {
	out := cmd.OutOrStdout()
	switch result.Outcome {
	case core.OutcomeDone:
		fmt.Fprintln(out, "all tasks complete")
	case core.OutcomeCommitted:
		fmt.Fprintf(out, "cycle %d: %s (%s)\n", result.CycleNo, result.Task.Name, result.Stats)
		if result.Commit != "" {
			fmt.Fprintf(out, "commit %s\n", result.Commit)
		}
		if result.Complete {
			fmt.Fprintf(out, "task %s complete\n", result.Task.ID)
		}
	}
	if result.Summary != "" {
		fmt.Fprintln(out, result.Summary)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "autopatch:", err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}
