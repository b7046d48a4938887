// Package cli is the monorun command line: flag parsing into a canonical
// Invocation, wiring of the workspace collaborators, and exit codes.
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

const Version = "0.1.0"

type globalFlags struct {
	workDir    string
	configPath string
	debug      bool
}

// NewRootCommand builds the command tree. Errors are returned from
// ExecuteContext, not printed.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "monorun",
		Short:         "Run workspace tasks in dependency order with local and remote caching",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return invalidInvocationf("unknown command %q for %q", args[0], cmd.CommandPath())
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return invalidInvocationf("%v", err)
	})
	root.CompletionOptions.DisableDefaultCmd = true

	root.PersistentFlags().StringVarP(&g.workDir, "cwd", "C", ".", "workspace root")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default <cwd>/monorun.yaml)")
	root.PersistentFlags().BoolVar(&g.debug, "debug", false, "enable debug logging")

	root.AddCommand(newRunCommand(g, stdout, stderr))
	root.AddCommand(newGraphCommand(g, stdout, stderr))
	root.AddCommand(newHistoryCommand(g, stdout, stderr))
	return root
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return invalidInvocationf("%s expects %d argument(s), got %d", cmd.CommandPath(), n, len(args))
		}
		return nil
	}
}

func newRunCommand(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	inv := Invocation{}
	cmd := &cobra.Command{
		Use:   "run <task>",
		Short: "Run a task for every package in dependency order",
		Example: `  monorun run build
  monorun run test --scope api --concurrency 4
  monorun run build --dry-run --graph
  monorun run build --report reports/build.json`,
		Args: exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inv.Task = args[0]
			inv.WorkDir, inv.ConfigPath, inv.Debug = g.workDir, g.configPath, g.debug
			canonical, err := inv.Canonicalize()
			if err != nil {
				return err
			}
			return Execute(cmd.Context(), canonical, stdout, stderr)
		},
	}
	f := cmd.Flags()
	f.StringVar(&inv.Scope, "scope", "", "limit the run to this package and its dependents")
	f.IntVar(&inv.Concurrency, "concurrency", -1, "maximum concurrent tasks (0 = one per CPU, default from config)")
	f.BoolVar(&inv.Explain, "explain", false, "print every cache decision")
	f.StringVar(&inv.ReportPath, "report", "", "write the run report as JSON to this path ('-' for stdout)")
	f.BoolVar(&inv.DryRun, "dry-run", false, "plan the run without checking caches or executing")
	f.BoolVar(&inv.PrintGraph, "graph", false, "print 'dependency -> dependent' edges before running")
	f.BoolVar(&inv.NoCache, "no-cache", false, "neither read nor write any cache")
	f.BoolVar(&inv.Force, "force", false, "execute every task, then refresh the caches")
	f.BoolVar(&inv.Strict, "strict", false, "run commands with only the task's declared env")
	f.BoolVar(&inv.Clean, "clean", false, "remove declared outputs before executing a task")
	f.StringVar(&inv.TracePath, "trace", "", "write a canonical event trace to this path")
	return cmd
}

func newGraphCommand(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the workspace dependency graph",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv := Invocation{Task: "graph", Scope: scope, WorkDir: g.workDir, ConfigPath: g.configPath, Debug: g.debug}
			canonical, err := inv.Canonicalize()
			if err != nil {
				return err
			}
			return Graph(canonical, stdout, stderr)
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "limit the graph to this package and its dependents")
	return cmd
}

func newHistoryCommand(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs, newest first",
		Args:  exactArgs(0),
		RunE: func(cmd *cobra.Command, _ []string) error {
			inv := Invocation{Task: "history", WorkDir: g.workDir, ConfigPath: g.configPath, Debug: g.debug}
			canonical, err := inv.Canonicalize()
			if err != nil {
				return err
			}
			return History(canonical, limit, stdout, stderr)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of runs to list (0 = all)")
	return cmd
}

// Run executes the command line args (without argv[0]) and returns the
// process exit code. Errors are printed to stderr.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(stdout, stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "monorun: %v\n", err)
	}
	return ExitCode(err)
}
