package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cochaviz/dbmatrix/config"
	"github.com/cochaviz/dbmatrix/internal/logging"
	"github.com/cochaviz/dbmatrix/internal/matrix"
	"github.com/cochaviz/dbmatrix/internal/runner"
	"github.com/cochaviz/dbmatrix/internal/setup"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	app := &cliApp{levelVar: &levelVar}
	app.logger = logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(app.logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := app.newRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			app.logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		app.logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// cliApp carries what the persistent flags configure.
type cliApp struct {
	logger   *slog.Logger
	levelVar *slog.LevelVar

	projectDir string
	configPath string
	module     string
}

func (a *cliApp) newRootCommand() *cobra.Command {
	logLevel := defaultLogLevel
	logFormat := "text"

	root := &cobra.Command{
		Use:           "dbmatrix",
		Short:         "Run a test suite once per database profile",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	flags.StringVar(&logFormat, "log-format", "text", "Log format (text, json)")
	flags.StringVarP(&a.projectDir, "project", "C", "", "Project directory (defaults to the working directory)")
	flags.StringVar(&a.configPath, "config", "", "Settings file (defaults to <project>/"+config.FileName+")")
	flags.StringVar(&a.module, "module", "", "Resolve the scope of this module instead of the project")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		a.levelVar.Set(level)
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		a.logger = logging.New(mode, os.Stderr, a.levelVar)
		slog.SetDefault(a.logger)
		setup.SetLogger(a.logger)
		return nil
	}

	root.AddCommand(
		a.newProfilesCommand(),
		a.newMatrixCommand(),
		a.newLeasesCommand(),
		a.newSetupCommand(),
	)
	return root
}

// project loads the settings for the selected project directory.
func (a *cliApp) project() (config.Project, error) {
	dir := a.projectDir
	if dir == "" {
		wd, err := config.WorkingDir()
		if err != nil {
			return config.Project{}, err
		}
		dir = wd
	}
	settings, err := config.Load(dir, a.configPath, os.LookupEnv)
	if err != nil {
		return config.Project{}, err
	}
	return config.Project{Dir: dir, Settings: settings, Lookup: os.LookupEnv, Logger: a.logger}, nil
}

func verifySetup(logger *slog.Logger, stateDir string) error {
	logger = logger.With("action", "verify_setup")
	logger.Debug("verifying setup state", "state_dir", stateDir)
	if err := setup.Verify(stateDir); err != nil {
		logger.Error("setup verification failed", "error", err)
		logger.Info("run 'dbmatrix setup' to initialize the state directory")
		return err
	}
	return nil
}

func (a *cliApp) newProfilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Inspect database profiles",
	}
	cmd.AddCommand(a.newProfilesListCommand())
	return cmd
}

func (a *cliApp) newProfilesListCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Resolve and list the profiles of the project or module",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.project()
			if err != nil {
				return err
			}
			cmdLogger := a.logger.With("command", "profiles.list", "module", a.module)

			set, merges, err := p.ListProfiles(a.module)
			if err != nil {
				cmdLogger.Error("profile resolution failed", "error", err)
				return err
			}
			for _, m := range merges {
				cmdLogger.Info("profile merged", "profile", m.Name, "precedence", m.Precedence, "fallback", m.Fallback)
			}
			if set.Len() == 0 {
				cmdLogger.Warn("no profiles found", "search_directories", p.Settings.SearchDirectories)
				return nil
			}

			out := cmd.OutOrStdout()
			if output == "yaml" {
				return writeYAML(out, set.List())
			}
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tORIGIN\tPROPERTIES\tDIRECTORY")
			for _, prof := range set.List() {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", prof.Name, prof.Origin, prof.Properties.Len(), prof.Directory)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "table", "Output format (table, yaml)")
	return cmd
}

func (a *cliApp) newMatrixCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "matrix",
		Short: "Plan and run the profile matrix",
	}
	cmd.AddCommand(
		a.newMatrixPlanCommand(),
		a.newMatrixRunCommand(),
	)
	return cmd
}

func (a *cliApp) newMatrixPlanCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the node planned for every profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.project()
			if err != nil {
				return err
			}
			m, err := p.Plan(a.module)
			if err != nil {
				return err
			}
			summaries := make([]matrix.Summary, 0, len(m.Nodes))
			for _, node := range m.Nodes {
				summaries = append(summaries, node.Summary())
			}
			return writeYAML(cmd.OutOrStdout(), summaries)
		},
	}
}

func (a *cliApp) newMatrixRunCommand() *cobra.Command {
	var (
		parallel int
		quiet    bool
	)

	cmd := &cobra.Command{
		Use:   "run -- <command> [args...]",
		Args:  cobra.MinimumNArgs(1),
		Short: "Run a command once per profile against a leased database",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.project()
			if err != nil {
				return err
			}
			cmdLogger := a.logger.With("command", "matrix.run", "module", a.module)
			if err := verifySetup(cmdLogger, p.Settings.StateDir); err != nil {
				return err
			}

			var echo io.Writer = cmd.OutOrStdout()
			if quiet {
				echo = nil
			}
			results, err := p.Run(cmd.Context(), config.RunOptions{
				Module:   a.module,
				Command:  args,
				Parallel: parallel,
				Echo:     echo,
			})
			printResults(cmd.ErrOrStderr(), results)
			if err != nil {
				return err
			}
			cmdLogger.Info("matrix completed", "nodes", len(results))
			return nil
		},
	}

	cmd.Flags().IntVarP(&parallel, "parallel", "j", 0, "Number of nodes to run at once (defaults to the settings value)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Only write node output to the results directories")
	return cmd
}

func printResults(w io.Writer, results []runner.Result) {
	if len(results) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NODE\tSTATUS\tEXIT\tRESETS\tDURATION\tOUTPUT")
	for _, res := range runner.Sorted(results) {
		status := "ok"
		if res.Failed() {
			status = "failed"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", res.Node, status, res.ExitCode, res.Resets, res.Duration, res.Output)
	}
	_ = tw.Flush()
}

func (a *cliApp) newLeasesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "leases",
		Short: "Inspect the lease journal",
	}
	cmd.AddCommand(a.newLeasesListCommand())
	return cmd
}

func (a *cliApp) newLeasesListCommand() *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List leases that are held or were left behind by a crashed run",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.project()
			if err != nil {
				return err
			}
			cmdLogger := a.logger.With("command", "leases.list")

			if prune {
				pruned, err := p.PruneLeases()
				if err != nil {
					return err
				}
				cmdLogger.Info("pruned stale leases", "count", len(pruned))
			}

			records, err := p.Leases()
			if err != nil {
				return err
			}
			if len(records) == 0 {
				cmdLogger.Info("no active leases", "state_dir", p.Settings.StateDir)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPROFILE\tPROVIDER\tSTATE\tRESETS\tPID\tALIVE\tLEASED")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%t\t%s\n",
					rec.ID, rec.Profile, rec.Provider, rec.State, rec.Resets, rec.PID,
					setup.ProcessAlive(rec.PID), rec.LeasedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&prune, "prune", false, "Remove leases whose process is gone before listing")
	return cmd
}

func (a *cliApp) newSetupCommand() *cobra.Command {
	var (
		clearState bool
		force      bool
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Prepare or clear the dbmatrix state directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.project()
			if err != nil {
				return err
			}
			stateDir := p.Settings.StateDir
			cmdLogger := a.logger.With("command", "setup", "state_dir", stateDir)

			if clearState {
				if err := setup.ClearState(stateDir, force); err != nil {
					cmdLogger.Error("clearing state failed", "error", err)
					return err
				}
				cmdLogger.Info("state cleared")
				return nil
			}
			if force {
				return errors.New("--force only applies together with --clear")
			}
			if err := setup.Prepare(stateDir); err != nil {
				return err
			}
			return verifySetup(cmdLogger, stateDir)
		},
	}

	cmd.Flags().BoolVar(&clearState, "clear", false, "Remove the lease journal instead of preparing it")
	cmd.Flags().BoolVar(&force, "force", false, "With --clear, also drop leases of processes that are still running")
	return cmd
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}
