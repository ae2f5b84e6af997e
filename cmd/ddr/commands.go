package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/artpar/ddr/internal/core/manifest"
	"github.com/artpar/ddr/internal/core/wave"
	"github.com/artpar/ddr/internal/shell/artifact"
	"github.com/artpar/ddr/internal/shell/docker"
	"github.com/artpar/ddr/internal/shell/history"
	"github.com/artpar/ddr/internal/shell/probe"
	"github.com/artpar/ddr/internal/shell/provision"
	"github.com/artpar/ddr/internal/shell/remote"
	"github.com/artpar/ddr/internal/shell/rollout"
	"github.com/spf13/cobra"
)

// app holds state shared by every subcommand.
type app struct {
	settingsPath string
	secretsPath  string
	manifestPath string
	vars         []string
	logLevel     string
	logFormat    string

	cfg    *Config
	logger *slog.Logger
}

func newApp() *app {
	return &app{}
}

// =============================================================================
// Root Command
// =============================================================================

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "ddr",
		Short: "Deploy inter-dependent container units to a remote host in dependency order",
		Long: `ddr deploys the units of one manifest group to a single host over SSH.
Units are deployed in waves: a unit starts only after every unit it
depends on has been activated and, when it declares a remote check,
verified healthy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.manifestPath, "manifest", "f", "deploy.yaml", "deployment manifest")
	flags.StringVar(&a.settingsPath, "settings", "", "tool settings file (yaml, toml or json)")
	flags.StringVar(&a.secretsPath, "secrets", "infra.secrets.env", "env file with SSH_HOST, SSH_USER, SSH_PASSWORD and DIR")
	flags.StringArrayVar(&a.vars, "var", nil, "manifest variable override KEY=VALUE (repeatable)")
	flags.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flags.StringVar(&a.logFormat, "log-format", "", "log format: text or json")

	root.AddCommand(
		newDeployCmd(a),
		newPlanCmd(a),
		newProvisionCmd(a),
		newHistoryCmd(a),
		newVersionCmd(),
	)
	return root
}

// setup loads configuration and applies flag overrides.
func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := LoadConfig(a.settingsPath, a.secretsPath)
	if err != nil {
		return configError("load config", err)
	}

	flags := cmd.Flags()
	if flags.Changed("manifest") {
		cfg.Deploy.Manifest = a.manifestPath
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	if a.logFormat != "" {
		cfg.Log.Format = a.logFormat
	}

	a.cfg = cfg
	a.logger = SetupLogger(cfg, cmd.ErrOrStderr())
	return nil
}

// =============================================================================
// Manifest Loading
// =============================================================================

func (a *app) loadManifest() (*manifest.Manifest, error) {
	overrides, err := parseVars(a.vars)
	if err != nil {
		return nil, configError("parse --var", err)
	}

	content, err := os.ReadFile(a.cfg.Deploy.Manifest)
	if err != nil {
		return nil, configError("read manifest", err)
	}

	m, err := manifest.Parse(content, overrides)
	if err != nil {
		return nil, configError("parse manifest "+a.cfg.Deploy.Manifest, err)
	}
	return m, nil
}

func (a *app) loadGroup(name string) (*manifest.Group, error) {
	m, err := a.loadManifest()
	if err != nil {
		return nil, err
	}
	g, err := m.Group(name)
	if err != nil {
		return nil, configError("select group", fmt.Errorf("%w (available: %s)", err, strings.Join(m.GroupNames(), ", ")))
	}
	return g, nil
}

// parseVars turns KEY=VALUE pairs into a map. Later pairs win.
func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid variable %q: expected KEY=VALUE", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

// =============================================================================
// Collaborators
// =============================================================================

func (a *app) dial(ctx context.Context) (*remote.Session, error) {
	if err := a.cfg.Target.Validate(); err != nil {
		return nil, configError("target", err)
	}
	session, err := remote.Dial(ctx, a.cfg.Target.Remote())
	if err != nil {
		return nil, err
	}
	a.logger.Info("connected to target", "addr", session.Addr())
	return session, nil
}

// openJournal returns the run journal and a function that closes it.
func (a *app) openJournal() (rollout.Journal, func(), error) {
	if a.cfg.History.DSN == "" {
		return rollout.NopJournal{}, func() {}, nil
	}
	j, err := a.openHistory()
	if err != nil {
		return nil, nil, err
	}
	return j, func() { j.Close() }, nil
}

func (a *app) openHistory() (*history.Journal, error) {
	dsn := a.cfg.History.DSN
	if dsn == "" {
		return nil, configError("history", fmt.Errorf("run journal is disabled (history.dsn is empty)"))
	}
	if !strings.HasPrefix(dsn, ":memory:") && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, &CommandError{Op: "open history", Err: err, ExitCode: ExitJournalError}
		}
	}
	return history.Open(dsn)
}

// =============================================================================
// deploy
// =============================================================================

type deployOptions struct {
	group    string
	dryRun   bool
	parallel bool
}

func newDeployCmd(a *app) *cobra.Command {
	var opts deployOptions
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy every unit of a group in dependency order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.deploy(context.Background(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.group, "group", "g", "", "unit group to deploy")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "log every step without packaging, transferring or running anything")
	cmd.Flags().BoolVar(&opts.parallel, "parallel", false, "deploy the units of one wave concurrently")
	cmd.MarkFlagRequired("group")
	return cmd
}

func (a *app) deploy(ctx context.Context, out io.Writer, opts deployOptions) error {
	group, err := a.loadGroup(opts.group)
	if err != nil {
		return err
	}

	journal, closeJournal, err := a.openJournal()
	if err != nil {
		return err
	}
	defer closeJournal()

	var (
		exec     rollout.Executor
		pipeline rollout.Pipeline
		verifier rollout.Verifier
	)
	if !opts.dryRun {
		session, err := a.dial(ctx)
		if err != nil {
			return err
		}
		defer session.Close()

		packager, err := docker.NewPackager(a.cfg.Docker.Host)
		if err != nil {
			return err
		}
		defer packager.Close()

		exec = session
		pipeline = artifact.NewPipeline(packager, session, a.cfg.Artifacts.Pipeline(), a.logger)
		verifier = probe.NewVerifier(probe.NewHTTPProber(a.cfg.Health.RequestTimeout), a.cfg.Health.Policy(), a.logger)
	}

	o := rollout.NewOrchestrator(rollout.Config{
		Host:     a.cfg.Target.Host,
		BaseDir:  a.cfg.Target.BaseDir,
		DryRun:   opts.dryRun,
		Parallel: opts.parallel || a.cfg.Deploy.Parallel,
	}, exec, pipeline, verifier, journal, a.logger)

	report, err := o.Run(ctx, group)
	printReport(out, report)
	return err
}

func printReport(w io.Writer, r *rollout.Report) {
	if r == nil {
		return
	}
	mode := "deploy"
	if r.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(w, "%s %s (run %s)\n", mode, r.Group, r.RunID)
	printWaves(w, r.Waves)
	fmt.Fprintf(w, "deployed: %s\n", strings.Join(r.Deployed, ", "))
}

func printWaves(w io.Writer, waves [][]string) {
	for i, names := range waves {
		fmt.Fprintf(w, "wave %d: %s\n", i+1, strings.Join(names, ", "))
	}
}

// =============================================================================
// plan
// =============================================================================

func newPlanCmd(a *app) *cobra.Command {
	var groupName string
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the deployment waves of a group without connecting anywhere",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			group, err := a.loadGroup(groupName)
			if err != nil {
				return err
			}
			nodes := make([]wave.Node, 0, len(group.Units))
			for _, u := range group.Units {
				nodes = append(nodes, wave.Node{Name: u.Name, DependsOn: u.DependsOn})
			}
			waves, err := wave.Plan(nodes)
			printWaves(cmd.OutOrStdout(), waves)
			return err
		},
	}
	cmd.Flags().StringVarP(&groupName, "group", "g", "", "unit group to plan")
	cmd.MarkFlagRequired("group")
	return cmd
}

// =============================================================================
// provision
// =============================================================================

func newProvisionCmd(a *app) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Create the networks and volumes declared in the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := context.Background()
			m, err := a.loadManifest()
			if err != nil {
				return err
			}

			var exec provision.Executor
			if !dryRun {
				session, err := a.dial(ctx)
				if err != nil {
					return err
				}
				defer session.Close()
				exec = session
			}

			if err := provision.NewProvisioner(exec, a.logger).Apply(ctx, m.Networks, m.Volumes, dryRun); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "networks: %d, volumes: %d\n", len(m.Networks), len(m.Volumes))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log the commands without running them")
	return cmd
}

// =============================================================================
// history
// =============================================================================

func newHistoryCmd(a *app) *cobra.Command {
	var (
		limit int
		runID string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List journaled runs, or the unit events of one run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			j, err := a.openHistory()
			if err != nil {
				return err
			}
			defer j.Close()

			ctx := context.Background()
			if runID != "" {
				return showRun(ctx, cmd.OutOrStdout(), j, runID)
			}
			return listRuns(ctx, cmd.OutOrStdout(), j, limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")
	cmd.Flags().StringVar(&runID, "run", "", "show the unit events of this run")
	return cmd
}

func listRuns(ctx context.Context, out io.Writer, j *history.Journal, limit int) error {
	runs, err := j.ListRuns(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tGROUP\tHOST\tSTATUS\tDRY RUN\tSTARTED")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", r.ID, r.Group, r.Host, r.Status, r.DryRun, r.StartedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func showRun(ctx context.Context, out io.Writer, j *history.Journal, id string) error {
	run, err := j.GetRun(ctx, id)
	if err != nil {
		return err
	}
	events, err := j.ListUnitEvents(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "run %s: %s %s on %s\n", run.ID, run.Status, run.Group, run.Host)
	if run.Error != "" {
		fmt.Fprintf(out, "error: %s\n", run.Error)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WAVE\tUNIT\tSTATUS\tAT\tERROR")
	for _, e := range events {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", e.Wave, e.Unit, e.Status, e.At.Local().Format(time.DateTime), e.Error)
	}
	return tw.Flush()
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		// Skips config loading from the root's PersistentPreRunE.
		PersistentPreRun: func(*cobra.Command, []string) {},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ddr %s (built %s)\n", Version, BuildTime)
		},
	}
}
