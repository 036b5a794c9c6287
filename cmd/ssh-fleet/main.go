package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"ssh-fleet/internal/attempt"
	"ssh-fleet/internal/config"
	"ssh-fleet/internal/dispatch"
	"ssh-fleet/internal/errors"
	"ssh-fleet/internal/filter"
	"ssh-fleet/internal/inventory"
	"ssh-fleet/internal/logging"
	"ssh-fleet/internal/output"
	"ssh-fleet/internal/progress"
	sshnative "ssh-fleet/internal/ssh"
	"ssh-fleet/internal/stats"
	"ssh-fleet/internal/target"
	"ssh-fleet/internal/template"

	"github.com/spf13/cobra"
)

var (
	// Build-time variables (set via -ldflags)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	// Global configuration
	cfg *config.Config

	// CLI flags
	hosts          string
	hostFile       string
	inventoryFile  string
	filterExpr     string
	concurrency    string
	connectTimeout time.Duration
	cmdTimeout     time.Duration
	transport      string
	sshPath        string
	outputMode     string
	status         bool
	statusInterval time.Duration
	showProgress   bool
	showStats      bool
	templateName   string
	quiet          bool
	dryRun         bool
	logLevel       string
	logFormat      string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "ssh-fleet [flags] -- <command>",
	Short: "Fan a command out to many SSH hosts concurrently",
	Long: `ssh-fleet runs a single shell command on many remote hosts in parallel,
collecting per-host exit status and output while enforcing independent
connection and execution timeouts.

A bounded dispatch engine launches one remote-execution attempt per host,
tracks each attempt's lifecycle, and streams completion-ordered results
back as they arrive. Unreachable hosts and hung commands never stall the
rest of the fleet.

Examples:
  # Run a command on hosts from the command line
  ssh-fleet --hosts "root@host1,root@host2" -- uptime

  # Run on hosts from a file, 20 at a time
  ssh-fleet --hostfile hosts.txt --concurrency 20 -- "df -h"

  # Tight timeouts for a health sweep
  ssh-fleet --hostfile fleet.txt --connect-timeout 5s --cmd-timeout 30s -- "systemctl is-active nginx"

  # Heartbeat snapshots of still-active hosts while waiting
  ssh-fleet --hostfile fleet.txt --status -- "./slow-job.sh"

  # NDJSON output for automation
  ssh-fleet --hosts "root@host1,root@host2" --output json -- hostname`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return &SetupError{Message: "command is required after '--'"}
		}
		return nil
	},
	PreRunE: func(cmd *cobra.Command, args []string) error {
		configManager := config.NewManager()
		loadedCfg, err := configManager.Load()
		if err != nil {
			return &SetupError{Message: fmt.Sprintf("failed to load configuration: %v", err)}
		}
		cfg = loadedCfg

		if err := overrideConfigWithFlags(cmd); err != nil {
			return err
		}

		if cfg.Hosts == "" && cfg.HostFile == "" && cfg.Inventory == "" && isStdinTTY() {
			return &SetupError{Message: "must specify hosts via --hosts, --hostfile, --inventory, or stdin"}
		}

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args, " ")
		return executeCommand(command, os.Stdout, os.Stderr)
	},
}

func init() {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ssh-fleet %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Built: %s\n", buildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.Flags().StringVar(&hosts, "hosts", "", "Comma-separated list of host specifications (user@host:port?key=path)")
	rootCmd.Flags().StringVar(&hostFile, "hostfile", "", "Path to file containing host specifications (one per line)")
	rootCmd.Flags().StringVar(&inventoryFile, "inventory", "", "Load hosts from an Ansible inventory file")
	rootCmd.Flags().StringVar(&filterExpr, "filter", "", "Filter hosts (e.g. 'host:^web tag:prod')")
	rootCmd.Flags().StringVar(&concurrency, "concurrency", "10", "Maximum concurrent attempts ('auto' or number)")
	rootCmd.Flags().DurationVar(&connectTimeout, "connect-timeout", 10*time.Second, "Kill attempts still connecting after this long")
	rootCmd.Flags().DurationVar(&cmdTimeout, "cmd-timeout", 60*time.Second, "Kill connected attempts running longer than this")
	rootCmd.Flags().StringVar(&transport, "transport", "exec", "Transport (exec: system ssh binary, native: in-process)")
	rootCmd.Flags().StringVar(&sshPath, "ssh-path", "ssh", "Transport binary for the exec transport")
	rootCmd.Flags().StringVar(&outputMode, "output", "text", "Output format (text, json)")
	rootCmd.Flags().BoolVar(&status, "status", false, "Emit heartbeat snapshots of active hosts while waiting")
	rootCmd.Flags().DurationVar(&statusInterval, "status-interval", time.Second, "Heartbeat interval for --status")
	rootCmd.Flags().BoolVar(&showProgress, "progress", false, "Show progress bar")
	rootCmd.Flags().BoolVar(&showStats, "stats", false, "Show end-of-run statistics")
	rootCmd.Flags().StringVar(&templateName, "template", "", "Use predefined template or inline template syntax")
	rootCmd.Flags().BoolVar(&quiet, "quiet", false, "Suppress non-error output")
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Show dispatch plan without connecting")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (info, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (json, text)")

	rootCmd.SetUsageTemplate(rootCmd.UsageTemplate() + `
Note: Command to execute must be specified after '--' separator.
`)
}

func overrideConfigWithFlags(cmd *cobra.Command) error {
	if cmd.Flags().Changed("hosts") {
		cfg.Hosts = hosts
	}
	if cmd.Flags().Changed("hostfile") {
		cfg.HostFile = hostFile
	}
	if cmd.Flags().Changed("inventory") {
		cfg.Inventory = inventoryFile
	}
	if cmd.Flags().Changed("filter") {
		cfg.Filter = filterExpr
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency = concurrency
	}
	if cmd.Flags().Changed("connect-timeout") {
		cfg.ConnectTimeout = connectTimeout
	}
	if cmd.Flags().Changed("cmd-timeout") {
		cfg.CmdTimeout = cmdTimeout
	}
	if cmd.Flags().Changed("transport") {
		cfg.Transport = transport
	}
	if cmd.Flags().Changed("ssh-path") {
		cfg.SSHPath = sshPath
	}
	if cmd.Flags().Changed("output") {
		cfg.Output = outputMode
	}
	if cmd.Flags().Changed("status") {
		cfg.Status = status
	}
	if cmd.Flags().Changed("status-interval") {
		cfg.StatusInterval = statusInterval
	}
	if cmd.Flags().Changed("progress") {
		cfg.ShowProgress = showProgress
	}
	if cmd.Flags().Changed("stats") {
		cfg.ShowStats = showStats
	}
	if cmd.Flags().Changed("template") {
		cfg.Template = templateName
	}
	if cmd.Flags().Changed("quiet") {
		cfg.Quiet = quiet
	}
	if cmd.Flags().Changed("dry-run") {
		cfg.DryRun = dryRun
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = logFormat
	}

	configManager := config.NewManager()
	if err := configManager.Validate(cfg); err != nil {
		return &SetupError{Message: fmt.Sprintf("configuration validation failed: %v", err)}
	}

	return nil
}

// parseAndFilterTargets resolves the target list from the configured
// source and applies any filter expression
func parseAndFilterTargets(logger *logging.Logger) ([]target.Target, error) {
	parser := target.NewParser()
	var targets []target.Target
	var err error
	var source string

	switch {
	case cfg.Inventory != "":
		source = fmt.Sprintf("inventory file: %s", cfg.Inventory)
		inv, invErr := inventory.LoadFromFile(cfg.Inventory)
		if invErr != nil {
			logger.LogTargetParsingError(source, invErr)
			return nil, &SetupError{Message: fmt.Sprintf("failed to load inventory: %v", invErr)}
		}
		targets, err = inv.LoadTargets()
	case cfg.Hosts != "":
		source = "CLI hosts parameter"
		targets, err = parser.ParseHosts(cfg.Hosts)
	case cfg.HostFile != "":
		source = fmt.Sprintf("host file: %s", cfg.HostFile)
		targets, err = parser.ParseHostFile(cfg.HostFile)
	default:
		source = "stdin"
		targets, err = parser.ParseStdin()
	}
	if err != nil {
		logger.LogTargetParsingError(source, err)
		return nil, &SetupError{Message: fmt.Sprintf("failed to parse targets: %v", err)}
	}

	if cfg.Filter != "" {
		filters, filterErr := filter.ParseFilterExpression(cfg.Filter)
		if filterErr != nil {
			return nil, &SetupError{Message: fmt.Sprintf("failed to parse filter expression: %v", filterErr)}
		}
		originalCount := len(targets)
		targets = filter.FilterTargets(targets, filters...)
		logger.Info("applied filters", "original_count", originalCount, "filtered_count", len(targets), "filter", cfg.Filter)
	}

	if len(targets) == 0 {
		logger.LogTargetParsingError(source, fmt.Errorf("no valid targets found"))
		return nil, &SetupError{Message: "no valid targets found"}
	}

	logger.LogTargetParsing(source, len(targets))
	return targets, nil
}

// buildLauncher constructs the transport launch function, wrapping it with
// per-target command templating when templates are in play. The engine
// itself always sees one opaque command string per attempt.
func buildLauncher(command string, logger *logging.Logger) (dispatch.LaunchFunc, error) {
	var base dispatch.LaunchFunc

	switch cfg.Transport {
	case "native":
		runner := &sshnative.NativeRunner{
			ConnectTimeout: cfg.ConnectTimeout,
			Logger:         logger,
		}
		base = runner.Launch
	default:
		runner := &attempt.Runner{
			SSHPath:        cfg.SSHPath,
			ConnectTimeout: cfg.ConnectTimeout,
			Logger:         logger,
		}
		base = runner.Launch
	}

	if cfg.Template == "" && !template.IsTemplate(command) {
		return base, nil
	}

	engine := template.NewEngine()
	if err := engine.LoadPredefined(); err != nil {
		return nil, &SetupError{Message: fmt.Sprintf("failed to load predefined templates: %v", err)}
	}

	return func(tgt target.Target, cmdText string, emit func(*dispatch.Result)) (dispatch.Attempt, error) {
		rendered, err := renderCommand(engine, cmdText, tgt)
		if err != nil {
			return nil, err
		}
		return base(tgt, rendered, emit)
	}, nil
}

// renderCommand resolves the effective command for one target
func renderCommand(engine *template.Engine, command string, tgt target.Target) (string, error) {
	if cfg.Template != "" {
		if _, exists := template.Predefined[cfg.Template]; exists {
			return engine.Render(cfg.Template, tgt)
		}
		return engine.RenderInline(cfg.Template, tgt)
	}

	if template.IsTemplate(command) {
		return engine.RenderInline(command, tgt)
	}

	return command, nil
}

func executeCommand(command string, writer, errWriter io.Writer) error {
	logger := logging.NewLoggerFromConfig(cfg.LogLevel, cfg.LogFormat, cfg.Quiet)

	targets, err := parseAndFilterTargets(logger)
	if err != nil {
		return err
	}

	bound, err := config.ResolveConcurrency(cfg.Concurrency, len(targets))
	if err != nil {
		return &SetupError{Message: err.Error()}
	}

	if cfg.DryRun {
		return performDryRun(targets, command, bound, writer)
	}

	var formatterMode output.Mode
	switch cfg.Output {
	case "text":
		formatterMode = output.TextMode
	case "json":
		formatterMode = output.JSONMode
	default:
		return &SetupError{Message: fmt.Sprintf("invalid output mode: %s", cfg.Output)}
	}
	formatter := output.NewFormatter(formatterMode, writer, errWriter)

	launch, err := buildLauncher(command, logger)
	if err != nil {
		return err
	}

	// Sink capacity covers one record per host, so producers never block.
	sink := dispatch.NewSink(len(targets)+1, logger)
	scheduler := dispatch.NewScheduler(dispatch.Config{
		ConnectTimeout: cfg.ConnectTimeout,
		CommandTimeout: cfg.CmdTimeout,
		Bound:          bound,
	}, targets, command, launch, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// SIGINT/SIGTERM cancel the run; in-flight hosts still produce records.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received shutdown signal, canceling run", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	var progressTracker *progress.Tracker
	if cfg.ShowProgress {
		progressTracker = progress.NewTracker(len(targets), writer, true)
	}
	statsTracker := stats.NewTracker(len(targets), errWriter, cfg.ShowStats)

	go scheduler.Run(ctx)

	heartbeat := time.Duration(0)
	var snapshot func() string
	if cfg.Status {
		heartbeat = cfg.StatusInterval
		snapshot = scheduler.Snapshot
	}

	collector := errors.NewCollector()
	for {
		result, ok := sink.Next(heartbeat, snapshot)
		if !ok {
			break
		}

		class := collector.Add(result)
		statsTracker.Record(class, int64(len(result.Stdout)+len(result.Stderr)))
		if progressTracker != nil {
			progressTracker.Update(class == errors.OK)
		}

		if fmtErr := formatter.Format(result); fmtErr != nil {
			logger.Error("failed to format output", "error", fmtErr, "host", result.Target.Label())
		}

		logHostResult(logger, result, class)
	}

	if progressTracker != nil {
		progressTracker.Finish()
	}
	if fmtErr := formatter.Finalize(); fmtErr != nil {
		logger.Error("failed to finalize output", "error", fmtErr)
	}
	statsTracker.Finish()

	logger.Info("run completed",
		"total_targets", collector.Total(),
		"succeeded", collector.CountByClass(errors.OK),
		"summary", collector.Summary(),
	)

	if collector.HasFailures() {
		return &ExecutionError{
			Message: fmt.Sprintf("execution failed: %d/%d hosts failed - %s",
				collector.Failures(), collector.Total(), collector.Summary()),
		}
	}

	return nil
}

// logHostResult writes the per-host log line for one completed attempt
func logHostResult(logger *logging.Logger, result *dispatch.Result, class errors.OutcomeClass) {
	switch class {
	case errors.OK:
		logger.Info("host succeeded",
			"host", result.Target.Label(),
			"duration_ms", result.Duration.Milliseconds(),
		)
	case errors.CommandFailure:
		logger.Info("host command failed",
			"host", result.Target.Label(),
			"exit_code", result.ExitCode,
		)
	case errors.TransportFailure:
		logger.Error("host unreachable",
			"host", result.Target.Label(),
			"exit_code", result.ExitCode,
			"hint", errors.TransportErrorHint(result.Stderr),
		)
	default:
		logger.Error("host attempt killed",
			"host", result.Target.Label(),
			"class", class.String(),
		)
	}
}

func performDryRun(targets []target.Target, command string, bound int, writer io.Writer) error {
	fmt.Fprintln(writer, "ssh-fleet Dry Run - Dispatch Plan")
	fmt.Fprintln(writer, "=================================")
	fmt.Fprintln(writer)

	fmt.Fprintln(writer, "Configuration:")
	fmt.Fprintf(writer, "  Command: %s\n", command)
	fmt.Fprintf(writer, "  Total Targets: %d\n", len(targets))
	fmt.Fprintf(writer, "  Concurrency Bound: %d\n", bound)
	fmt.Fprintf(writer, "  Connect Timeout: %v\n", cfg.ConnectTimeout)
	fmt.Fprintf(writer, "  Command Timeout: %v\n", cfg.CmdTimeout)
	fmt.Fprintf(writer, "  Transport: %s\n", cfg.Transport)
	fmt.Fprintf(writer, "  Output Format: %s\n", cfg.Output)
	fmt.Fprintln(writer)

	fmt.Fprintln(writer, "Target Details:")
	for i, tgt := range targets {
		fmt.Fprintf(writer, "  %d. %s\n", i+1, tgt.Original)
		fmt.Fprintf(writer, "     -> User: %s, Host: %s, Port: %d\n", tgt.User, tgt.Host, tgt.Port)
		if tgt.IdentityFile != "" {
			fmt.Fprintf(writer, "     -> Identity File: %s\n", tgt.IdentityFile)
		}
	}
	fmt.Fprintln(writer)

	fmt.Fprintln(writer, "Dispatch Flow:")
	fmt.Fprintf(writer, "  1. Start up to %d attempts immediately\n", bound)
	fmt.Fprintf(writer, "  2. Refill the active set as attempts finish\n")
	fmt.Fprintf(writer, "  3. Sweep active attempts every second for timeout violations\n")
	fmt.Fprintf(writer, "  4. Stream results in completion order until the run drains\n")
	fmt.Fprintln(writer)

	fmt.Fprintln(writer, "Note: This is a dry run. No connections will be made.")
	return nil
}

func isStdinTTY() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return true // Assume TTY on error
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// ExecutionError represents a run where one or more hosts failed (exit code 1)
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// SetupError represents an error during setup/configuration (exit code 2)
type SetupError struct {
	Message string
}

func (e *SetupError) Error() string {
	return e.Message
}

// getExitCode determines the appropriate exit code based on error type
// Returns:
//   - 0: Success (all hosts succeeded)
//   - 1: Execution failure (one or more hosts failed)
//   - 2: Setup error (invalid arguments, configuration issues, etc.)
func getExitCode(err error) int {
	if err == nil {
		return 0
	}

	switch err.(type) {
	case *SetupError:
		return 2
	case *ExecutionError:
		return 1
	default:
		return 2
	}
}
