package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"scrapingbrowser-mcp-server/internal/browser"
	"scrapingbrowser-mcp-server/internal/config"
	"scrapingbrowser-mcp-server/internal/mangle"
	mcpserver "scrapingbrowser-mcp-server/internal/mcp"
	"scrapingbrowser-mcp-server/internal/recorder"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	configPath   string
	ssePort      int
	driverName   string
	verbose      bool
	noWorkspace  bool
	workspaceDir string
)

var rootCmd = &cobra.Command{
	Use:   "scrapingbrowser-mcp",
	Short: "MCP server for a remote scraping browser",
	Long: `Exposes a remote CDP browser as MCP tools: navigate, snapshot, click and
type by ref, screenshot, HTML and diagnostics.

Each hostname gets its own page on its own connection. Credentials come from
THORDATA_BROWSER_USERNAME / THORDATA_BROWSER_PASSWORD or the credentials block
of the config file.

Run without a subcommand to serve over stdio (or SSE with --sse-port).`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP over stdio or SSE",
	RunE:  runServe,
}

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a .scrapingbrowser workspace with a template config",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the merged config and diagnostics rules without connecting",
	RunE:  runCheck,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file layered over the workspace config")
	rootCmd.PersistentFlags().IntVar(&ssePort, "sse-port", 0, "Serve SSE on this port instead of stdio (overrides config)")
	rootCmd.PersistentFlags().StringVar(&driverName, "driver", "", "Browser driver: rod or playwright (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&noWorkspace, "no-workspace", false, "Skip .scrapingbrowser workspace discovery")
	rootCmd.PersistentFlags().StringVar(&workspaceDir, "workspace-dir", "", "Use this directory as the workspace root")

	rootCmd.AddCommand(serveCmd, initCmd, checkCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig merges defaults, workspace config, --config and CLI flags.
func loadConfig() (config.Config, string, error) {
	cfg, wsDir, err := config.LoadWithWorkspace(configPath, config.WorkspaceOptions{
		Disable:     noWorkspace,
		ExplicitDir: workspaceDir,
	})
	if err != nil {
		return cfg, wsDir, err
	}
	if ssePort != 0 {
		cfg.MCP.SSEPort = ssePort
	}
	if driverName != "" {
		cfg.Browser.Driver = driverName
		if err := cfg.Validate(); err != nil {
			return cfg, wsDir, err
		}
	}
	return cfg, wsDir, nil
}

// newLogger writes to the log file in stdio mode, where stdout carries the
// protocol, and to stderr otherwise.
func newLogger(cfg config.Config, debug bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zcfg.EncoderConfig.TimeKey = "ts"
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if cfg.MCP.SSEPort == 0 {
		if cfg.Server.LogFile == "" {
			return zap.NewNop(), nil
		}
		zcfg.OutputPaths = []string{cfg.Server.LogFile}
		zcfg.ErrorOutputPaths = []string{cfg.Server.LogFile}
	}
	return zcfg.Build()
}

// runtime is everything the server needs, plus its teardown.
type runtime struct {
	server  *mcpserver.Server
	toolkit *browser.Toolkit
	trace   *recorder.Recorder
	rules   *mangle.RulesWatcher

	stopRules context.CancelFunc
}

// watchRules reloads the rules file on change until ctx is done or Close runs.
func (r *runtime) watchRules(ctx context.Context) {
	if r.rules == nil {
		return
	}
	ctx, r.stopRules = context.WithCancel(ctx)
	go r.rules.Run(ctx)
}

func (r *runtime) Close() {
	if r.stopRules != nil {
		r.stopRules()
		<-r.rules.Done()
	}
	r.toolkit.Close()
	if r.trace != nil {
		_ = r.trace.Close()
	}
}

// newInsights compiles the diagnostics rules, then the config's extra rules.
func newInsights(cfg config.MangleConfig, log *zap.Logger) (*mangle.Engine, error) {
	engine, err := mangle.NewEngine(cfg, log)
	if err != nil {
		return nil, err
	}
	for i, rule := range cfg.ExtraRules {
		if err := engine.AddRule(rule); err != nil {
			return nil, fmt.Errorf("extra rule %d: %w", i+1, err)
		}
	}
	return engine, nil
}

// buildRuntime wires driver, connections, sessions, toolkit and server. No
// browser connection is opened until the first tool call.
func buildRuntime(cfg config.Config, log *zap.Logger) (*runtime, error) {
	driver, err := browser.NewDriver(cfg.Browser.DriverName(), log.Named("driver"))
	if err != nil {
		return nil, err
	}

	conns := browser.NewConnectionManager(
		driver,
		cfg.Credentials.ResolveCredentials,
		browser.ServiceEndpoint(cfg.Browser.Endpoint, cfg.Browser.UsernamePrefix),
		browser.ConnectionOptions{
			Attempts:     cfg.Browser.GetConnectAttempts(),
			InitialDelay: cfg.Browser.GetConnectInitialDelay(),
		},
		log.Named("connections"),
	)
	diag := browser.NewDiagnosticsStore(cfg.Browser.GetConsoleBuffer(), cfg.Browser.GetNetworkBuffer())
	registry, err := browser.NewSessionRegistry(conns, diag, log.Named("sessions"))
	if err != nil {
		return nil, fmt.Errorf("session registry: %w", err)
	}

	rt := &runtime{}
	var tracer browser.Tracer
	if cfg.Recorder.Enable {
		rt.trace, err = recorder.NewRecorder(cfg.Recorder.TraceDir, log.Named("recorder"))
		if err != nil {
			return nil, fmt.Errorf("recorder: %w", err)
		}
		if _, err := rt.trace.Start(""); err != nil {
			return nil, fmt.Errorf("recorder start: %w", err)
		}
		tracer = rt.trace
	}

	rt.toolkit = browser.NewToolkit(registry, browser.NewSnapshotEngine(nil, log.Named("snapshot")), tracer,
		browser.ToolkitOptions{
			NavigationTimeout: cfg.Browser.GetNavigationTimeout(),
			ClickTimeout:      cfg.Browser.GetClickTimeout(),
		}, log.Named("toolkit"))

	insights, err := newInsights(cfg.Mangle, log.Named("insights"))
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("diagnostics rules: %w", err)
	}

	rt.rules, err = mangle.NewRulesWatcher(insights, mangle.DefaultReloadDebounce, log.Named("insights"))
	if err != nil {
		log.Warn("rules file will not be reloaded on change", zap.Error(err))
	}

	rt.server, err = mcpserver.NewServer(cfg, rt.toolkit, insights, log.Named("mcp"))
	if err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, wsDir, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log, err := newLogger(cfg, verbose)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = log.Sync() }()

	if wsDir != "" {
		log.Info("workspace config loaded", zap.String("workspace", wsDir))
	}
	if _, ok := cfg.Credentials.ResolveCredentials(); !ok {
		log.Warn("browser credentials are not set; tool calls will fail with config_error until they are",
			zap.String("username_env", config.UsernameEnv),
			zap.String("password_env", config.PasswordEnv))
	}

	rt, err := buildRuntime(cfg, log)
	if err != nil {
		log.Error("failed to initialize server", zap.Error(err))
		return err
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt.watchRules(ctx)

	if cfg.MCP.SSEPort > 0 {
		log.Info("starting SSE server", zap.Int("port", cfg.MCP.SSEPort), zap.String("driver", cfg.Browser.DriverName()))
		err = rt.server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Info("starting stdio server", zap.String("driver", cfg.Browser.DriverName()))
		err = rt.server.Start(ctx)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited with error", zap.Error(err))
		return err
	}
	log.Info("server stopped")
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	root := "."
	if len(args) == 1 {
		root = args[0]
	}
	if err := config.InitWorkspace(root); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s workspace in %s\n", config.WorkspaceDirName, root)
	return nil
}

func runCheck(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	cfg, wsDir, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if wsDir == "" {
		wsDir = "(none)"
	}
	fmt.Fprintf(out, "workspace: %s\n", wsDir)
	fmt.Fprintf(out, "driver:    %s\n", cfg.Browser.DriverName())
	fmt.Fprintf(out, "endpoint:  %s\n", cfg.Browser.Endpoint)

	if _, ok := cfg.Credentials.ResolveCredentials(); ok {
		fmt.Fprintln(out, "credentials: set")
	} else {
		fmt.Fprintf(out, "credentials: missing (set %s and %s)\n", config.UsernameEnv, config.PasswordEnv)
	}

	engine, err := newInsights(cfg.Mangle, zap.NewNop())
	if err != nil {
		return fmt.Errorf("rules: %w", err)
	}
	if engine.Ready() {
		fmt.Fprintln(out, "rules: ok")
	} else {
		fmt.Fprintln(out, "rules: disabled")
	}
	return nil
}
