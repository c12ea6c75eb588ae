// Command qdoc manages controlled quality documents, their revision risk, and
// the procedure extractions they are generated from.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/fang"
	"github.com/google/uuid"
	"github.com/hylla/qdoc/internal/adapters/storage/postgres"
	"github.com/hylla/qdoc/internal/adapters/storage/sqlite"
	"github.com/hylla/qdoc/internal/app"
	"github.com/hylla/qdoc/internal/config"
	"github.com/hylla/qdoc/internal/platform"
	"github.com/hylla/qdoc/internal/report"
	"github.com/spf13/cobra"
)

// version is overridden at build time.
var version = "dev"

// defaultAppName names config/data directories and log prefixes.
const defaultAppName = "qdoc"

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}

// run builds the command tree and executes args through fang.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	root := newRootCommand(newGlobalOptions())
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return fang.Execute(ctx, root,
		fang.WithVersion(version),
		fang.WithNotifySignal(os.Interrupt, syscall.SIGTERM),
		fang.WithErrorHandler(func(w io.Writer, _ fang.Styles, err error) {
			_, _ = fmt.Fprintln(w, "error:", err)
		}),
	)
}

// globalOptions carries persistent flags shared by every subcommand.
type globalOptions struct {
	configPath string
	dbPath     string
	appName    string
	devMode    bool
	format     string
}

// newGlobalOptions seeds defaults from the environment.
func newGlobalOptions() *globalOptions {
	opts := &globalOptions{appName: defaultAppName, devMode: version == "dev"}
	if envDev, ok := parseBoolEnv("QDOC_DEV_MODE"); ok {
		opts.devMode = envDev
	}
	if envApp := strings.TrimSpace(os.Getenv("QDOC_APP_NAME")); envApp != "" {
		opts.appName = envApp
	}
	return opts
}

func newRootCommand(opts *globalOptions) *cobra.Command {
	root := &cobra.Command{
		Use:   "qdoc",
		Short: "Controlled document lifecycle and revision risk",
		Long: `qdoc keeps an organization's controlled documents (procedures, manuals,
checklists, policies) moving through draft, review, active, and obsolete,
archives every superseded revision, flags documents that need revision, and
turns completed procedure extractions into draft documents.`,
	}
	flags := root.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config TOML")
	flags.StringVar(&opts.dbPath, "db", "", "path to sqlite database")
	flags.StringVar(&opts.appName, "app", opts.appName, "application name for config/data path resolution")
	flags.BoolVar(&opts.devMode, "dev", opts.devMode, "use dev mode paths (<app>-dev)")
	flags.StringVarP(&opts.format, "format", "f", "table", "output format: table, markdown, or json")

	root.AddCommand(
		newPathsCommand(opts),
		newDocCommand(opts),
		newRiskCommand(opts),
		newExtractionCommand(opts),
		newExportCommand(opts),
		newIdentityCommand(opts),
		newServeCommand(opts),
	)
	return root
}

// documentStore is the storage contract both backends satisfy.
type documentStore interface {
	app.Repository
	app.ExtractionSource
	app.ExtractionRecorder
	Ping(context.Context) error
	Close() error
}

// runtimeEnv is the opened runtime for one command invocation.
type runtimeEnv struct {
	opts       *globalOptions
	paths      platform.Paths
	configPath string
	cfg        config.Config
	logger     *runtimeLogger
	store      documentStore
	svc        *app.Service
	stdout     io.Writer
}

// resolvePaths resolves platform paths for the configured app name.
func (o *globalOptions) resolvePaths() (platform.Paths, error) {
	return platform.DefaultPathsWithOptions(platform.Options{
		AppName: o.appName,
		DevMode: o.devMode,
	})
}

// loadConfig resolves config and database locations, applying flag and env overrides.
func (o *globalOptions) loadConfig() (platform.Paths, string, config.Config, error) {
	paths, err := o.resolvePaths()
	if err != nil {
		return platform.Paths{}, "", config.Config{}, err
	}

	configPath := o.configPath
	if configPath == "" {
		if envPath := strings.TrimSpace(os.Getenv("QDOC_CONFIG")); envPath != "" {
			configPath = envPath
		} else {
			configPath = paths.ConfigPath
		}
	}
	dbPath := strings.TrimSpace(o.dbPath)
	dbOverridden := dbPath != ""
	if !dbOverridden {
		if envPath := strings.TrimSpace(os.Getenv("QDOC_DB_PATH")); envPath != "" {
			dbPath = envPath
			dbOverridden = true
		} else {
			dbPath = paths.DBPath
		}
	}

	cfg, err := config.Load(configPath, config.Default(dbPath))
	if err != nil {
		return platform.Paths{}, "", config.Config{}, fmt.Errorf("load config %q: %w", configPath, err)
	}
	if dbOverridden {
		cfg.Database.Driver = config.DriverSQLite
		cfg.Database.Path = dbPath
	}
	if dsn := strings.TrimSpace(os.Getenv("QDOC_POSTGRES_DSN")); dsn != "" && !dbOverridden {
		cfg.Database.Driver = config.DriverPostgres
		cfg.Database.DSN = dsn
	}
	if err := cfg.Validate(); err != nil {
		return platform.Paths{}, "", config.Config{}, fmt.Errorf("validate config %q: %w", configPath, err)
	}
	return paths, configPath, cfg, nil
}

// openRuntime loads config, configures logging, opens storage, and builds the service.
func openRuntime(ctx context.Context, cmd *cobra.Command, opts *globalOptions) (*runtimeEnv, error) {
	paths, configPath, cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := newRuntimeLogger(cmd.ErrOrStderr(), opts.appName, opts.devMode, cfg.Logging, paths.LogDir, time.Now)
	if err != nil {
		return nil, fmt.Errorf("configure runtime logger: %w", err)
	}
	env := &runtimeEnv{
		opts:       opts,
		paths:      paths,
		configPath: configPath,
		cfg:        cfg,
		logger:     logger,
		stdout:     cmd.OutOrStdout(),
	}

	logger.Debug("runtime paths resolved", "config_path", configPath, "data_dir", paths.DataDir, "db_path", cfg.Database.Path)
	logger.Info("configuration loaded", "config_path", configPath, "driver", cfg.Database.Driver, "log_level", cfg.Logging.Level)
	if devPath := logger.DevLogPath(); devPath != "" {
		logger.Debug("dev file logging enabled", "path", devPath)
	}

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}
	env.store = store

	env.svc = env.newService(nil)
	return env, nil
}

// newService builds the application service over the opened store.
func (e *runtimeEnv) newService(metrics app.MetricsRecorder) *app.Service {
	return app.NewService(e.store, e.store, uuid.NewString, nil, app.ServiceConfig{
		RiskThresholds: e.cfg.RiskThresholds(),
		Logger:         e.logger,
		Metrics:        metrics,
	})
}

// openStore opens the configured storage backend.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *runtimeLogger) (documentStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		logger.Info("opening postgres repository", "max_conns", cfg.MaxConns)
		repo, err := postgres.Open(ctx, cfg.DSN, postgres.PoolConfig{MaxConns: cfg.MaxConns})
		if err != nil {
			logger.Error("postgres open failed", "err", err)
			return nil, fmt.Errorf("open postgres repository: %w", err)
		}
		logger.Info("postgres repository ready", "migrations", "ensured")
		return repo, nil
	default:
		logger.Info("opening sqlite repository", "db_path", cfg.Path)
		repo, err := sqlite.Open(cfg.Path)
		if err != nil {
			logger.Error("sqlite open failed", "db_path", cfg.Path, "err", err)
			return nil, fmt.Errorf("open sqlite repository: %w", err)
		}
		logger.Info("sqlite repository ready", "db_path", cfg.Path, "migrations", "ensured")
		return repo, nil
	}
}

// Close releases storage and the dev log sink.
func (e *runtimeEnv) Close() {
	if e == nil {
		return
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("storage close failed", "err", err)
		}
	}
	_ = e.logger.Close()
}

// renderer builds the report renderer for the --format flag.
func (e *runtimeEnv) renderer() (*report.Renderer, error) {
	format, err := report.ParseFormat(e.opts.format)
	if err != nil {
		return nil, err
	}
	return report.NewRenderer(format, report.Options{Styled: isTerminal(e.stdout) && os.Getenv("NO_COLOR") == ""}), nil
}

// jsonOutput reports whether --format selects JSON.
func (e *runtimeEnv) jsonOutput() bool {
	format, err := report.ParseFormat(e.opts.format)
	return err == nil && format == report.FormatJSON
}

// actor resolves an explicit actor flag against [identity] actor.
func (e *runtimeEnv) actor(explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	return strings.TrimSpace(e.cfg.Identity.Actor)
}

// withRuntime wraps a command body with runtime setup, logging, and teardown.
func withRuntime(opts *globalOptions, name string, fn func(ctx context.Context, env *runtimeEnv, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		env, err := openRuntime(ctx, cmd, opts)
		if err != nil {
			return err
		}
		defer env.Close()

		env.logger.Debug("command flow start", "command", name)
		if err := fn(ctx, env, args); err != nil {
			env.logger.Error("command flow failed", "command", name, "err", err)
			return err
		}
		env.logger.Debug("command flow complete", "command", name)
		return nil
	}
}

// isTerminal reports whether w is an interactive character device.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// parseBoolEnv reads a boolean env var. ok is false when unset or malformed.
func parseBoolEnv(name string) (bool, bool) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
