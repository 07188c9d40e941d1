// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// exthost runs extensions under a capability broker.
//
// Each extension is an executable (or a built-in) that reaches files,
// the datastore, the web, inbound HTTP connections and other
// extensions only through broker calls checked against its policy
// document. The host serves inbound HTTP at /<extension>/<route> and
// hands each request to a connection handler the extension registered.
//
// Usage:
//
//	exthost [flags] [@key value ...]
//
// "@key value" pairs are passed to every extension as custom
// arguments; a key followed directly by another @key has an empty
// value.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bureau-foundation/exthost/broker"
	"github.com/bureau-foundation/exthost/datastore"
	"github.com/bureau-foundation/exthost/lib/config"
	"github.com/bureau-foundation/exthost/lib/process"
	"github.com/bureau-foundation/exthost/lib/version"
	"github.com/bureau-foundation/exthost/policy"
	"github.com/bureau-foundation/exthost/router"
	"github.com/bureau-foundation/exthost/sandbox"
	"github.com/bureau-foundation/exthost/supervisor"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

// options are the command line settings that override the config
// file.
type options struct {
	configPath   string
	runName      string
	extensions   string
	permissions  string
	noServer     bool
	bind         string
	port         int
	forceSandbox bool
	showVersion  bool
	customArgs   map[string]string
}

func parseOptions(args []string) (*options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("exthost", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", "", "config file (default: $"+config.EnvConfigPath+" or built-in defaults)")
	flagSet.StringVarP(&opts.runName, "run", "r", "", "run only this extension, exclusively")
	flagSet.StringVarP(&opts.extensions, "extensions", "e", "", "extensions directory")
	flagSet.StringVarP(&opts.permissions, "permissions", "a", "", "policy documents directory")
	flagSet.BoolVarP(&opts.noServer, "no-server", "n", false, "do not serve HTTP")
	flagSet.StringVarP(&opts.bind, "bind", "b", "", "HTTP bind address")
	flagSet.IntVarP(&opts.port, "port", "p", 0, "HTTP port")
	flagSet.BoolVarP(&opts.forceSandbox, "force-sandbox", "f", false, "isolate every extension regardless of policy")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	customArgs, err := parseCustomArgs(flagSet.Args())
	if err != nil {
		return nil, err
	}
	opts.customArgs = customArgs
	return &opts, nil
}

// loadConfig reads the config file and applies the command line
// overrides.
func loadConfig(opts *options) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	if opts.extensions != "" {
		if cfg.Paths.Extensions, err = filepath.Abs(opts.extensions); err != nil {
			return nil, err
		}
	}
	if opts.permissions != "" {
		if cfg.Paths.Permissions, err = filepath.Abs(opts.permissions); err != nil {
			return nil, err
		}
	}
	if opts.bind != "" {
		cfg.HTTP.Bind = opts.bind
	}
	if opts.port != 0 {
		cfg.HTTP.Port = opts.port
	}
	if opts.forceSandbox {
		cfg.Extensions.ForceSandbox = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newLogger writes text to a terminal and JSON otherwise.
func newLogger(level slog.Level) *slog.Logger {
	var handler slog.Handler
	handlerOptions := &slog.HandlerOptions{Level: level}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, handlerOptions)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, handlerOptions)
	}
	return slog.New(handler)
}

// newSandbox returns the worker sandbox, or nil when bubblewrap cannot
// run here. Extensions that need isolation then refuse to start.
func newSandbox(cfg *config.Config, logger *slog.Logger) (*sandbox.Sandbox, error) {
	loader := sandbox.NewProfileLoader(logger)
	if cfg.Extensions.SandboxProfile != "" {
		if err := loader.LoadFile(cfg.Extensions.SandboxProfile); err != nil {
			return nil, fmt.Errorf("loading sandbox profile: %w", err)
		}
	}
	profile, err := loader.Resolve("worker")
	if err != nil {
		return nil, err
	}

	availability := sandbox.Detect("")
	if err := availability.Err(); err != nil {
		logger.Warn("sandbox unavailable, isolated extensions will not start", "reason", err)
		return nil, nil
	}
	logger.Debug("sandbox available", "bwrap", availability.BwrapPath, "version", availability.BwrapVersion)
	return sandbox.New(sandbox.Config{
		Profile:   profile,
		BwrapPath: availability.BwrapPath,
		Logger:    logger,
	})
}

func run() error {
	opts, err := parseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if opts.showVersion {
		version.Print("exthost")
		return nil
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger := newLogger(level)

	if os.Getuid() == 0 {
		logger.Warn("running as root; run as an unprivileged user to limit what a compromised extension can reach")
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	store, err := datastore.OpenSQLite(datastore.SQLiteConfig{
		Path:     cfg.Paths.Datastore,
		PoolSize: cfg.Datastore.PoolSize,
		PageSize: cfg.Datastore.PageSize,
		Timeout:  cfg.Datastore.Timeout,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	locator := supervisor.NewLocator(cfg.Paths.Extensions)
	policies := policy.NewEngine(policy.EngineConfig{
		Dir:           cfg.Paths.Permissions,
		Resolver:      locator,
		StrictDefault: cfg.Extensions.StrictMode,
		Logger:        logger,
	})

	var console *broker.Console
	if cfg.Logging.PrintLog {
		console = broker.NewConsole(os.Stdout, broker.TerminalWidth(int(os.Stdout.Fd())))
	}
	capabilityBroker := broker.New(broker.Config{
		Store:         store,
		Policies:      policies,
		ExtensionsDir: cfg.Paths.Extensions,
		Console:       console,
		Logger:        logger,
	})

	workerSandbox, err := newSandbox(cfg, logger)
	if err != nil {
		return err
	}

	extensions, err := supervisor.New(supervisor.Config{
		Broker:             capabilityBroker,
		Policies:           policies,
		Locator:            locator,
		Sandbox:            workerSandbox,
		ExtensionsDir:      cfg.Paths.Extensions,
		TempDir:            cfg.Paths.Temp,
		Transport:          supervisor.Transport(cfg.Extensions.Transport),
		StopTimeout:        cfg.Extensions.StopTimeout,
		ForceSandbox:       cfg.Extensions.ForceSandbox,
		CustomArgs:         opts.customArgs,
		Breakpoint:         cfg.Extensions.BreakpointHandler,
		NoExceptionLogging: cfg.Extensions.NoExceptionLogging,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	capabilityBroker.SetLauncher(extensions)
	if err := locator.RegisterBuiltin(statusExtensionName, statusExtension(extensions, logger)); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := serve(ctx, cfg, opts, capabilityBroker, extensions, logger)

	logger.Info("stopping extensions")
	stopErr := extensions.StopAll()
	if cfg.Logging.DeleteTempAtExit {
		if err := os.RemoveAll(cfg.Paths.Temp); err != nil {
			logger.Warn("removing temp directory failed", "path", cfg.Paths.Temp, "error", err)
		}
	}
	return errors.Join(serveErr, stopErr)
}

// serve starts the requested extensions and, unless disabled, the
// HTTP listener, then blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, opts *options, capabilityBroker *broker.Broker, extensions *supervisor.Supervisor, logger *slog.Logger) error {
	if opts.runName != "" {
		err := extensions.Start(ctx, opts.runName, supervisor.StartOptions{
			Exclusive:    true,
			ForceSandbox: opts.forceSandbox,
		})
		if err != nil {
			return fmt.Errorf("starting %s: %w", opts.runName, err)
		}
	} else if err := extensions.StartAutostart(ctx, cfg.Extensions.Autostart); err != nil {
		// One broken extension does not keep the others from
		// serving.
		logger.Error("autostart incomplete", "error", err)
	}

	if opts.noServer {
		logger.Info("running without HTTP server; interrupt to exit")
		<-ctx.Done()
		return nil
	}

	handler := router.New(router.Config{
		Broker:         capabilityBroker,
		Launcher:       extensions,
		RetryCount:     cfg.Connections.RetryCount,
		RetryDelay:     cfg.Connections.RetryDelay,
		BusyWaiting:    cfg.Connections.BusyWaiting,
		BusyRetryAfter: cfg.Connections.BusyRetryAfter,
		Logger:         logger,
	})
	serverConfig := router.ServerConfig{
		Address:       cfg.Address(),
		Handler:       handler,
		PrintRequests: cfg.HTTP.PrintRequests,
		Logger:        logger,
	}
	if cfg.HTTP.TLS.Enabled {
		serverConfig.CertFile = cfg.HTTP.TLS.CertFile
		serverConfig.KeyFile = cfg.HTTP.TLS.KeyFile
	}
	return router.NewServer(serverConfig).Serve(ctx)
}
