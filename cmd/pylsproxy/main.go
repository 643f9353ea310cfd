// Package main is the entry point for the pylsproxy language-server host.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Cetlan/vscode-python/internal/experiments"
	"github.com/Cetlan/vscode-python/internal/extension"
	"github.com/Cetlan/vscode-python/internal/langserver"
	"github.com/Cetlan/vscode-python/internal/logging"
	"github.com/Cetlan/vscode-python/internal/serverdir"
	"github.com/Cetlan/vscode-python/internal/settings"
	"github.com/Cetlan/vscode-python/internal/telemetry"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	ConfigPath   string
	Workspace    string
	LogLevel     string
	ConsoleLog   bool
	ReadyTimeout time.Duration
	Extensions   []string
	Interpreter  string
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	config, err := settings.Load(opts.ConfigPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load settings: %v\n", err)
		return 1
	}
	config = settings.ApplyEnv(config)
	if opts.LogLevel != "" {
		config.LogLevel = opts.LogLevel
	}
	if opts.Interpreter != "" {
		config.InterpreterPath = opts.Interpreter
	}

	log := logging.Init("pylsproxy", logging.Options{
		Level:   config.LogLevel,
		Console: opts.ConsoleLog,
	})

	exps, err := experiments.Load(config.ExperimentsFile, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load experiments: %v\n", err)
		return 1
	}

	provider := settings.NewProvider(config)
	runner := extension.NewRunner(log)
	defer runner.Close()

	factory := langserver.NewStdioClientFactory(langserver.StdioConfig{
		Command:  config.Command,
		Args:     config.Args,
		RootPath: opts.Workspace,
		WorkDir:  opts.Workspace,
		Logger:   log,
	})

	proxyOpts := []langserver.ProxyOption{
		langserver.WithLogger(log),
		langserver.WithSettings(provider),
		langserver.WithExperiments(exps),
		langserver.WithTelemetrySink(telemetry.NewLogSink(log)),
		langserver.WithExtensionLoader(runner),
		langserver.WithSessionHooks(runner),
	}
	if config.ServerRoot != "" {
		proxyOpts = append(proxyOpts, langserver.WithFolderResolver(serverdir.NewResolver(config.ServerRoot, log)))
	}
	if opts.ReadyTimeout > 0 {
		proxyOpts = append(proxyOpts, langserver.WithReadyTimeout(opts.ReadyTimeout))
	}
	if config.InterpreterPathFile != "" {
		watcher, err := settings.NewPathWatcher(config.InterpreterPathFile, log)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to watch interpreter path: %v\n", err)
			return 1
		}
		defer watcher.Close()
		proxyOpts = append(proxyOpts, langserver.WithInterpreterPathNotifier(watcher))
	}

	proxy := langserver.NewProxy(factory, proxyOpts...)
	defer proxy.Dispose()

	for _, path := range opts.Extensions {
		if err := proxy.LoadExtension(path); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load extension %s: %v\n", path, err)
			return 1
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals for graceful shutdown
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-signals
		log.Info().Str("signal", sig.String()).Msg("shutting down")
		proxy.Dispose()
		cancel()
	}()

	var interpreter *langserver.InterpreterInfo
	if config.InterpreterPath != "" {
		interpreter = &langserver.InterpreterInfo{Path: config.InterpreterPath}
	}

	if err := proxy.Start(ctx, opts.Workspace, interpreter, nil); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	log.Info().Str("version", proxy.ServerVersion()).Msg("language server ready")

	<-ctx.Done()
	return 0
}

func parseFlags() options {
	var opts options
	var extensionPath string
	var showVersion bool
	var showHelp bool

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.Workspace, "workspace", "", "Workspace/project directory")
	flag.StringVar(&opts.Workspace, "w", "", "Workspace/project directory (shorthand)")
	flag.StringVar(&opts.Interpreter, "interpreter", "", "Interpreter executable to analyze against")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.BoolVar(&opts.ConsoleLog, "console", false, "Human-readable log output instead of JSON")
	flag.DurationVar(&opts.ReadyTimeout, "ready-timeout", 0, "Bound the wait for server readiness (0 = unbounded)")
	flag.StringVar(&extensionPath, "ext", "", "Lua extension script to load")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "pylsproxy - Python language-server session host\n\n")
		fmt.Fprintf(os.Stderr, "Usage: pylsproxy [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  pylsproxy -w ./project                  Host a session for a workspace\n")
		fmt.Fprintf(os.Stderr, "  pylsproxy -c settings.toml              Use a settings file\n")
		fmt.Fprintf(os.Stderr, "  pylsproxy -ext hooks.lua -w ./project   Load a lifecycle extension\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("pylsproxy %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	if opts.LogLevel != "" {
		switch opts.LogLevel {
		case "debug", "info", "warn", "error":
			// Valid
		default:
			fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.LogLevel)
			os.Exit(1)
		}
	}

	if extensionPath != "" {
		abs, err := filepath.Abs(extensionPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		opts.Extensions = append(opts.Extensions, abs)
	}

	if opts.Workspace == "" {
		if wd, err := os.Getwd(); err == nil {
			opts.Workspace = wd
		}
	}

	return opts
}
