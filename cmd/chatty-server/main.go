package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codefionn/chatty/internal/config"
	"github.com/codefionn/chatty/internal/logger"
	"github.com/codefionn/chatty/internal/metrics"
	"github.com/codefionn/chatty/internal/pprof"
	"github.com/codefionn/chatty/internal/registry"
	"github.com/codefionn/chatty/internal/socketserver"
)

type options struct {
	configPath string
	addr       string
	registry   string
	metrics    string
	logLevel   string
	noControl  bool
	pprof      bool
	cpuProfile string
	memProfile string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	cfg.ApplyEnv()
	opts.apply(cfg)

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		if closeErr := logger.Global().Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close logger: %v\n", closeErr)
		}
	}()

	profiler, err := pprof.Start(pprof.Config{CPUProfile: opts.cpuProfile, HeapProfile: opts.memProfile})
	if err != nil {
		return err
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			logger.Error("Failed to write profiles: %v", err)
		}
	}()

	reg, err := registry.Open(cfg.Server.RegistryPath)
	if err != nil {
		return fmt.Errorf("failed to open registry: %w", err)
	}
	defer func() {
		if err := reg.Close(); err != nil {
			logger.Error("Failed to close registry: %v", err)
		}
	}()
	logger.Info("Loaded %d clients from %s", reg.Len(), cfg.Server.RegistryPath)

	serverCfg := socketserver.ConfigFrom(cfg.Server)
	if !opts.noControl {
		serverCfg.Control = os.Stdin
	}
	var m *metrics.Metrics
	if cfg.Server.MetricsAddr != "" {
		m = metrics.New()
		serverCfg.Metrics = m
	}
	server := socketserver.NewServer(serverCfg, reg)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(sigCtx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return server.Run(gctx)
	})

	if m != nil {
		httpServer := &http.Server{
			Addr:              cfg.Server.MetricsAddr,
			Handler:           diagnosticsMux(m, opts.pprof),
			ReadHeaderTimeout: 5 * time.Second,
			ErrorLog:          logger.NewStdLogger(logger.Global().WithPrefix("metrics"), slog.LevelError),
		}
		g.Go(func() error {
			logger.Info("Serving metrics on %s", cfg.Server.MetricsAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}

	if _, err := os.Stat(opts.configPath); err == nil {
		g.Go(func() error {
			return config.Watch(gctx, opts.configPath, func(next *config.Config) {
				next.ApplyEnv()
				level := logger.ParseLevel(next.LogLevel)
				if opts.logLevel != "" {
					level = logger.ParseLevel(opts.logLevel)
				}
				if level != logger.Global().GetLevel() {
					logger.Global().SetLevel(level)
					logger.Info("Log level changed to %s", level)
				}
			})
		})
	}

	return g.Wait()
}

func diagnosticsMux(m *metrics.Metrics, withPprof bool) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if withPprof {
		pprof.Register(mux)
	}
	return mux
}

func parseArgs(args []string) (*options, error) {
	fs := flag.NewFlagSet("chatty-server", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := &options{}
	fs.StringVar(&opts.configPath, "config", config.GetConfigPath(), "Path to the config file")
	fs.StringVar(&opts.addr, "addr", "", "Listen address (default :"+config.DefaultPort+")")
	fs.StringVar(&opts.registry, "registry", "", "Path to the client registry file")
	fs.StringVar(&opts.metrics, "metrics", "", "Serve Prometheus metrics (and -pprof) on this address")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error, none)")
	fs.BoolVar(&opts.noControl, "no-control", false, "Do not read operator commands from stdin")
	fs.BoolVar(&opts.pprof, "pprof", false, "Serve /debug/pprof/ next to the metrics endpoint")
	fs.StringVar(&opts.cpuProfile, "cpuprofile", "", "Write a CPU profile to this file")
	fs.StringVar(&opts.memProfile, "memprofile", "", "Write a heap profile to this file on exit")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintln(fs.Output(), "Operator commands on stdin: clients, stats, quit")
		fmt.Fprintln(fs.Output(), "Options:")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() > 0 {
		fs.Usage()
		return nil, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func (o *options) apply(cfg *config.Config) {
	if o.addr != "" {
		cfg.Server.Addr = o.addr
	}
	if o.registry != "" {
		cfg.Server.RegistryPath = o.registry
	}
	if o.metrics != "" {
		cfg.Server.MetricsAddr = o.metrics
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
}
