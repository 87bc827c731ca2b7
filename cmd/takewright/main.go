// Command takewright drives a narration production from script to finished
// track: candidate generation, review, assembly behind QA gates, and the
// remote pick store service.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MrWong99/takewright/internal/app"
	"github.com/MrWong99/takewright/internal/config"
	"github.com/MrWong99/takewright/internal/observe"
)

// version is set at link time.
var version = "dev"

// cli holds the state shared by all subcommands.
type cli struct {
	configPath string
	cfg        *config.Config
	level      *slog.LevelVar

	shutdownTelemetry func(context.Context) error
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "takewright: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	c := &cli{level: new(slog.LevelVar)}
	root := &cobra.Command{
		Use:           "takewright",
		Short:         "Generate, review and assemble narration takes",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, _ []string) error {
			return c.teardown(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "takewright.yaml", "path to the YAML configuration file")

	root.AddCommand(
		c.serveCmd(),
		c.generateCmd(),
		c.reviewCmd(),
		c.buildCmd(),
		c.exportCmd(),
		c.calibrateCmd(),
	)
	return root
}

// setup loads the config and installs the logger and telemetry providers.
func (c *cli) setup(ctx context.Context) error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", c.configPath)
		}
		return err
	}
	c.cfg = cfg
	c.level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: c.level})))

	shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Production:     cfg.Production.ID,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	c.shutdownTelemetry = shutdown
	slog.Debug("config loaded", "config", c.configPath, "production", cfg.Production.ID)
	return nil
}

func (c *cli) teardown(ctx context.Context) error {
	if c.shutdownTelemetry == nil {
		return nil
	}
	return c.shutdownTelemetry(context.WithoutCancel(ctx))
}

// openApp wires the application. Providers are only created when
// withProviders is set, so commands that never synthesize need no API keys.
func (c *cli) openApp(ctx context.Context, withProviders bool) (*app.App, error) {
	var providers *app.Providers
	if withProviders && c.cfg.Providers.TTS.Name != "" {
		reg := config.NewRegistry()
		registerBuiltinProviders(reg)
		p, err := app.ProvidersFromConfig(c.cfg, reg)
		if err != nil {
			return nil, err
		}
		providers = p
		slog.Info("provider created", "name", c.cfg.Providers.TTS.Name, "fallbacks", len(c.cfg.Providers.Fallbacks))
	}
	return app.New(ctx, c.cfg, providers)
}

// watch hot-reloads the config file while a long-running command runs.
// SIGHUP forces a reload. apply may be nil. The returned stop function is
// never nil.
func (c *cli) watch(apply func(old, new *config.Config)) func() {
	w, err := config.NewWatcher(c.configPath, func(old, new *config.Config, d config.ConfigDiff) {
		if d.LogLevelChanged {
			c.level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if apply != nil {
			apply(old, new)
		}
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
		return func() {}
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-hup:
				if err := w.Reload(); err != nil {
					slog.Warn("config reload rejected, keeping previous config", "err", err)
				}
			}
		}
	}()
	return func() {
		signal.Stop(hup)
		close(done)
		w.Stop()
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func shutdownApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}
