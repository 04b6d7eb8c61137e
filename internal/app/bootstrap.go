package app

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"

	"tokenbroker/internal/config"
	"tokenbroker/pkg/logging"
)

// Application represents the main application structure that bootstraps and
// runs the broker.
//
// The Application follows a two-phase initialization pattern:
//  1. Bootstrap phase: load configuration, initialize logging, build services
//  2. Execution phase: serve HTTP and watch the config file until cancelled
//
// Example usage:
//
//	cfg := app.NewConfig(false, "")
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return fmt.Errorf("failed to create application: %w", err)
//	}
//	return application.Run(ctx)
type Application struct {
	config   *Config
	broker   config.Config
	services *Services
	watcher  *config.Watcher
}

// NewApplication loads configuration, configures logging and builds all
// services. When cfg.Broker is set, loading is skipped and the file watcher
// is disabled.
func NewApplication(cfg *Config) (*Application, error) {
	var logOutput io.Writer = os.Stdout
	if cfg.Silent {
		logOutput = io.Discard
	}

	// Bootstrap logging until the configured level and format are known.
	bootLevel := logging.LevelInfo
	if cfg.Debug {
		bootLevel = logging.LevelDebug
	}
	logging.InitForCLI(bootLevel, logOutput)

	var broker config.Config
	watchPath := ""
	if cfg.Broker != nil {
		broker = *cfg.Broker
	} else {
		path := cfg.ConfigPath
		if path == "" {
			defaultPath, err := config.GetDefaultConfigPath()
			if err != nil {
				return nil, err
			}
			path = defaultPath
		}

		loaded, err := config.LoadConfig(path)
		if err != nil {
			logging.Error("Bootstrap", err, "Failed to load configuration from %s", path)
			return nil, fmt.Errorf("failed to load configuration from %s: %w", path, err)
		}
		broker = loaded
		watchPath = path
	}

	level := logging.ParseLevel(broker.Logging.Level)
	if cfg.Debug {
		level = logging.LevelDebug
	}
	logging.Init(level, logging.Format(broker.Logging.Format), logOutput)

	services, err := InitializeServices(broker)
	if err != nil {
		logging.Error("Bootstrap", err, "Failed to initialize services")
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a := &Application{
		config:   cfg,
		broker:   broker,
		services: services,
	}
	if watchPath != "" {
		a.watcher = config.NewWatcher(config.WatcherConfig{
			Path:     watchPath,
			OnChange: a.applyReload,
		})
	}
	return a, nil
}

// applyReload applies the settings that can change without a restart.
func (a *Application) applyReload(next config.Config) {
	o := next.OAuth
	if err := a.services.Redirects.Update(o.AllowedRedirectURIs, o.AllowLoopbackRedirects, o.AllowAllRedirects); err != nil {
		logging.Warn("Bootstrap", "Ignoring reloaded redirect settings: %v", err)
		return
	}
	logging.Info("Bootstrap", "Reloaded redirect policy (%d allowed URIs)", len(o.AllowedRedirectURIs))
}

// Services exposes the initialized components.
func (a *Application) Services() *Services {
	return a.services
}

// Run serves until ctx is cancelled or the server fails. The store is
// flushed and closed by the server on the way out.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.services.Server.Run(gctx)
	})
	if a.watcher != nil {
		g.Go(func() error {
			return a.watcher.Run(gctx)
		})
	}

	return g.Wait()
}
