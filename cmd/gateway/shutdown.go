package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/vyrodovalexey/tradegw/internal/config"
	"github.com/vyrodovalexey/tradegw/internal/observability"
)

// runGateway starts every listener, waits for a shutdown signal and
// stops the application.
func runGateway(app *application, configPath string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.start(ctx); err != nil {
		app.logger.Fatal("failed to start gateway", observability.Error(err))
	}

	watcher := app.startConfigWatcher(ctx, configPath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	app.logger.Info("received shutdown signal", observability.String("signal", sig.String()))

	app.shutdown(watcher)
}

// start launches background work and listeners.
func (app *application) start(ctx context.Context) error {
	app.limiter.Start(ctx)

	if err := app.gateway.Start(ctx); err != nil {
		return err
	}
	if app.adminListener != nil {
		if err := app.adminListener.Start(ctx); err != nil {
			return err
		}
	}
	if app.metricsServer != nil {
		if err := app.metricsServer.Start(); err != nil {
			return err
		}
	}
	return nil
}

// shutdown fails readiness first so load balancers stop sending
// traffic, then drains the gateway and releases everything else.
func (app *application) shutdown(watcher *config.Watcher) {
	app.healthChecker.SetDraining(true)

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Gateway.ShutdownTimeout.Duration())
	defer cancel()

	if watcher != nil {
		_ = watcher.Stop()
	}

	if app.gateway.IsRunning() {
		if err := app.gateway.Stop(ctx); err != nil {
			app.logger.Error("failed to stop gateway gracefully", observability.Error(err))
		}
	}

	// Flush admission events before the sinks' connections go away.
	if err := app.dispatcher.Close(ctx); err != nil {
		app.logger.Error("failed to flush events", observability.Error(err))
	}

	if app.adminListener != nil {
		if err := app.adminListener.Stop(ctx); err != nil {
			app.logger.Error("failed to stop admin listener", observability.Error(err))
		}
	}
	if app.metricsServer != nil {
		if err := app.metricsServer.Stop(ctx); err != nil {
			app.logger.Error("failed to stop metrics server", observability.Error(err))
		}
	}

	app.limiter.Stop()

	if app.store != nil {
		if err := app.store.Close(); err != nil {
			app.logger.Error("failed to close redis store", observability.Error(err))
		}
	}

	if err := app.tracer.Shutdown(ctx); err != nil {
		app.logger.Error("failed to shutdown tracer", observability.Error(err))
	}

	app.logger.Info("gateway stopped")
}
