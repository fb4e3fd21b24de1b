package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/datallboy/gopod/internal/api"
	"github.com/datallboy/gopod/internal/app"
	"github.com/datallboy/gopod/internal/domain"
	"github.com/datallboy/gopod/internal/engine"
	"github.com/datallboy/gopod/internal/infra/logger"
	"github.com/labstack/echo/v5"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the download manager behind the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, false)
	if err != nil {
		return err
	}

	log, err := logger.New(cfg.Log.Path, logger.ParseLevel(cfg.Log.Level), cfg.Log.IncludeStdout)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}
	defer log.Close()

	// Setup Signal Handling for Graceful Shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	appCtx := app.NewContext(cfg, log)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", cfg.Store.Driver, err)
	}
	defer st.Close()
	appCtx.Store = st

	mgr, err := engine.NewManager(appCtx, engine.OptionsFromConfig(cfg.Download, log))
	if err != nil {
		return err
	}
	mgr.OnTaskChanged(func(t *engine.Task) {
		if t.State() != domain.StateFinished {
			return
		}
		if err := t.Err(); err != nil {
			log.Warn("Finished %s with error: %v", t.ID(), err)
			return
		}
		log.Info("Finished %s -> %s", t.ID(), t.Destination())
	})

	if _, err := mgr.Restore(ctx); err != nil {
		log.Error("Could not restore pending downloads: %v", err)
	}

	e := echo.New()
	api.RegisterRoutes(e, appCtx, mgr)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Listening on %s (saving to %s)", srv.Addr, cfg.Download.SaveDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP shutdown: %v", err)
	}
	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Warn("Downloads did not stop in time: %v", err)
	}

	log.Info("Process finished successfully.")
	return nil
}
