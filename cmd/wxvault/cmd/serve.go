package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/wesm/wxvault/internal/api"
	"github.com/wesm/wxvault/internal/service"
)

func runServe(cmd *cobra.Command, args []string) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	ctx := cmd.Context()

	svc, err := service.Open(service.Options{
		Root:             cfg.Data.DBPath,
		SelfLabel:        cfg.Messages.SelfLabel,
		ShardConcurrency: cfg.Messages.ShardConcurrency,
		Logger:           logger,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	apiServer := api.NewServer(cfg, svc, logger)
	ln, err := apiServer.Listen()
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.Addr(), err)
	}

	if err := svc.Start(ctx, cfg.Cache.RefreshInterval.Duration); err != nil {
		ln.Close()
		return fmt.Errorf("start contact refresh: %w", err)
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := apiServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "wxvault started\n")
	fmt.Fprintf(out, "  API server: http://%s\n", ln.Addr())
	fmt.Fprintf(out, "  Export: %s\n", svc.Root())
	fmt.Fprintf(out, "  Contact refresh: every %s\n", cfg.Cache.RefreshInterval.Duration)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Press Ctrl+C to stop.")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
		runErr = ctx.Err()
	case err := <-serverErr:
		logger.Error("API server error", "error", err)
		runErr = fmt.Errorf("api server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("API server shutdown error", "error", err)
	}

	select {
	case <-svc.Stop().Done():
	case <-time.After(30 * time.Second):
		logger.Warn("contact refresh did not stop within 30s")
	}
	return runErr
}
