package commands

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/spoor/internal/printer"
	"github.com/dyluth/spoor/internal/server"
	"github.com/dyluth/spoor/internal/telemetry"
	"github.com/dyluth/spoor/internal/tracker"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP ingest server",
	Long: `Run the tracker behind an HTTP server.

Endpoints:
  POST /v1/track     run one trigger
  POST /v1/handoff   attach a signed handoff to a target URL
  GET  /v1/resume    consume a handoff from the query string
  GET  /healthz      store connectivity

Tracing is exported over OTLP/HTTP when SPOOR_OTEL_ENDPOINT is set.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := log.New(os.Stderr, "", log.LstdFlags)

	shutdownTracing, err := telemetry.Setup(ctx, "spoor", version)
	if err != nil {
		logger.Printf("[Telemetry] Warning: tracing disabled: %v", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Printf("[Telemetry] Warning: failed to flush spans: %v", err)
		}
	}()

	svc, err := tracker.New(cfg, tracker.Deps{Logger: logger})
	if err != nil {
		return printedError{printer.ErrorWithContext(
			"failed to open store",
			err.Error(),
			map[string]string{"Backend": cfg.Store.Backend},
			nil,
		)}
	}
	if err := svc.Start(ctx); err != nil {
		_ = svc.Shutdown(context.Background())
		return fmt.Errorf("failed to start tracker: %w", err)
	}

	srv := server.New(svc, cfg.Server.Addr, logger)
	if err := srv.Start(); err != nil {
		_ = svc.Shutdown(context.Background())
		return fmt.Errorf("failed to start server: %w", err)
	}

	<-ctx.Done()
	logger.Printf("Received shutdown signal, stopping gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("[Server] Warning: %v", err)
	}
	return svc.Shutdown(shutdownCtx)
}
