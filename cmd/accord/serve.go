package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rpggio/accord/internal/config"
	"github.com/rpggio/accord/internal/mcp"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var transport string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tool surface over stdio or streamable HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if transport != "" {
				cfg.Transport.Mode = transport
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			logger, closeLog, err := newLogger(cfg)
			if err != nil {
				return fmt.Errorf("log file error: %w", err)
			}
			defer closeLog()
			return serve(cmd.Context(), cfg, logger)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", `transport mode, "stdio" or "http" (overrides config)`)
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if n, err := a.seedRules(ctx); err != nil {
		return err
	} else if n > 0 {
		logger.Info("seeded resolution rules", "count", n)
	}
	if n, err := a.loadOpenResolutions(ctx); err != nil {
		return fmt.Errorf("loading resolution sessions: %w", err)
	} else if n > 0 {
		logger.Info("resumed resolution sessions", "count", n)
	}
	expCtx, cancelExpiry := context.WithCancel(ctx)
	expiryDone := make(chan struct{})
	go func() {
		defer close(expiryDone)
		expireStale(expCtx, a, logger)
	}()
	defer func() {
		cancelExpiry()
		<-expiryDone
	}()

	server := mcp.NewServer(mcp.Config{
		Services:      a.services(),
		Resolver:      mcp.StaticTokens(cfg.Auth.Tokens),
		AuthEnabled:   cfg.Auth.Enabled,
		DefaultActor:  cfg.Auth.DefaultActor,
		TransportMode: cfg.Transport.Mode,
		Version:       version,
		Logger:        logger,
	})

	if cfg.Transport.Mode == "stdio" {
		logger.Info("starting stdio transport", "auth", "disabled")
		// Run returns when stdin closes or ctx is cancelled.
		if err := server.Run(ctx, &sdkmcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("stdio server: %w", err)
		}
		return nil
	}
	return serveHTTP(ctx, a, server, logger)
}

func serveHTTP(ctx context.Context, a *app, server *sdkmcp.Server, logger *slog.Logger) error {
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(
		func(*http.Request) *sdkmcp.Server { return server },
		&sdkmcp.StreamableHTTPOptions{SessionTimeout: 30 * time.Minute},
	)

	router := http.NewServeMux()
	router.Handle("/mcp", mcpHandler)
	router.Handle("/mcp/", mcpHandler)
	router.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "auth", a.cfg.Auth.Enabled)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// expireStale escalates resolution sessions older than the configured age.
func expireStale(ctx context.Context, a *app, logger *slog.Logger) {
	interval := a.cfg.Resolution.ExpireInterval
	if interval <= 0 || a.cfg.Resolution.MaxSessionAge <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := a.orch.ExpireStale(ctx, a.cfg.Resolution.MaxSessionAge)
			if err != nil {
				logger.Error("expiring resolution sessions", "error", err)
			}
			if len(expired) > 0 {
				logger.Info("expired resolution sessions", "ids", expired)
			}
		}
	}
}
