package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-roots/internal/governance"
	"github.com/polisai/polis-roots/pkg/config"
	"github.com/polisai/polis-roots/pkg/domain"
	"github.com/polisai/polis-roots/pkg/roots"
	"github.com/polisai/polis-roots/pkg/telemetry"
)

const (
	maxNotificationBytes = 1 << 20
	clientIdleTTL        = 10 * time.Minute
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve status, metrics and a roots notification endpoint over HTTP",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "Listen address (overrides server.listen_addr)")
	return cmd
}

// runServe is the entry point for the serve command
func runServe(cmd *cobra.Command, _ []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		a.cfg.Server.ListenAddr = listen
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.SetupProvider(ctx, telemetry.Config{
		ServiceName: a.cfg.Telemetry.ServiceName,
		Endpoint:    a.cfg.Telemetry.OTLPEndpoint,
		Insecure:    a.cfg.Telemetry.Insecure,
		Profile:     string(a.cfg.Security.Profile),
		SampleRatio: a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownTracing(flushCtx); err != nil {
			a.logger.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	if a.retention != nil {
		if err := a.retention.Start(ctx); err != nil {
			return err
		}
	}

	var reloader *config.Reloader
	if a.configPath != "" {
		reloader = config.NewReloader(a.provider, a.getenv, a.logger, a.metrics)
		watcher, err := config.NewWatcher(a.configPath, reloader.Reload, 0, a.logger)
		if err != nil {
			return fmt.Errorf("failed to create config watcher: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
		defer watcher.Stop()
	}

	sub := a.provider.OnConfigurationChange(config.ObserverFunc(func(event domain.ConfigurationChangeEvent) error {
		a.logger.Info("Output directory changed",
			"previous", event.PreviousDirectory,
			"directory", event.NewDirectory,
			"source", event.NewSource.String(),
		)
		return nil
	}))
	defer sub.Unsubscribe()

	go forgetIdleClients(ctx, a.manager, a.logger)

	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           newHandler(a, reloader),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Starting polis-roots", "listen_addr", srv.Addr, "directory", a.provider.CurrentQRDirectory())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		a.logger.Info("Received shutdown signal")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("Error during shutdown", "error", err)
		}
	}

	a.logger.Info("polis-roots stopped")
	return nil
}

// newHandler builds the HTTP surface. reloader may be nil.
func newHandler(a *app, reloader *config.Reloader) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "ok\n")
	})

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		info, err := a.provider.DirectoryInfo(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		kind, _ := a.provider.Policy()
		body := map[string]any{
			"status":              a.manager.CurrentRoots(),
			"directory":           info,
			"policy":              kind,
			"allowed_directories": a.provider.AllowedDirectories(),
			"validator_cache":     a.factory.CacheInfo(),
		}
		if reloader != nil {
			body["reloads"] = reloader.Stats()
		}
		respondJSON(w, http.StatusOK, body)
	})

	mux.Handle("GET /metrics", a.metrics.Handler())

	mux.HandleFunc("POST /validate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Directory string `json:"directory"`
		}
		if err := json.NewDecoder(io.LimitReader(r.Body, maxNotificationBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		result := a.manager.ValidateDirectory(r.Context(), req.Directory)
		respondJSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("POST /roots", func(w http.ResponseWriter, r *http.Request) {
		var n domain.RootsNotification
		if err := json.NewDecoder(io.LimitReader(r.Body, maxNotificationBytes)).Decode(&n); err != nil {
			http.Error(w, "invalid notification", http.StatusBadRequest)
			return
		}
		if n.ReceivedAt.IsZero() {
			n.ReceivedAt = time.Now()
		}
		// Rate limits follow the connection, not what the body claims.
		if n.Source == nil {
			n.Source = make(map[string]string, 1)
		}
		n.Source[roots.ClientKey] = remoteClient(r)

		agg := a.manager.HandleRootsChanged(r.Context(), n)
		writeRateLimitHeaders(w, a.manager, n.Source[roots.ClientKey])

		status := http.StatusOK
		switch {
		case agg.Code == domain.CodeRateLimited:
			status = http.StatusTooManyRequests
		case !agg.Adopted:
			status = http.StatusUnprocessableEntity
		}
		respondJSON(w, status, agg)
	})

	return otelhttp.NewHandler(a.metrics.MetricsMiddleware(mux), "polis-roots")
}

func remoteClient(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimitHeaders(w http.ResponseWriter, m *roots.Manager, client string) {
	if stats, ok := m.RateLimitStats(client); ok {
		governance.WriteRateLimitHeaders(w, stats)
	}
}

// forgetIdleClients periodically drops limiter state for quiet clients.
func forgetIdleClients(ctx context.Context, m *roots.Manager, logger *slog.Logger) {
	ticker := time.NewTicker(clientIdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.ForgetIdleClients(clientIdleTTL); n > 0 {
				logger.Debug("Dropped idle rate limit buckets", "count", n)
			}
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
