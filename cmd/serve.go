package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rulesmith/internal/cost"
	"github.com/sells-group/rulesmith/internal/metrics"
	"github.com/sells-group/rulesmith/internal/monitoring"
	"github.com/sells-group/rulesmith/internal/resilience"
	"github.com/sells-group/rulesmith/internal/store"
)

var servePort int

const (
	readyTimeout    = 3 * time.Second
	shutdownTimeout = 15 * time.Second
)

// breakerSource reports LLM circuit breaker states.
type breakerSource interface {
	Breakers() map[string]resilience.CircuitState
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve health, readiness, and metrics endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}
		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           newRouter(env.Store, env.Chat),
			ReadHeaderTimeout: 10 * time.Second,
		}

		if cfg.Monitoring.Enabled {
			collector := monitoring.NewCollector(env.Store, cost.NewCalculator(cfg.Pricing...))
			checker := monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
			go checker.Run(ctx)
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

// newRouter serves /health (liveness), /ready (store reachable and no
// open LLM breaker), and /metrics.
func newRouter(st store.Store, breakers breakerSource) http.Handler {
	metrics.Init()

	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/ready", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), readyTimeout)
		defer cancel()

		body := map[string]any{"status": "ready"}
		status := http.StatusOK

		if _, err := st.ListExecutions(ctx, store.ExecutionFilter{Limit: 1}); err != nil {
			zap.L().Warn("readiness: store check failed", zap.Error(err))
			body["status"] = "unavailable"
			body["store"] = err.Error()
			status = http.StatusServiceUnavailable
		}

		if breakers != nil {
			states := make(map[string]string)
			for name, s := range breakers.Breakers() {
				states[name] = s.String()
				if s == resilience.CircuitOpen && status == http.StatusOK {
					body["status"] = "degraded"
					status = http.StatusServiceUnavailable
				}
			}
			body["breakers"] = states
		}
		writeJSON(w, status, body)
	})

	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		promhttp.Handler().ServeHTTP(w, req)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
