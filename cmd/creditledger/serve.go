package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/meter"
	"github.com/ineyio/creditledger/webhook"
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("listen", "", "Listen address (default from config, then :8080)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Stripe webhook, read-only account endpoints and metrics",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, _ := cmd.Flags().GetString("listen")
	if addr == "" {
		addr = cfg.Metrics.Listen
	}
	if addr == "" {
		addr = ":8080"
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	health := meter.NewHealthMeter()
	l, err := openLedger(ctx, meter.Multi{meter.NewPrometheusMeter(reg), health})
	if err != nil {
		return err
	}
	defer l.close()

	srv := &http.Server{
		Addr:              addr,
		Handler:           newRouter(l.engine, reg, health),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", "addr", addr, "store", cfg.Store.Driver)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

func newRouter(engine *creditledger.Engine, reg *prometheus.Registry, health *meter.HealthMeter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		state := health.State()
		if state == meter.HealthUnhealthy {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "store": string(state)})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "store": string(state)})
	})
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.Post("/webhooks/stripe", webhook.NewHandler(engine, cfg.Stripe.WebhookSecret, webhook.WithLogger(logger)).ServeHTTP)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/accounts/{userID}", func(w http.ResponseWriter, r *http.Request) {
			acct, res, err := engine.Balance(r.Context(), chi.URLParam(r, "userID"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"account": acct, "result": res})
		})
		r.Get("/requests/{token}/entries", func(w http.ResponseWriter, r *http.Request) {
			entries, err := engine.History(r.Context(), chi.URLParam(r, "token"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, entries)
		})
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, creditledger.ErrMissingCreditAccount):
		status = http.StatusNotFound
	case creditledger.IsRejection(err):
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]string{"error": creditledger.ReasonCode(err)})
}
