package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/BearBump/CarrierSync/config"
	"github.com/BearBump/CarrierSync/internal/services/poller"
)

type workerHTTPOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)

	poller *poller.Poller
	cfg    *config.Config
	// probes are pinged by /readyz, keyed by dependency name.
	probes map[string]func(ctx context.Context) error
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func newWorkerRouter(opts workerHTTPOpts) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		names := make([]string, 0, len(opts.probes))
		for name := range opts.probes {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := opts.probes[name](ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{
					"status": "not_ready",
					"error":  fmt.Sprintf("%s: %v", name, err),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		if opts.poller == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "poller not wired"})
			return
		}
		writeJSON(w, http.StatusOK, opts.poller.Stats())
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "config not wired"})
			return
		}
		in := opts.cfg.Ingest
		carriers := make([]string, 0, len(opts.cfg.CarrierList))
		for _, c := range opts.cfg.Carriers() {
			carriers = append(carriers, c.Code)
		}
		// Без секретов: только рабочие настройки.
		writeJSON(w, http.StatusOK, map[string]any{
			"environment":                  opts.cfg.Environment,
			"carriers":                     carriers,
			"providerMode":                 opts.cfg.Provider.Mode,
			"filePollIntervalSeconds":      in.FilePollIntervalSeconds,
			"fileClaimBatchSize":           in.FileClaimBatchSize,
			"trackingPollIntervalSeconds":  in.TrackingPollIntervalSeconds,
			"trackingBatchSize":            in.TrackingBatchSize,
			"trackingConcurrency":          in.TrackingConcurrency,
			"trackingLeaseSeconds":         in.TrackingLeaseSeconds,
			"rateLimitPerMinute":           in.RateLimitPerMinute,
			"carrierRateLimits":            opts.cfg.CarrierRateLimits(),
			"nextCheckInTransitMinSeconds": in.NextCheckInTransitMinSeconds,
			"nextCheckInTransitMaxSeconds": in.NextCheckInTransitMaxSeconds,
			"nextCheckUnknownSeconds":      in.NextCheckUnknownSeconds,
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.poller == nil {
			writeJSON(w, http.StatusOK, map[string]string{"error": "poller not wired"})
			return
		}
		opts.poller.Trigger()
		writeJSON(w, http.StatusOK, map[string]bool{"triggered": true})
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, opts.swaggerPath)
	})

	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(opts.swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	return r
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("worker swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("worker swagger file not found: %s", opts.swaggerPath)
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	srv := &http.Server{Handler: newWorkerRouter(opts), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	if err := srv.Serve(lis); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
