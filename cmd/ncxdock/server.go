package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/sugawarayuuta/sonnet"

	"github.com/newtonresearch/newton-connection/dock"
)

// Status is the body of GET /status.
type Status struct {
	State     string     `json:"state"`
	Transport string     `json:"transport,omitempty"`
	Error     string     `json:"error,omitempty"`
	Uptime    float64    `json:"uptime_seconds"`
	Events    dock.Stats `json:"events"`
}

// newStatusRouter serves /status from status and /metrics from gatherer.
func newStatusRouter(status func() Status, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		body, err := sonnet.Marshal(status())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return r
}

// serveStatus runs h on addr until ctx ends. It returns the bound address.
func serveStatus(ctx context.Context, addr string, h http.Handler) (net.Addr, error) {
	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	server := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithFields(logrus.Fields{
				"function": "serveStatus",
				"error":    err.Error(),
			}).Error("Status server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	logrus.WithFields(logrus.Fields{
		"function": "serveStatus",
		"addr":     listener.Addr().String(),
	}).Info("Status server listening")

	return listener.Addr(), nil
}
