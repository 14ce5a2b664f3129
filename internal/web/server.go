// Package web is the operator HTTP surface: status, arming, live tuning, logs
// and the telemetry websocket.
package web

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"balancebot/internal/telemetry"
)

// Controller arms and disarms the balancing loop.
type Controller interface {
	Arm()
	Disarm()
}

type Options struct {
	Status  *Status
	Control Controller
	Tuning  TuningStore
	Logs    *LogBuffer
	Hub     *telemetry.Hub
}

func Handler(o Options) http.Handler {
	mux := http.NewServeMux()
	status := o.Status
	if status == nil {
		status = NewStatus(nil, nil)
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, status.Snapshot(time.Now().UTC()))
	})

	action := func(name string, fn func()) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				w.Header().Set("Allow", http.MethodPost)
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			if o.Control == nil {
				http.Error(w, "control unavailable", http.StatusNotFound)
				return
			}
			fn()
			log.Printf("web %s requested remote=%s", name, r.RemoteAddr)
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{\"ok\":true}\n"))
		}
	}
	mux.HandleFunc("/api/arm", action("arm", func() { o.Control.Arm() }))
	mux.HandleFunc("/api/disarm", action("disarm", func() { o.Control.Disarm() }))

	mux.Handle("/api/tuning", o.Tuning.Handler())

	if o.Logs != nil {
		mux.Handle("/api/logs", o.Logs.Handler())
	}
	mux.Handle("/api/about", AboutHandler())

	if o.Hub != nil {
		mux.Handle("/ws/telemetry", telemetry.Handler(o.Hub))
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		snap := status.Snapshot(time.Now().UTC())
		mode := "unknown"
		if snap.State != nil {
			mode = snap.State.Mode.String()
		}
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>balancebot</title></head><body>")
		_, _ = fmt.Fprintf(w, "<h1>balancebot</h1>")
		_, _ = fmt.Fprintf(w, "<pre>run=%s\nmode=%s\nloop_hz=%.1f\nuptime_sec=%d</pre>", snap.Mode, mode, snap.LoopHz, snap.UptimeSec)
		_, _ = fmt.Fprintf(w, "<p><a href=\"/api/status\">status</a> | <a href=\"/api/tuning\">tuning</a> | <a href=\"/api/logs?format=text\">logs</a></p>")
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return mux
}

// Serve runs the HTTP server until ctx is done, then shuts it down gracefully.
func Serve(ctx context.Context, listenAddr string, o Options) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}
	return serve(ctx, ln, o)
}

func serve(ctx context.Context, ln net.Listener, o Options) error {
	// No WriteTimeout: the telemetry websocket is long-lived.
	srv := &http.Server{
		Handler:           Handler(o),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}
	log.Printf("web listening addr=%s", ln.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
