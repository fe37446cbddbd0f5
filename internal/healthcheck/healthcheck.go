// Package healthcheck exposes a minimal liveness endpoint for long-running
// commands.
package healthcheck

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// NormalizeListen trims the configured listen address. A bare port like
// ":8080" is kept as-is; empty means the health server is disabled.
func NormalizeListen(raw string) string {
	return strings.TrimSpace(raw)
}

// StartServer serves GET /healthz on addr until Shutdown is called.
func StartServer(ctx context.Context, logger *slog.Logger, addr, component string) (*http.Server, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status":    "ok",
			"component": component,
		})
	})
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	// Resolves ":0" to the actual bound port.
	server.Addr = ln.Addr().String()
	go func() {
		if serveErr := server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			if logger != nil {
				logger.Warn("health_server_error", "addr", addr, "error", serveErr.Error())
			}
		}
	}()
	if logger != nil {
		logger.Info("health_server_listening", "addr", addr, "component", component)
	}
	return server, nil
}
