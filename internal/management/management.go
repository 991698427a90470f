// Package management provides a lightweight HTTP API for runtime inspection
// of the running proxy.
//
// Endpoints:
//
//	GET /status   - proxy health and uptime
//	GET /ca.pem   - the proxy's CA certificate, for clients to install as trusted
//	GET /metrics  - Prometheus-format counters (see internal/telemetry)
package management

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mitmproxy/internal/config"
	"mitmproxy/internal/telemetry"
)

// CAPEMProvider supplies the CA certificate served at /ca.pem. It is
// satisfied by *tlsstore.Store; declared here rather than imported directly
// so management has no dependency on how the certificate was produced.
type CAPEMProvider interface {
	CAPEM() []byte
}

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	ca        CAPEMProvider
	tel       *telemetry.Telemetry
	token     string // bearer token for auth; empty = no auth
}

// New creates a management server. ca and tel may both be nil: /ca.pem and
// /metrics then report 503 rather than panicking.
func New(cfg *config.Config, ca CAPEMProvider, tel *telemetry.Telemetry) *Server {
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		ca:        ca,
		tel:       tel,
		token:     cfg.ManagementToken,
	}
	if s.token != "" {
		log.Printf("[MANAGEMENT] Bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/ca.pem", s.handleCAPEM)
	if s.tel != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.tel.Registry, promhttp.HandlerOpts{}))
	} else {
		mux.HandleFunc("/metrics", s.handleMetricsUnavailable)
	}
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			log.Printf("[MANAGEMENT] Unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	type response struct {
		Status    string `json:"status"`
		Uptime    string `json:"uptime"`
		ProxyPort int    `json:"proxyPort"`
	}

	resp := response{
		Status:    "running",
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		ProxyPort: s.cfg.ProxyPort,
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCAPEM(w http.ResponseWriter, _ *http.Request) {
	if s.ca == nil {
		http.Error(w, "no CA configured", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.ca.CAPEM())
}

func (s *Server) handleMetricsUnavailable(w http.ResponseWriter, _ *http.Request) {
	http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[MANAGEMENT] JSON encode error: %v", err)
	}
}

// ListenAndServe starts the management HTTP server.
func (s *Server) ListenAndServe() error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.ManagementPort)
	log.Printf("[MANAGEMENT] Listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
