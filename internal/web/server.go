// Package web provides the admin HTTP server for the relay.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"geogate/internal/policy"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const (
	maxHeaderBytes    = 1 << 20 // 1MB
	readTimeout       = 15 * time.Second
	writeTimeout      = 15 * time.Second
	idleTimeout       = 60 * time.Second
	shutdownTimeout   = 30 * time.Second
	headerReadTimeout = 10 * time.Second
)

// CountryLookup resolves an address to an ISO country code, or "" when unknown.
type CountryLookup interface {
	Lookup(ip net.IP) string
}

// DatabaseInfo describes the loaded country database.
type DatabaseInfo interface {
	Enabled() bool
	Path() string
	DatabaseType() string
	BuildTime() time.Time
}

// Options wires the admin server to the running relay.
type Options struct {
	Address  string
	Lookup   CountryLookup
	Rules    policy.Rules
	Metrics  http.Handler
	Database DatabaseInfo
}

// Server is the admin web server: health, metrics and policy lookups.
type Server struct {
	mainServer *http.Server
	opts       Options
}

// LookupResponse is the JSON body returned by /lookup/{ip}.
type LookupResponse struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
	Action  string `json:"action"`
	Rule    string `json:"rule"`
}

// NewServer creates the admin server with its routes and timeouts.
func NewServer(opts Options) *Server {
	s := &Server{opts: opts}
	s.mainServer = createBaseServer(opts.Address, securityMiddleware(s.newRouter()))
	return s
}

// Name identifies the service in logs.
func (s *Server) Name() string { return "admin" }

// Handler returns the routed handler, including middleware.
func (s *Server) Handler() http.Handler { return s.mainServer.Handler }

func (s *Server) newRouter() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/lookup/{ip}", s.handleLookup).Methods(http.MethodGet)
	return r
}

// createBaseServer returns an http.Server with conservative default timeouts.
func createBaseServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
		ReadHeaderTimeout: headerReadTimeout,
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.mainServer.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Start on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting admin web server")

	errCh := make(chan error, 1)
	go func() { errCh <- s.mainServer.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the web server within the given context.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down admin web server")
	if err := s.mainServer.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Admin web server graceful shutdown failed")
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "ok", "geoip": "disabled"}
	if db := s.opts.Database; db != nil && db.Enabled() {
		resp["geoip"] = "enabled"
		resp["geoip_path"] = db.Path()
		resp["geoip_type"] = db.DatabaseType()
		resp["geoip_build_time"] = db.BuildTime().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["ip"]
	ip := net.ParseIP(raw)
	if ip == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid IP address: " + raw})
		return
	}

	var code string
	if s.opts.Lookup != nil {
		code = s.opts.Lookup.Lookup(ip)
	}
	d := policy.Evaluate(code, s.opts.Rules)
	writeJSON(w, http.StatusOK, LookupResponse{
		IP:      ip.String(),
		Country: code,
		Action:  string(d.Action),
		Rule:    d.Rule,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode admin response")
	}
}

// securityMiddleware adds the response headers every admin reply carries.
func securityMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
