// Package adminapi is the operator HTTP API of spoold. It lists and
// inspects spooled envelopes, requeues or deletes idle ones and injects
// new messages into the root processor.
package adminapi

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/spoold/logger"
	"github.com/migadu/spoold/pkg/metrics"
	"github.com/migadu/spoold/spool"
	"github.com/migadu/spoold/storage"
	"golang.org/x/crypto/bcrypt"
)

// ProcessorSet is the view of the configured processors the API needs.
type ProcessorSet interface {
	Names() []string
	Has(name string) bool
}

// Server represents the HTTP API server
type Server struct {
	addr          string
	apiKey        string
	apiKeyHash    string
	allowedHosts  []string
	queue         *spool.Queue
	bodies        storage.BodyStore
	processors    ProcessorSet
	rootProcessor string
	maxInject     int64
	server        *http.Server
	tls           bool
	tlsCertFile   string
	tlsKeyFile    string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr          string
	APIKey        string
	APIKeyHash    string // bcrypt hash of the key, takes precedence over APIKey
	AllowedHosts  []string
	RootProcessor string
	MaxInjectSize int64
	TLS           bool
	TLSCertFile   string
	TLSKeyFile    string
}

// New creates a new HTTP API server
func New(queue *spool.Queue, bodies storage.BodyStore, processors ProcessorSet, options ServerOptions) (*Server, error) {
	if options.APIKey == "" && options.APIKeyHash == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.APIKeyHash != "" {
		if _, err := bcrypt.Cost([]byte(options.APIKeyHash)); err != nil {
			return nil, fmt.Errorf("invalid API key hash: %w", err)
		}
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}
	if options.RootProcessor == "" {
		options.RootProcessor = "root"
	}
	if options.MaxInjectSize <= 0 {
		options.MaxInjectSize = 50 * 1024 * 1024
	}

	return &Server{
		addr:          options.Addr,
		apiKey:        options.APIKey,
		apiKeyHash:    options.APIKeyHash,
		allowedHosts:  options.AllowedHosts,
		queue:         queue,
		bodies:        bodies,
		processors:    processors,
		rootProcessor: options.RootProcessor,
		maxInject:     options.MaxInjectSize,
		tls:           options.TLS,
		tlsCertFile:   options.TLSCertFile,
		tlsKeyFile:    options.TLSKeyFile,
	}, nil
}

// Start runs the server until ctx is done. Failures are sent to errChan.
func (s *Server) Start(ctx context.Context, errChan chan<- error) {
	protocol := "HTTP"
	if s.tls {
		protocol = "HTTPS"
	}
	logger.Info("HTTP API: Starting server", "protocol", protocol, "addr", s.addr)
	if err := s.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP API: Error shutting down server", "error", err)
		}
	}()

	if s.tls {
		s.server.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			Renegotiation: tls.RenegotiateNever,
		}
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()

	router.Use(s.metricsMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/envelopes", s.handleListEnvelopes).Methods("GET")
	v1.HandleFunc("/envelopes", s.handleInjectMessage).Methods("POST")
	v1.HandleFunc("/envelopes/{id}", s.handleGetEnvelope).Methods("GET")
	v1.HandleFunc("/envelopes/{id}", s.handleDeleteEnvelope).Methods("DELETE")
	v1.HandleFunc("/envelopes/{id}/body", s.handleGetBody).Methods("GET")
	v1.HandleFunc("/envelopes/{id}/requeue", s.handleRequeueEnvelope).Methods("POST")

	v1.HandleFunc("/processors", s.handleListProcessors).Methods("GET")
	v1.HandleFunc("/health", s.handleHealth).Methods("GET")

	return router
}

// Middleware functions

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unknown"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		logger.Debug("HTTP API: Request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: Request completed", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)
		ip := net.ParseIP(clientIP)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") && ip != nil {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil && cidr.Contains(ip) {
					allowed = true
					break
				}
			}
		}

		if !allowed {
			logger.Warn("HTTP API: Request from host not allowed", "remote", clientIP, "path", r.URL.Path)
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if !s.validKey(parts[1]) {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) validKey(token string) bool {
	if s.apiKeyHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(s.apiKeyHash), []byte(token)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) == 1
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: Error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
