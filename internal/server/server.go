// Package server is the HTTP front of the SockJS server. It classifies
// raw request URLs into static endpoints, sessioned transport
// operations, or WebSocket upgrades, and is the single place where
// routing errors become wire responses.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"regexp"
	"runtime/debug"
	"strings"
	"time"

	"github.com/sockjet/sockjs-server/internal/httpx"
	"github.com/sockjet/sockjs-server/internal/metrics"
	"github.com/sockjet/sockjs-server/internal/ratelimit"
	"github.com/sockjet/sockjs-server/internal/router"
	"github.com/sockjet/sockjs-server/internal/session"
	"github.com/sockjet/sockjs-server/internal/transport"

	"github.com/google/uuid"
)

// URL shapes, matched in order: raw websocket, dynamic session, static.
var (
	rawRe     = regexp.MustCompile(`^/(?P<route>[^/]+)/websocket$`)
	dynamicRe = regexp.MustCompile(`^/(?P<route>[^/]+)/(?P<server_id>[^/.]+)/(?P<session_id>[^/.]+)/(?P<transport>[^/.]+)$`)
	staticRe  = regexp.MustCompile(`^/(?P<route>[^/]+)(?:/)?(?P<suffix>[^/]+)?$`)
)

// maxBodyBytes caps how much of a send body the server reads.
const maxBodyBytes = 1 << 20

// Config holds tunable parameters for the server.
type Config struct {
	ListenAddr  string        // address to listen on, e.g. ":8081"
	SessionTTL  time.Duration // idle lifetime of a session
	GCCycle     time.Duration // interval between pool sweeps
	PollTimeout time.Duration // dequeue budget of polling requests
	StreamLimit int           // byte cutoff of streaming responses
	ClientURL   string        // SockJS client script for the iframe
	Trace       bool          // return stack traces in 500 bodies
	MetricsPath string        // where to expose Prometheus metrics, "" to disable
}

// DefaultConfig returns a Config with the protocol's standard values.
func DefaultConfig() Config {
	opts := transport.DefaultOptions()
	return Config{
		ListenAddr:  ":8081",
		SessionTTL:  session.DefaultTTL,
		GCCycle:     session.DefaultGCCycle,
		PollTimeout: opts.PollTimeout,
		StreamLimit: opts.StreamLimit,
		ClientURL:   opts.ClientURL,
		MetricsPath: "/metrics",
	}
}

// Server ties the router, session pool and HTTP listener together.
type Server struct {
	config  Config
	router  *router.Router
	pool    *session.Pool
	limiter *ratelimit.Limiter

	httpServer *http.Server
}

// New creates a Server with the given configuration. limiter may be nil.
func New(config Config, limiter *ratelimit.Limiter) *Server {
	pool := session.NewPool(config.GCCycle, nil)

	opts := transport.Options{
		PollTimeout: config.PollTimeout,
		StreamLimit: config.StreamLimit,
		ClientURL:   config.ClientURL,
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = transport.DefaultOptions().PollTimeout
	}
	if opts.StreamLimit <= 0 {
		opts.StreamLimit = transport.DefaultOptions().StreamLimit
	}
	if opts.ClientURL == "" {
		opts.ClientURL = transport.DefaultOptions().ClientURL
	}

	rt := router.New(router.Config{
		Pool:    pool,
		Options: opts,
		NewSession: func(id, serverID string) *session.Session {
			return session.New(id, serverID, config.SessionTTL)
		},
	})

	return &Server{
		config:  config,
		router:  rt,
		pool:    pool,
		limiter: limiter,
	}
}

// Register adds an application under a route prefix.
func (s *Server) Register(route string, app *router.App) {
	s.router.Register(route, app)
}

// Router exposes the route registry.
func (s *Server) Router() *router.Router { return s.router }

// Pool exposes the session pool.
func (s *Server) Pool() *session.Pool { return s.pool }

// ListenAndServe starts the pool's garbage collector and blocks serving
// HTTP.
func (s *Server) ListenAndServe() error {
	s.pool.StartGC()

	mux := http.NewServeMux()
	if s.config.MetricsPath != "" {
		mux.Handle(s.config.MetricsPath, metrics.Handler())
	}
	mux.Handle("/", s)

	s.httpServer = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: mux,
	}

	log.Printf("sockjs: server listening on %s (ttl=%s, gc=%s)",
		s.config.ListenAddr, s.config.SessionTTL, s.config.GCCycle)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("sockjs: http server error: %w", err)
	}
	return nil
}

// Shutdown stops the listener and expires every pooled session so
// blocked readers unwind.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	s.pool.Shutdown()
	return err
}

// ServeHTTP classifies the URL and dispatches. It is the sole sink
// translating routing errors and panics into responses.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("sockjs: panic serving %s %s: %v", r.Method, r.URL.Path, rec)
			body := ""
			if s.config.Trace {
				body = fmt.Sprintf("%v\n\n%s", rec, debug.Stack())
			}
			s.do500(w, body)
		}
	}()

	path := r.URL.Path

	if m := rawRe.FindStringSubmatch(path); m != nil {
		s.serveRawWebSocket(w, r, m[1])
		return
	}

	if m := dynamicRe.FindStringSubmatch(path); m != nil {
		s.serveDynamic(w, r, m[1], m[2], m[3], m[4])
		return
	}

	if m := staticRe.FindStringSubmatch(path); m != nil {
		s.serveStatic(w, r, m[1], m[2])
		return
	}

	s.do404(w, "", false)
}

// serveStatic resolves and runs a static endpoint handler.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request, route, suffix string) {
	handler, err := s.router.RouteStatic(route, suffix)
	if err != nil {
		s.fail(w, err, false)
		return
	}
	if err := handler.Serve(w, r); err != nil {
		s.fail(w, err, false)
	}
}

// serveDynamic resolves a transport downlink and runs it.
func (s *Server) serveDynamic(w http.ResponseWriter, r *http.Request, route, serverID, sessionID, transportName string) {
	if transportName == "websocket" || transportName == "rawwebsocket" {
		if !s.checkUpgrade(w, r) {
			return
		}
	} else if !s.allowSession(w, r, sessionID) {
		return
	}

	metrics.TransportRequests.WithLabelValues(transportName).Inc()

	downlink, err := s.router.RouteDynamic(route, sessionID, serverID, transportName)
	if err != nil {
		s.fail(w, err, true)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.do500(w, "")
		return
	}

	if err := downlink.Serve(w, r, body); err != nil {
		s.fail(w, err, true)
	}
}

// serveRawWebSocket handles the framing-free /<route>/websocket
// endpoint with an ad-hoc single-use session.
func (s *Server) serveRawWebSocket(w http.ResponseWriter, r *http.Request, route string) {
	if !s.checkUpgrade(w, r) {
		return
	}

	metrics.TransportRequests.WithLabelValues("rawwebsocket").Inc()

	downlink, err := s.router.RouteDynamic(route, uuid.New().String(), "", "rawwebsocket")
	if err != nil {
		s.fail(w, err, false)
		return
	}

	if err := downlink.Serve(w, r, nil); err != nil {
		s.fail(w, err, false)
	}
}

// checkUpgrade polices the WebSocket handshake before the transport
// upgrades: wrong verb gets 405, a missing Upgrade header 400.
func (s *Server) checkUpgrade(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}

	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `Can "Upgrade" only to "WebSocket".`)
		return false
	}

	if !strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade") {
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `"Connection" must be "Upgrade".`)
		return false
	}

	return true
}

// allowSession applies the per-IP creation limit to requests that would
// mint a new session.
func (s *Server) allowSession(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if s.limiter == nil {
		return true
	}
	if s.pool.Lookup(sessionID) != nil {
		return true
	}

	ip := r.RemoteAddr
	if i := strings.LastIndex(ip, ":"); i >= 0 {
		ip = ip[:i]
	}
	if !s.limiter.Allow(r.Context(), ip, ratelimit.RuleSession) {
		log.Printf("sockjs: session creation rate limited for %s", ip)
		w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, "Too many requests.")
		return false
	}
	return true
}

// fail translates a handler error into a wire response.
func (s *Server) fail(w http.ResponseWriter, err error, cookie bool) {
	var herr *httpx.Error
	if !errors.As(err, &herr) {
		log.Printf("sockjs: unclassified error: %v", err)
		s.do500(w, "")
		return
	}

	switch herr.Status {
	case http.StatusNotFound:
		s.do404(w, herr.Message, cookie)
	case http.StatusMethodNotAllowed:
		w.Header().Set("Allow", herr.Message)
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		s.do500(w, herr.Message)
	}
}

func (s *Server) do404(w http.ResponseWriter, message string, cookie bool) {
	if message == "" {
		message = "404 Error: Page not found"
	}
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	if cookie {
		w.Header().Set("Set-Cookie", httpx.DefaultCookie)
	}
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprint(w, message)
}

// do500 writes an internal error. Callers pass the stack trace as the
// message only when trace mode permits returning it.
func (s *Server) do500(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusInternalServerError)

	if message == "" {
		message = "500: Internal Server Error"
	}
	fmt.Fprint(w, message)
}
