// Package router resolves classified requests to handlers: static
// endpoints (greeting, info, iframe) and dynamic transport downlinks
// bound to a session.
package router

import (
	"log"
	"regexp"

	"github.com/sockjet/sockjs-server/internal/httpx"
	"github.com/sockjet/sockjs-server/internal/session"
	"github.com/sockjet/sockjs-server/internal/transport"
)

// App describes one registered SockJS endpoint: the route prefix it
// lives under, the transports it refuses, and the factory producing a
// Connection per session.
type App struct {
	// Name appears as "route" in the info response.
	Name string

	// DisallowedTransports lists transport names this app refuses.
	DisallowedTransports []string

	// NewConnection builds the application callback handler for a
	// session.
	NewConnection func(s *session.Session) transport.Connection
}

// TransportAllowed reports whether the app accepts the named transport.
func (a *App) TransportAllowed(name string) bool {
	for _, t := range a.DisallowedTransports {
		if t == name {
			return false
		}
	}
	return true
}

// iframeRe matches the iframe static suffix (iframe.html,
// iframe-1.0.min.html, ...).
var iframeRe = regexp.MustCompile(`^iframe[0-9-.a-z_]*\.html$`)

// Router maps route prefixes to apps and builds downlinks.
type Router struct {
	routes     map[string]*App
	pool       *session.Pool
	opts       transport.Options
	newSession func(id, serverID string) *session.Session
}

// Config carries the router's construction parameters.
type Config struct {
	Pool       *session.Pool
	Options    transport.Options
	NewSession func(id, serverID string) *session.Session
}

// New builds a router over the given session pool. newSession, if nil,
// defaults to sessions with the package default TTL.
func New(cfg Config) *Router {
	if cfg.NewSession == nil {
		cfg.NewSession = func(id, serverID string) *session.Session {
			return session.New(id, serverID, 0)
		}
	}
	return &Router{
		routes:     make(map[string]*App),
		pool:       cfg.Pool,
		opts:       cfg.Options,
		newSession: cfg.NewSession,
	}
}

// Register adds an app under the given route prefix.
func (rt *Router) Register(route string, app *App) {
	rt.routes[route] = app
}

// Lookup returns the app for a route prefix.
func (rt *Router) Lookup(route string) *App {
	return rt.routes[route]
}

// Pool exposes the session pool.
func (rt *Router) Pool() *session.Pool { return rt.pool }

// RouteStatic resolves a static endpoint: no suffix is the greeting,
// "info" the capability document, iframe*.html the iframe shell.
func (rt *Router) RouteStatic(route, suffix string) (StaticHandler, error) {
	app := rt.routes[route]
	if app == nil {
		return nil, httpx.NotFound("")
	}

	switch {
	case suffix == "":
		return &Greeting{}, nil
	case suffix == "info":
		return &InfoHandler{app: app}, nil
	case iframeRe.MatchString(suffix):
		return &IFrameHandler{clientURL: rt.opts.ClientURL}, nil
	default:
		return nil, httpx.NotFound("")
	}
}

// RouteDynamic resolves a sessioned request to a transport downlink,
// creating the session when the transport direction permits it. When the
// session is new the application's OnOpen fires here, and OnClose is
// armed on the session's timeout event.
func (rt *Router) RouteDynamic(route, sessionID, serverID, transportName string) (transport.Transport, error) {
	app := rt.routes[route]
	if app == nil {
		return nil, httpx.Internal("")
	}

	entry, ok := transport.Lookup(transportName)
	if !ok || !app.TransportAllowed(transportName) {
		return nil, httpx.NotFound("")
	}

	sess := rt.pool.Lookup(sessionID)
	if sess == nil {
		if !entry.Direction.CreatesSession() {
			return nil, httpx.NotFound("")
		}
		sess = rt.newSession(sessionID, serverID)
		rt.pool.Add(sess)
	}

	conn := app.NewConnection(sess)
	if sess.FirstOpen() {
		conn.OnOpen(sess)
		go func() {
			<-sess.TimeoutNotify()
			defer func() {
				if rec := recover(); rec != nil {
					log.Printf("router: on_close panic recovered: %v", rec)
				}
			}()
			conn.OnClose()
		}()
	}

	return entry.New(sess, conn, rt.opts), nil
}
