package router

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sockjet/sockjs-server/internal/httpx"
	"github.com/sockjet/sockjs-server/internal/protocol"
	"github.com/sockjet/sockjs-server/internal/session"
	"github.com/sockjet/sockjs-server/internal/transport"
)

type recordingConn struct {
	opened   chan *session.Session
	closed   chan struct{}
	messages chan string
}

func newRecordingConn() *recordingConn {
	return &recordingConn{
		opened:   make(chan *session.Session, 1),
		closed:   make(chan struct{}, 1),
		messages: make(chan string, 16),
	}
}

func (c *recordingConn) OnOpen(s *session.Session) { c.opened <- s }
func (c *recordingConn) OnMessage(msg string)      { c.messages <- msg }
func (c *recordingConn) OnClose()                  { c.closed <- struct{}{} }
func (c *recordingConn) OnError(err error)         {}

func newTestRouter(conn transport.Connection) (*Router, *session.Pool) {
	pool := session.NewPool(time.Hour, nil)
	rt := New(Config{
		Pool:    pool,
		Options: transport.DefaultOptions(),
		NewSession: func(id, serverID string) *session.Session {
			return session.New(id, serverID, time.Hour)
		},
	})
	rt.Register("echo", &App{
		Name:          "EchoConnection",
		NewConnection: func(s *session.Session) transport.Connection { return conn },
	})
	rt.Register("nows", &App{
		Name:                 "EchoConnection",
		DisallowedTransports: []string{"websocket"},
		NewConnection:        func(s *session.Session) transport.Connection { return conn },
	})
	return rt, pool
}

func TestRouteStaticUnknownRoute(t *testing.T) {
	rt, _ := newTestRouter(newRecordingConn())

	_, err := rt.RouteStatic("nope", "")
	var herr *httpx.Error
	if !errors.As(err, &herr) || herr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 error, got %v", err)
	}
}

func TestRouteStaticTable(t *testing.T) {
	rt, _ := newTestRouter(newRecordingConn())

	if h, err := rt.RouteStatic("echo", ""); err != nil {
		t.Errorf("greeting: %v", err)
	} else if _, ok := h.(*Greeting); !ok {
		t.Errorf("expected Greeting, got %T", h)
	}

	if h, err := rt.RouteStatic("echo", "info"); err != nil {
		t.Errorf("info: %v", err)
	} else if _, ok := h.(*InfoHandler); !ok {
		t.Errorf("expected InfoHandler, got %T", h)
	}

	for _, name := range []string{"iframe.html", "iframe-1.0.min.html", "iframe-abc_d.html"} {
		if h, err := rt.RouteStatic("echo", name); err != nil {
			t.Errorf("%s: %v", name, err)
		} else if _, ok := h.(*IFrameHandler); !ok {
			t.Errorf("%s: expected IFrameHandler, got %T", name, h)
		}
	}

	if _, err := rt.RouteStatic("echo", "bogus"); err == nil {
		t.Error("unknown suffix should 404")
	}
}

func TestRouteDynamicCreatesForRecv(t *testing.T) {
	conn := newRecordingConn()
	rt, pool := newTestRouter(conn)

	dl, err := rt.RouteDynamic("echo", "s1", "srv", "xhr")
	if err != nil {
		t.Fatalf("RouteDynamic failed: %v", err)
	}
	if dl.Direction() != transport.DirRecv {
		t.Errorf("xhr should be recv, got %v", dl.Direction())
	}

	sess := pool.Lookup("s1")
	if sess == nil {
		t.Fatal("session should have been created")
	}

	select {
	case opened := <-conn.opened:
		if opened != sess {
			t.Error("OnOpen received a different session")
		}
	default:
		t.Fatal("OnOpen was not called for the new session")
	}
}

func TestRouteDynamicNoCreateForSend(t *testing.T) {
	rt, pool := newTestRouter(newRecordingConn())

	_, err := rt.RouteDynamic("echo", "absent", "srv", "xhr_send")
	var herr *httpx.Error
	if !errors.As(err, &herr) || herr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 for send on missing session, got %v", err)
	}
	if pool.Lookup("absent") != nil {
		t.Error("send direction must not create sessions")
	}
}

func TestRouteDynamicUnknownTransport(t *testing.T) {
	rt, _ := newTestRouter(newRecordingConn())

	if _, err := rt.RouteDynamic("echo", "s1", "srv", "teleport"); err == nil {
		t.Error("unknown transport should fail")
	}
}

func TestRouteDynamicDisallowedTransport(t *testing.T) {
	rt, _ := newTestRouter(newRecordingConn())

	_, err := rt.RouteDynamic("nows", "s1", "srv", "websocket")
	var herr *httpx.Error
	if !errors.As(err, &herr) || herr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 for disallowed transport, got %v", err)
	}
}

func TestRouteDynamicUnknownRoute(t *testing.T) {
	rt, _ := newTestRouter(newRecordingConn())

	_, err := rt.RouteDynamic("nope", "s1", "srv", "xhr")
	var herr *httpx.Error
	if !errors.As(err, &herr) || herr.Status != http.StatusInternalServerError {
		t.Fatalf("expected 500 for unknown route, got %v", err)
	}
}

func TestOnCloseFiresOnTimeout(t *testing.T) {
	conn := newRecordingConn()
	rt, pool := newTestRouter(conn)

	if _, err := rt.RouteDynamic("echo", "s1", "srv", "xhr"); err != nil {
		t.Fatalf("RouteDynamic failed: %v", err)
	}
	<-conn.opened

	pool.Lookup("s1").Kill()

	select {
	case <-conn.closed:
	case <-time.After(time.Second):
		t.Fatal("OnClose did not fire after the session died")
	}
}

func TestOnOpenOncePerSession(t *testing.T) {
	conn := newRecordingConn()
	rt, pool := newTestRouter(conn)

	if _, err := rt.RouteDynamic("echo", "s1", "srv", "xhr"); err != nil {
		t.Fatalf("first RouteDynamic failed: %v", err)
	}
	<-conn.opened
	pool.Lookup("s1").IncrHits()

	if _, err := rt.RouteDynamic("echo", "s1", "srv", "xhr"); err != nil {
		t.Fatalf("second RouteDynamic failed: %v", err)
	}
	select {
	case <-conn.opened:
		t.Error("OnOpen fired twice for one session")
	default:
	}
}

func TestGreeting(t *testing.T) {
	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/echo", nil)

	if err := (&Greeting{}).Serve(w, r); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if body := w.Body.String(); body != "Welcome to SockJS!\n" {
		t.Errorf("unexpected greeting body %q", body)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("unexpected content type %q", ct)
	}
}

func TestInfoHandler(t *testing.T) {
	rt, _ := newTestRouter(newRecordingConn())
	h, err := rt.RouteStatic("nows", "info")
	if err != nil {
		t.Fatalf("RouteStatic failed: %v", err)
	}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/nows/info", nil)
	if err := h.Serve(w, r); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	var info struct {
		CookieNeeded bool     `json:"cookie_needed"`
		WebSocket    bool     `json:"websocket"`
		Origins      []string `json:"origins"`
		Entropy      uint64   `json:"entropy"`
		Route        string   `json:"route"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("info is not JSON: %v", err)
	}

	if !info.CookieNeeded {
		t.Error("cookie_needed should be true")
	}
	if info.WebSocket {
		t.Error("websocket should be false for the nows route")
	}
	if len(info.Origins) != 1 || info.Origins[0] != "*:*" {
		t.Errorf("unexpected origins %v", info.Origins)
	}
	if info.Entropy < 1 || info.Entropy > 1<<32 {
		t.Errorf("entropy %d out of range", info.Entropy)
	}
	if info.Route != "EchoConnection" {
		t.Errorf("unexpected route name %q", info.Route)
	}
	if cc := w.Header().Get("Cache-Control"); !strings.Contains(cc, "no-cache") {
		t.Errorf("info should be uncacheable, got %q", cc)
	}
}

func TestInfoHandlerOptions(t *testing.T) {
	rt, _ := newTestRouter(newRecordingConn())
	h, _ := rt.RouteStatic("echo", "info")

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodOptions, "/echo/info", nil)
	if err := h.Serve(w, r); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Methods"); got != "OPTIONS, GET" {
		t.Errorf("unexpected allowed methods %q", got)
	}
}

func TestIFrameHandler(t *testing.T) {
	h := &IFrameHandler{clientURL: "http://cdn.example.com/sockjs.js"}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodGet, "/echo/iframe.html", nil)
	if err := h.Serve(w, r); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	if got := w.Header().Get("ETag"); got != protocol.IframeMD5 {
		t.Errorf("ETag %q does not match template digest %q", got, protocol.IframeMD5)
	}
	body, _ := io.ReadAll(w.Body)
	if !strings.Contains(string(body), "http://cdn.example.com/sockjs.js") {
		t.Error("client URL missing from iframe body")
	}

	// Conditional request returns 304 with an empty body.
	w = httptest.NewRecorder()
	r = httptest.NewRequest(http.MethodGet, "/echo/iframe.html", nil)
	r.Header.Set("If-None-Match", protocol.IframeMD5)
	if err := h.Serve(w, r); err != nil {
		t.Fatalf("conditional Serve failed: %v", err)
	}
	if w.Code != http.StatusNotModified {
		t.Errorf("expected 304, got %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("304 body should be empty, got %q", w.Body.String())
	}
}

func TestIFrameHandlerRejectsPost(t *testing.T) {
	h := &IFrameHandler{clientURL: "x"}

	w := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "/echo/iframe.html", nil)
	err := h.Serve(w, r)

	var herr *httpx.Error
	if !errors.As(err, &herr) || herr.Status != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %v", err)
	}
}
