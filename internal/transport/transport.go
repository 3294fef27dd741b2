// Package transport implements the per-transport SockJS state machines.
// Every transport consumes the same session queue; the differences are
// in framing, response shape, and how many workers a request needs.
package transport

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/sockjet/sockjs-server/internal/metrics"
	"github.com/sockjet/sockjs-server/internal/session"
)

// Connection is the application callback contract. The framework calls
// OnOpen once per session before any OnMessage, OnMessage never
// concurrently for the same session, and OnClose once.
type Connection interface {
	OnOpen(s *session.Session)
	OnMessage(msg string)
	OnClose()
	OnError(err error)
}

// Direction classifies which side of the session a transport drives.
type Direction int

const (
	// DirSend transports carry client messages to the application.
	DirSend Direction = iota
	// DirRecv transports deliver the session queue to the client.
	DirRecv
	// DirBi transports do both over one connection.
	DirBi
)

// CreatesSession reports whether a request on this direction may create
// the session it addresses.
func (d Direction) CreatesSession() bool {
	return d == DirRecv || d == DirBi
}

// Options carries the tunables shared by all transports.
type Options struct {
	// PollTimeout bounds how long a polling or streaming dequeue waits
	// for a message before answering empty or heartbeating.
	PollTimeout time.Duration

	// StreamLimit is the number of body bytes after which a streaming
	// response terminates, forcing the client to reconnect.
	StreamLimit int

	// ClientURL is the SockJS client script substituted into the iframe
	// document.
	ClientURL string
}

// DefaultOptions returns the protocol's standard tunables.
func DefaultOptions() Options {
	return Options{
		PollTimeout: 2 * time.Second,
		StreamLimit: 10240,
		ClientURL:   "https://cdn.jsdelivr.net/npm/sockjs-client@1/dist/sockjs.min.js",
	}
}

// Transport is the downlink produced by the router: it consummates one
// request against a session. Serve either completes the response or
// returns an error for the front handler to translate.
type Transport interface {
	Direction() Direction
	Serve(w http.ResponseWriter, r *http.Request, body []byte) error
}

// Factory builds a transport instance bound to a session and its
// application connection.
type Factory func(sess *session.Session, conn Connection, opts Options) Transport

// Entry pairs a transport's direction with its factory.
type Entry struct {
	Direction Direction
	New       Factory
}

// Table is the closed set of SockJS transports.
var Table = map[string]Entry{
	"websocket":    {DirBi, newWebSocket},
	"rawwebsocket": {DirBi, newRawWebSocket},

	"xhr":           {DirRecv, newXHRPolling},
	"xhr_send":      {DirSend, newXHRSend},
	"xhr_streaming": {DirRecv, newXHRStreaming},

	"jsonp":      {DirRecv, newJSONPPolling},
	"jsonp_send": {DirSend, newJSONPSend},

	"eventsource": {DirRecv, newEventSource},
	"htmlfile":    {DirRecv, newHTMLFile},
	"iframe":      {DirRecv, newIFrame},
}

// Lookup resolves a transport name against the table.
func Lookup(name string) (Entry, bool) {
	e, ok := Table[name]
	return e, ok
}

// deliver hands decoded messages to the application one at a time.
// A panicking callback is surfaced through OnError and never crashes
// the process.
func deliver(conn Connection, msgs []string) {
	defer func() {
		if rec := recover(); rec != nil {
			err, ok := rec.(error)
			if !ok {
				err = fmt.Errorf("transport: application callback panic: %v", rec)
			}
			log.Printf("transport: on_message panic recovered: %v", rec)
			conn.OnError(err)
		}
	}()

	for _, m := range msgs {
		conn.OnMessage(m)
		metrics.MessagesTotal.WithLabelValues("in").Inc()
	}
}
