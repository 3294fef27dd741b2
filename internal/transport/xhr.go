package transport

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sockjet/sockjs-server/internal/httpx"
	"github.com/sockjet/sockjs-server/internal/metrics"
	"github.com/sockjet/sockjs-server/internal/protocol"
	"github.com/sockjet/sockjs-server/internal/session"
)

// xhrPolling answers one frame per request: OPEN for a new session, then
// one MESSAGE batch (or an empty one) per poll.
type xhrPolling struct {
	sess *session.Session
	conn Connection
	opts Options
}

func newXHRPolling(sess *session.Session, conn Connection, opts Options) Transport {
	return &xhrPolling{sess: sess, conn: conn, opts: opts}
}

func (t *xhrPolling) Direction() Direction { return DirRecv }

func (t *xhrPolling) Serve(w http.ResponseWriter, r *http.Request, body []byte) error {
	if r.Method == http.MethodOptions {
		httpx.WriteOptions(w, r, "OPTIONS", "POST")
		return nil
	}

	isNew := t.sess.IsNew()
	t.sess.IncrHits()

	httpx.EnableCORS(w, r)
	httpx.EnableCookie(w, r)

	if isNew {
		httpx.WriteJS(w, protocol.OpenFrame)
		return nil
	}

	if t.sess.Expired() {
		httpx.WriteJS(w, protocol.CloseFrame(protocol.CodeGoAway, "Go away!", true))
		return nil
	}

	if !t.sess.TryLock() {
		httpx.WriteJS(w, protocol.CloseFrame(protocol.CodeAnotherConnection, "Another connection still open", true))
		return nil
	}
	defer t.sess.Unlock()

	start := time.Now()
	msgs, err := t.sess.GetMessages(t.opts.PollTimeout)
	metrics.PollDuration.Observe(time.Since(start).Seconds())

	w.Header().Set("Connection", "close")
	switch {
	case errors.Is(err, session.ErrClosed):
		httpx.WriteJS(w, protocol.CloseFrame(protocol.CodeGoAway, "Go away!", true))
	case errors.Is(err, session.ErrTimeout):
		httpx.WriteJS(w, protocol.MessageFrame("[]")+"\n")
	default:
		metrics.MessagesTotal.WithLabelValues("out").Add(float64(len(msgs)))
		httpx.WriteJS(w, protocol.MessageFrame(protocol.EncodeBatch(msgs))+"\n")
	}
	return nil
}

// xhrSend pushes a JSON array of messages into the application.
type xhrSend struct {
	sess *session.Session
	conn Connection
	opts Options
}

func newXHRSend(sess *session.Session, conn Connection, opts Options) Transport {
	return &xhrSend{sess: sess, conn: conn, opts: opts}
}

func (t *xhrSend) Direction() Direction { return DirSend }

func (t *xhrSend) Serve(w http.ResponseWriter, r *http.Request, body []byte) error {
	if r.Method == http.MethodOptions {
		httpx.WriteOptions(w, r, "OPTIONS", "POST")
		return nil
	}

	if len(body) == 0 {
		return httpx.Internal("Payload expected.")
	}

	msgs, err := protocol.Decode(body)
	if err != nil {
		return httpx.Internal("Broken JSON encoding.")
	}

	t.sess.IncrHits()
	deliver(t.conn, msgs)

	httpx.EnableCORS(w, r)
	httpx.EnableCookie(w, r)
	httpx.WriteNothing(w)
	return nil
}

// xhrStreaming holds the response open, pushing a prelude, the OPEN
// frame, and then MESSAGE chunks until the byte cutoff forces a
// reconnect.
type xhrStreaming struct {
	sess *session.Session
	conn Connection
	opts Options
}

func newXHRStreaming(sess *session.Session, conn Connection, opts Options) Transport {
	return &xhrStreaming{sess: sess, conn: conn, opts: opts}
}

func (t *xhrStreaming) Direction() Direction { return DirRecv }

func (t *xhrStreaming) Serve(w http.ResponseWriter, r *http.Request, body []byte) error {
	if r.Method == http.MethodOptions {
		httpx.WriteOptions(w, r, "OPTIONS", "POST")
		return nil
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return httpx.Internal("")
	}

	httpx.EnableCORS(w, r)
	httpx.EnableCookie(w, r)
	w.Header().Set("Content-Type", "application/javascript; charset=UTF-8")
	w.WriteHeader(http.StatusOK)

	// 2048 'h' characters wake up buffering proxies.
	prelude := strings.Repeat("h", 2048) + "\n"
	if _, err := w.Write([]byte(prelude)); err != nil {
		t.sess.MarkNetworkError()
		return nil
	}
	flusher.Flush()

	stream := streamer{
		sess:    t.sess,
		opts:    t.opts,
		w:       w,
		flusher: flusher,
		frame: func(frame string) string {
			return frame
		},
	}
	stream.run()
	return nil
}

// streamer is the shared poll loop of the streaming transports. Each
// transport supplies its frame wrapper; the loop handles gating, the
// heartbeat on dequeue timeout, byte accounting, and the cutoff.
type streamer struct {
	sess    *session.Session
	opts    Options
	w       http.ResponseWriter
	flusher http.Flusher
	frame   func(frame string) string
}

// run performs the open/expired/locked gating and then streams frames
// until cutoff, session death, or a socket error.
func (s *streamer) run() {
	isNew := s.sess.IsNew()
	s.sess.IncrHits()

	if s.sess.Expired() {
		s.emit(protocol.CloseFrame(protocol.CodeGoAway, "Go away!", true))
		return
	}

	if !s.sess.TryLock() {
		s.emit(protocol.CloseFrame(protocol.CodeAnotherConnection, "Another connection still open", true))
		return
	}
	defer s.sess.Unlock()

	written := 0
	if isNew {
		n, err := s.emit(protocol.OpenFrame)
		if err != nil {
			s.sess.MarkNetworkError()
			return
		}
		written += n
	}

	for written < s.opts.StreamLimit {
		msgs, err := s.sess.GetMessages(s.opts.PollTimeout)

		var frame string
		switch {
		case errors.Is(err, session.ErrClosed):
			s.emit(protocol.CloseFrame(protocol.CodeGoAway, "Go away!", true))
			return
		case errors.Is(err, session.ErrTimeout):
			s.sess.Heartbeat()
			frame = protocol.HeartbeatFrame
		default:
			metrics.MessagesTotal.WithLabelValues("out").Add(float64(len(msgs)))
			frame = protocol.MessageFrame(protocol.EncodeBatch(msgs)) + "\n"
		}

		n, err := s.emit(frame)
		if err != nil {
			s.sess.MarkNetworkError()
			return
		}
		written += n
	}
}

// emit writes one wrapped frame chunk and flushes it.
func (s *streamer) emit(frame string) (int, error) {
	n, err := s.w.Write([]byte(s.frame(frame)))
	if err != nil {
		return n, err
	}
	s.flusher.Flush()
	return n, nil
}
