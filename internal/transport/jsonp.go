package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/sockjet/sockjs-server/internal/httpx"
	"github.com/sockjet/sockjs-server/internal/metrics"
	"github.com/sockjet/sockjs-server/internal/protocol"
	"github.com/sockjet/sockjs-server/internal/session"
)

// callbackRe restricts JSONP callback names to identifier characters.
var callbackRe = regexp.MustCompile(`^[a-zA-Z0-9_.]+$`)

// jsonpCallback extracts and validates the c query parameter.
func jsonpCallback(r *http.Request) (string, error) {
	cb := r.URL.Query().Get("c")
	if cb == "" || !callbackRe.MatchString(cb) {
		return "", httpx.Internal(`"callback" parameter required`)
	}
	return cb, nil
}

// jsonpFrame wraps a frame (without trailing newline) in a callback
// invocation: the frame travels as a JSON string literal.
func jsonpFrame(cb, frame string) string {
	quoted, _ := json.Marshal(frame)
	return fmt.Sprintf("%s(%s);\r\n", cb, quoted)
}

// jsonpPolling is XHR polling for browsers restricted to script tags.
type jsonpPolling struct {
	sess *session.Session
	conn Connection
	opts Options
}

func newJSONPPolling(sess *session.Session, conn Connection, opts Options) Transport {
	return &jsonpPolling{sess: sess, conn: conn, opts: opts}
}

func (t *jsonpPolling) Direction() Direction { return DirRecv }

func (t *jsonpPolling) Serve(w http.ResponseWriter, r *http.Request, body []byte) error {
	cb, err := jsonpCallback(r)
	if err != nil {
		return err
	}

	isNew := t.sess.IsNew()
	t.sess.IncrHits()

	httpx.EnableNoCache(w)
	httpx.EnableCORS(w, r)
	httpx.EnableCookie(w, r)

	if isNew {
		httpx.WriteJS(w, fmt.Sprintf("%s(\"o\");\r\n", cb))
		return nil
	}

	if t.sess.Expired() {
		httpx.WriteJS(w, jsonpFrame(cb, protocol.CloseFrame(protocol.CodeGoAway, "Go away!", false)))
		return nil
	}

	if !t.sess.TryLock() {
		httpx.WriteJS(w, jsonpFrame(cb, protocol.CloseFrame(protocol.CodeAnotherConnection, "Another connection still open", false)))
		return nil
	}
	defer t.sess.Unlock()

	start := time.Now()
	msgs, gerr := t.sess.GetMessages(t.opts.PollTimeout)
	metrics.PollDuration.Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(gerr, session.ErrClosed):
		httpx.WriteJS(w, jsonpFrame(cb, protocol.CloseFrame(protocol.CodeGoAway, "Go away!", false)))
	case errors.Is(gerr, session.ErrTimeout):
		httpx.WriteJS(w, jsonpFrame(cb, protocol.MessageFrame("[]")))
	default:
		metrics.MessagesTotal.WithLabelValues("out").Add(float64(len(msgs)))
		httpx.WriteJS(w, jsonpFrame(cb, protocol.MessageFrame(protocol.EncodeBatch(msgs))))
	}
	return nil
}

// jsonpSend accepts messages either as a urlencoded d= form field or as
// a raw JSON body.
type jsonpSend struct {
	sess *session.Session
	conn Connection
	opts Options
}

func newJSONPSend(sess *session.Session, conn Connection, opts Options) Transport {
	return &jsonpSend{sess: sess, conn: conn, opts: opts}
}

func (t *jsonpSend) Direction() Direction { return DirSend }

func (t *jsonpSend) Serve(w http.ResponseWriter, r *http.Request, body []byte) error {
	if r.Method == http.MethodOptions {
		httpx.WriteOptions(w, r, "OPTIONS", "POST")
		return nil
	}

	payload := string(body)
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(payload)
		if err != nil {
			return httpx.Internal("Broken JSON encoding.")
		}
		payload = form.Get("d")
	}

	if payload == "" {
		return httpx.Internal("Payload expected.")
	}

	msgs, err := protocol.Decode([]byte(payload))
	if err != nil {
		return httpx.Internal("Broken JSON encoding.")
	}

	t.sess.IncrHits()
	deliver(t.conn, msgs)

	httpx.EnableCookie(w, r)
	httpx.WriteText(w, "ok")
	return nil
}
