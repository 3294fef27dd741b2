package transport

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/sockjet/sockjs-server/internal/httpx"
	"github.com/sockjet/sockjs-server/internal/session"
)

// eventSource streams frames as Server-Sent Events. Each frame travels
// as one data: line; the gating and cutoff follow XHR streaming.
type eventSource struct {
	sess *session.Session
	conn Connection
	opts Options
}

func newEventSource(sess *session.Session, conn Connection, opts Options) Transport {
	return &eventSource{sess: sess, conn: conn, opts: opts}
}

func (t *eventSource) Direction() Direction { return DirRecv }

func (t *eventSource) Serve(w http.ResponseWriter, r *http.Request, body []byte) error {
	if r.Method != http.MethodGet {
		return httpx.MethodNotAllowed(http.MethodGet)
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return httpx.Internal("")
	}

	httpx.EnableNoCache(w)
	httpx.EnableCookie(w, r)
	w.Header().Set("Content-Type", "text/event-stream; charset=UTF-8")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("\r\n")); err != nil {
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
			return fmt.Sprintf("data: %s\r\n\r\n", strings.TrimSuffix(frame, "\n"))
		},
	}
	stream.run()
	return nil
}
