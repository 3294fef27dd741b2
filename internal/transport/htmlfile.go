package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/sockjet/sockjs-server/internal/httpx"
	"github.com/sockjet/sockjs-server/internal/protocol"
	"github.com/sockjet/sockjs-server/internal/session"
)

// htmlfileTemplate is the streaming document for IE iframes. The %s is
// the client's callback name; the document is padded to at least 1024 bytes so
// the browser starts interpreting it immediately.
const htmlfileTemplate = `<!doctype html>
<html><head>
  <meta http-equiv="X-UA-Compatible" content="IE=edge" />
  <meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
</head><body><h2>Don't panic!</h2>
  <script>
    document.domain = document.domain;
    var c = parent.%s;
    c.start();
    function p(d) {c.message(d);};
    window.onload = function() {c.stop();};
  </script>
</body></html>`

// htmlfile streams frames as script chunks into a hidden HTML document.
type htmlfile struct {
	sess *session.Session
	conn Connection
	opts Options
}

func newHTMLFile(sess *session.Session, conn Connection, opts Options) Transport {
	return &htmlfile{sess: sess, conn: conn, opts: opts}
}

func (t *htmlfile) Direction() Direction { return DirRecv }

func (t *htmlfile) Serve(w http.ResponseWriter, r *http.Request, body []byte) error {
	if r.Method != http.MethodGet {
		return httpx.MethodNotAllowed(http.MethodGet)
	}

	cb, err := jsonpCallback(r)
	if err != nil {
		return err
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return httpx.Internal("")
	}

	httpx.EnableNoCache(w)
	httpx.EnableCORS(w, r)
	httpx.EnableCookie(w, r)
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.WriteHeader(http.StatusOK)

	doc := fmt.Sprintf(htmlfileTemplate, cb)
	if pad := 1024 - len(doc); pad > 0 {
		doc += strings.Repeat(" ", pad)
	}
	doc += "\r\n\r\n"
	if _, werr := w.Write([]byte(doc)); werr != nil {
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
			quoted, _ := json.Marshal(strings.TrimSuffix(frame, "\n"))
			return fmt.Sprintf("<script>\np(%s);\n</script>\r\n", quoted)
		},
	}
	stream.run()
	return nil
}

// iframeTransport answers a sessioned iframe request with the static
// shell; the real iframe work happens client side.
type iframeTransport struct {
	sess *session.Session
	conn Connection
	opts Options
}

func newIFrame(sess *session.Session, conn Connection, opts Options) Transport {
	return &iframeTransport{sess: sess, conn: conn, opts: opts}
}

func (t *iframeTransport) Direction() Direction { return DirRecv }

func (t *iframeTransport) Serve(w http.ResponseWriter, r *http.Request, body []byte) error {
	if r.Method != http.MethodGet {
		return httpx.MethodNotAllowed(http.MethodGet)
	}
	t.sess.IncrHits()
	httpx.EnableCaching(w)
	w.Header().Set("ETag", protocol.IframeMD5)
	httpx.WriteHTML(w, protocol.IframeDocument(t.opts.ClientURL))
	return nil
}
