package transport

import (
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"golang.org/x/sync/errgroup"

	"github.com/sockjet/sockjs-server/internal/metrics"
	"github.com/sockjet/sockjs-server/internal/protocol"
	"github.com/sockjet/sockjs-server/internal/session"
)

// wsConn wraps the upgraded connection with a write mutex so the poll
// worker and close paths never interleave frame bytes.
type wsConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

func (c *wsConn) writeText(data string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.conn, ws.OpText, []byte(data))
}

func (c *wsConn) close() error {
	return c.conn.Close()
}

// webSocket runs the SockJS framing over a real WebSocket: one poll
// worker draining the session queue, one put worker feeding inbound
// frames to the application.
type webSocket struct {
	sess *session.Session
	conn Connection
	opts Options
	raw  bool
}

func newWebSocket(sess *session.Session, conn Connection, opts Options) Transport {
	return &webSocket{sess: sess, conn: conn, opts: opts}
}

func newRawWebSocket(sess *session.Session, conn Connection, opts Options) Transport {
	return &webSocket{sess: sess, conn: conn, opts: opts, raw: true}
}

func (t *webSocket) Direction() Direction { return DirBi }

func (t *webSocket) Serve(w http.ResponseWriter, r *http.Request, body []byte) error {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("transport: websocket upgrade failed for %s: %v", t.sess.ID(), err)
		return nil
	}

	sock := &wsConn{conn: netConn}

	if !t.raw {
		if err := sock.writeText("o"); err != nil {
			sock.close()
			t.sess.MarkNetworkError()
			return nil
		}
	}

	if t.sess.Expired() {
		if !t.raw {
			sock.writeText(protocol.CloseFrame(protocol.CodeGoAway, "Go away!", false))
		}
		sock.close()
		return nil
	}

	if !t.sess.TryLock() {
		if !t.raw {
			sock.writeText(protocol.CloseFrame(protocol.CodeAnotherConnection, "Another connection still open", false))
		}
		sock.close()
		return nil
	}

	t.sess.IncrHits()

	var g errgroup.Group
	g.Go(func() error { return t.poll(sock) })
	g.Go(func() error { return t.put(sock) })
	g.Wait()

	sock.close()
	t.sess.Unlock()
	return nil
}

// poll drains the session queue onto the socket until the session dies.
func (t *webSocket) poll(sock *wsConn) error {
	for {
		msgs, err := t.sess.GetMessages(0)
		if err != nil {
			if !t.raw {
				sock.writeText(protocol.CloseFrame(protocol.CodeGoAway, "Go away!", false))
			}
			sock.close()
			return err
		}

		metrics.MessagesTotal.WithLabelValues("out").Add(float64(len(msgs)))

		if t.raw {
			for _, m := range msgs {
				if werr := sock.writeText(m); werr != nil {
					t.sess.MarkNetworkError()
					sock.close()
					return werr
				}
			}
			continue
		}

		frame := protocol.MessageFrame(protocol.EncodeBatch(msgs))
		if werr := sock.writeText(frame); werr != nil {
			t.sess.MarkNetworkError()
			sock.close()
			return werr
		}
	}
}

// put reads client frames and feeds them to the application. A JSON
// decode failure terminates the connection, as the protocol demands.
func (t *webSocket) put(sock *wsConn) error {
	for !t.sess.Expired() {
		data, err := wsutil.ReadClientText(sock.conn)
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("transport: websocket read failed for %s: %v", t.sess.ID(), err)
			}
			break
		}
		if len(data) == 0 {
			continue
		}

		if t.raw {
			deliver(t.conn, []string{string(data)})
			t.sess.IncrHits()
			continue
		}

		msgs, derr := protocol.Decode(data)
		if derr != nil {
			break
		}
		deliver(t.conn, msgs)
		t.sess.IncrHits()
	}

	// Peer is gone or misbehaved: tear the session down so the poll
	// worker unwinds.
	sock.close()
	t.sess.Interrupt()
	return nil
}
