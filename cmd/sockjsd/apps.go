package main

import (
	"log"
	"sync"

	"github.com/sockjet/sockjs-server/internal/messaging"
	"github.com/sockjet/sockjs-server/internal/session"
)

// echoConn sends every received message straight back on its session.
type echoConn struct {
	sess *session.Session
}

func (c *echoConn) OnOpen(s *session.Session) {}

func (c *echoConn) OnMessage(msg string) {
	c.sess.Send(msg)
}

func (c *echoConn) OnClose() {}

func (c *echoConn) OnError(err error) {
	log.Printf("echo: %v", err)
}

// closeConn refuses the session as soon as it opens.
type closeConn struct{}

func (c *closeConn) OnOpen(s *session.Session) {
	s.Interrupt()
}

func (c *closeConn) OnMessage(msg string) {}
func (c *closeConn) OnClose()             {}
func (c *closeConn) OnError(err error)    {}

// broadcastHub fans a published message out to every open session on
// the broadcast route. With a NATS client the fan-out crosses server
// instances; sessions themselves never leave their instance.
type broadcastHub struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	nats     *messaging.Client
}

func newBroadcastHub(natsClient *messaging.Client) *broadcastHub {
	h := &broadcastHub{
		sessions: make(map[string]*session.Session),
		nats:     natsClient,
	}

	if natsClient != nil {
		if err := natsClient.SubscribeBroadcast("broadcast", h.fanout); err != nil {
			log.Printf("broadcast: subscribe failed, falling back to local fan-out: %v", err)
			h.nats = nil
		}
	}
	return h
}

func (h *broadcastHub) join(s *session.Session) {
	h.mu.Lock()
	h.sessions[s.ID()] = s
	h.mu.Unlock()
}

func (h *broadcastHub) leave(s *session.Session) {
	h.mu.Lock()
	delete(h.sessions, s.ID())
	h.mu.Unlock()
}

// publish distributes one message, through NATS when available.
func (h *broadcastHub) publish(msg string) {
	if h.nats != nil {
		if err := h.nats.Broadcast("broadcast", []byte(msg)); err != nil {
			log.Printf("broadcast: publish failed, delivering locally: %v", err)
			h.fanout([]byte(msg))
		}
		return
	}
	h.fanout([]byte(msg))
}

// fanout delivers a payload to every local session.
func (h *broadcastHub) fanout(data []byte) {
	h.mu.Lock()
	targets := make([]*session.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.Send(string(data))
	}
}

// broadcastConn relays messages through the hub.
type broadcastConn struct {
	sess *session.Session
	hub  *broadcastHub
}

func (c *broadcastConn) OnOpen(s *session.Session) {
	c.hub.join(s)
}

func (c *broadcastConn) OnMessage(msg string) {
	c.hub.publish(msg)
}

func (c *broadcastConn) OnClose() {
	c.hub.leave(c.sess)
}

func (c *broadcastConn) OnError(err error) {
	log.Printf("broadcast: %v", err)
}
