package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sockjet/sockjs-server/internal/messaging"
	"github.com/sockjet/sockjs-server/internal/ratelimit"
	"github.com/sockjet/sockjs-server/internal/router"
	"github.com/sockjet/sockjs-server/internal/server"
	"github.com/sockjet/sockjs-server/internal/session"
	"github.com/sockjet/sockjs-server/internal/transport"
)

func main() {
	config := server.DefaultConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.SessionTTL = d
		}
	}
	if v := os.Getenv("GC_CYCLE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.GCCycle = d
		}
	}
	if v := os.Getenv("POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.PollTimeout = d
		}
	}
	if v := os.Getenv("STREAM_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.StreamLimit = n
		}
	}
	if v := os.Getenv("CLIENT_URL"); v != "" {
		config.ClientURL = v
	}
	if v := os.Getenv("TRACE"); v == "1" || v == "true" {
		config.Trace = true
	}

	// --- Redis (optional, enables per-IP session rate limiting) ---
	var limiter *ratelimit.Limiter
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect to Redis: %v", err)
		}
		cancel()
		limiter = ratelimit.NewLimiter(client)
		log.Printf("  rate_limiter: redis at %s", addr)
	}

	srv := server.New(config, limiter)

	// --- NATS (optional, relays /broadcast across instances) ---
	var natsClient *messaging.Client
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		natsConfig := messaging.DefaultConfig()
		natsConfig.URL = natsURL
		var err error
		natsClient, err = messaging.NewClient(natsConfig)
		if err != nil {
			log.Fatalf("failed to connect to NATS: %v", err)
		}
	}

	registerApps(srv, natsClient)

	// Handle shutdown signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("received %s, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if natsClient != nil {
			natsClient.Close()
		}
	}()

	if err := srv.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
	log.Printf("server stopped")
}

// registerApps wires the demo endpoints: an echo route, the same with
// websocket refused, a route that closes immediately, and a broadcast
// route fanning messages out to every local session (via NATS when
// configured, so multiple instances share the fan-out).
func registerApps(srv *server.Server, natsClient *messaging.Client) {
	srv.Register("echo", &router.App{
		Name: "EchoConnection",
		NewConnection: func(s *session.Session) transport.Connection {
			return &echoConn{sess: s}
		},
	})

	srv.Register("disabled_websocket_echo", &router.App{
		Name:                 "EchoConnection",
		DisallowedTransports: []string{"websocket"},
		NewConnection: func(s *session.Session) transport.Connection {
			return &echoConn{sess: s}
		},
	})

	srv.Register("close", &router.App{
		Name: "CloseConnection",
		NewConnection: func(s *session.Session) transport.Connection {
			return &closeConn{}
		},
	})

	hub := newBroadcastHub(natsClient)
	srv.Register("broadcast", &router.App{
		Name: "BroadcastConnection",
		NewConnection: func(s *session.Session) transport.Connection {
			return &broadcastConn{sess: s, hub: hub}
		},
	})
}
