package router

import (
	"encoding/json"
	"net/http"

	"github.com/sockjet/sockjs-server/internal/httpx"
	"github.com/sockjet/sockjs-server/internal/protocol"
)

// StaticHandler serves one of the fixed endpoints under a route prefix.
type StaticHandler interface {
	Serve(w http.ResponseWriter, r *http.Request) error
}

// Greeting answers the bare route URL.
type Greeting struct{}

func (g *Greeting) Serve(w http.ResponseWriter, r *http.Request) error {
	httpx.WriteText(w, "Welcome to SockJS!\n")
	return nil
}

// InfoHandler reports the endpoint's capabilities to the client.
type InfoHandler struct {
	app *App
}

func (h *InfoHandler) Serve(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet:
		httpx.EnableNoCache(w)
		httpx.EnableCORS(w, r)

		info := struct {
			CookieNeeded bool     `json:"cookie_needed"`
			WebSocket    bool     `json:"websocket"`
			Origins      []string `json:"origins"`
			Entropy      uint64   `json:"entropy"`
			Route        string   `json:"route"`
		}{
			CookieNeeded: true,
			WebSocket:    h.app.TransportAllowed("websocket"),
			Origins:      []string{"*:*"},
			Entropy:      protocol.Entropy(),
			Route:        h.app.Name,
		}

		body, err := json.Marshal(info)
		if err != nil {
			return httpx.Internal("")
		}
		httpx.WriteJSON(w, string(body))
		return nil

	case http.MethodOptions:
		httpx.WriteOptions(w, r, "OPTIONS", "GET")
		return nil

	default:
		return httpx.MethodNotAllowed(http.MethodOptions, http.MethodGet)
	}
}

// IFrameHandler serves the cacheable iframe shell.
type IFrameHandler struct {
	clientURL string
}

func (h *IFrameHandler) Serve(w http.ResponseWriter, r *http.Request) error {
	if r.Method != http.MethodGet {
		return httpx.MethodNotAllowed(http.MethodGet)
	}

	if r.Header.Get("If-None-Match") != "" {
		httpx.EnableCaching(w)
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	httpx.EnableCaching(w)
	w.Header().Set("ETag", protocol.IframeMD5)
	httpx.WriteHTML(w, protocol.IframeDocument(h.clientURL))
	return nil
}
