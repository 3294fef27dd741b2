// Package httpx carries the HTTP response policy shared by every SockJS
// endpoint: CORS, cookie, caching and no-cache header sets, the OPTIONS
// preflight response, and the error taxonomy the front handler
// translates to wire responses.
package httpx

import (
	"fmt"
	"net/http"
	"strings"
	"time"
)

// DefaultCookie is echoed to clients that present no cookie of their own.
const DefaultCookie = "JSESSIONID=dummy; Path=/"

const yearSeconds = 365 * 24 * 60 * 60

// Error is an HTTP-visible failure. Transports and the router raise it;
// the front handler is the sole sink that turns it into a response.
type Error struct {
	Status  int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

// NotFound builds a 404 error. An empty message selects the default body.
func NotFound(message string) *Error {
	if message == "" {
		message = "404 Error: Page not found"
	}
	return &Error{Status: http.StatusNotFound, Message: message}
}

// MethodNotAllowed builds a 405 error listing the permitted verbs.
func MethodNotAllowed(allowed ...string) *Error {
	return &Error{Status: http.StatusMethodNotAllowed, Message: strings.Join(allowed, ", ")}
}

// Internal builds a 500 error with the given body.
func Internal(message string) *Error {
	if message == "" {
		message = "500: Internal Server Error"
	}
	return &Error{Status: http.StatusInternalServerError, Message: message}
}

// EnableCORS reflects the request origin (or *) and allows credentials.
func EnableCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = "*"
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Credentials", "true")
}

// EnableCookie echoes the client's JSESSIONID cookie back with Path=/,
// or sets the dummy JSESSIONID when the request carries none. Other
// cookies in the request are not echoed.
func EnableCookie(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie("JSESSIONID"); err == nil {
		w.Header().Set("Set-Cookie", fmt.Sprintf("JSESSIONID=%s; Path=/", c.Value))
		return
	}
	w.Header().Set("Set-Cookie", DefaultCookie)
}

// EnableCaching marks the response cacheable for one year.
func EnableCaching(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", fmt.Sprintf("max-age=%d, public", yearSeconds))
	w.Header().Set("Expires", time.Now().AddDate(1, 0, 0).UTC().Format(http.TimeFormat))
	w.Header().Set("Access-Control-Max-Age", fmt.Sprintf("%d", yearSeconds))
}

// EnableNoCache forbids any caching of the response.
func EnableNoCache(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, max-age=0")
}

// WriteOptions answers an OPTIONS preflight: 204 with the allowed
// methods, long-lived caching, cookie and CORS headers.
func WriteOptions(w http.ResponseWriter, r *http.Request, methods ...string) {
	w.Header().Set("Access-Control-Allow-Methods", strings.Join(methods, ", "))
	EnableCaching(w)
	EnableCookie(w, r)
	EnableCORS(w, r)
	w.WriteHeader(http.StatusNoContent)
}

// WriteText sends a 200 text/plain body.
func WriteText(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, body)
}

// WriteJS sends a 200 application/javascript body.
func WriteJS(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/javascript; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, body)
}

// WriteJSON sends a 200 application/json body.
func WriteJSON(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, body)
}

// WriteHTML sends a 200 text/html body.
func WriteHTML(w http.ResponseWriter, body string) {
	w.Header().Set("Content-Type", "text/html; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, body)
}

// WriteNothing sends a 204 with a text/plain content type.
func WriteNothing(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(http.StatusNoContent)
}
