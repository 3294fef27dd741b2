// Package protocol implements the SockJS wire framing: the four frame
// kinds (OPEN, HEARTBEAT, MESSAGE, CLOSE), JSON payload encoding and
// decoding, and the static iframe document served for cross-domain
// bootstrapping.
package protocol

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"unicode/utf8"
)

// Frame literals. MESSAGE and CLOSE are prefixes; the transport decides
// whether to append a trailing newline.
const (
	OpenFrame      = "o\n"
	HeartbeatFrame = "h\n"
	MessagePrefix  = "a"
	ClosePrefix    = "c"
)

// Close codes defined by the protocol.
const (
	CodeAnotherConnection = 2010
	CodeGoAway            = 3000
)

var (
	// ErrInvalidJSON is returned when an inbound payload fails to parse.
	ErrInvalidJSON = errors.New("protocol: broken JSON encoding")

	// ErrSerialization is returned when a payload cannot be encoded.
	ErrSerialization = errors.New("protocol: unable to serialize payload")
)

// Encode serializes a payload for the wire. A string is wrapped in a
// one-element JSON array; []string, []any and map[string]any values are
// marshaled compactly. Any other value fails with ErrSerialization.
func Encode(message any) (string, error) {
	switch m := message.(type) {
	case string:
		out, err := json.Marshal([1]string{m})
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return string(out), nil
	case []string, []any, map[string]any:
		out, err := json.Marshal(m)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return string(out), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrSerialization, message)
	}
}

// EncodeBatch serializes a batch of messages as a compact JSON array.
// An empty batch encodes as "[]".
func EncodeBatch(messages []string) string {
	if len(messages) == 0 {
		return "[]"
	}
	out, _ := json.Marshal(messages)
	return string(out)
}

// Decode parses an inbound payload into messages. The payload may be a
// JSON array of strings or a single JSON string; anything else fails
// with ErrInvalidJSON.
func Decode(data []byte) ([]string, error) {
	if !utf8.Valid(data) {
		return nil, ErrInvalidJSON
	}
	var messages []string
	if err := json.Unmarshal(data, &messages); err == nil {
		return messages, nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		return []string{single}, nil
	}
	return nil, ErrInvalidJSON
}

// MessageFrame wraps an already-encoded JSON array payload in a MESSAGE
// frame. The caller appends "\n" where the transport requires it.
func MessageFrame(payload string) string {
	return MessagePrefix + payload
}

// CloseFrame renders a CLOSE frame for the given code and reason.
func CloseFrame(code int, reason string, newline bool) string {
	frame := fmt.Sprintf("%s[%d,%q]", ClosePrefix, code, reason)
	if newline {
		frame += "\n"
	}
	return frame
}

// IframeHTML is the document served from /<route>/iframe*.html. The single
// %s is substituted with the SockJS client script URL.
const IframeHTML = `<!DOCTYPE html>
<html>
<head>
  <meta http-equiv="X-UA-Compatible" content="IE=edge" />
  <meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
  <script>
    document.domain = document.domain;
    _sockjs_onload = function(){SockJS.bootstrap_iframe();};
  </script>
  <script src="%s"></script>
</head>
<body>
  <h2>Don't panic!</h2>
  <p>This is a SockJS hidden iframe. It's used for cross domain magic.</p>
</body>
</html>`

// IframeMD5 is the MD5 of the iframe template, used as its ETag.
var IframeMD5 = func() string {
	sum := md5.Sum([]byte(IframeHTML))
	return hex.EncodeToString(sum[:])
}()

// IframeDocument renders the iframe shell for the given client URL.
func IframeDocument(clientURL string) string {
	return fmt.Sprintf(IframeHTML, clientURL)
}

// Entropy returns a random value in [1, 2^32] for the info endpoint.
func Entropy() uint64 {
	return uint64(rand.Uint32()) + 1
}
