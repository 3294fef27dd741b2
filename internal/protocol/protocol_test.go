package protocol

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncodeString(t *testing.T) {
	out, err := Encode("hello")
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if out != `["hello"]` {
		t.Errorf("expected [\"hello\"], got %s", out)
	}
}

func TestEncodeSlice(t *testing.T) {
	out, err := Encode([]string{"a", "b"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if out != `["a","b"]` {
		t.Errorf("expected compact array with no spaces, got %s", out)
	}
}

func TestEncodeMap(t *testing.T) {
	out, err := Encode(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if out != `{"k":"v"}` {
		t.Errorf("expected {\"k\":\"v\"}, got %s", out)
	}
}

func TestEncodeRejectsOtherTypes(t *testing.T) {
	if _, err := Encode(42); !errors.Is(err, ErrSerialization) {
		t.Errorf("expected ErrSerialization for int, got %v", err)
	}
	if _, err := Encode(struct{}{}); !errors.Is(err, ErrSerialization) {
		t.Errorf("expected ErrSerialization for struct, got %v", err)
	}
}

func TestDecodeArray(t *testing.T) {
	msgs, err := Decode([]byte(`["hello","world"]`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff([]string{"hello", "world"}, msgs); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeSingleString(t *testing.T) {
	msgs, err := Decode([]byte(`"hello"`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff([]string{"hello"}, msgs); diff != "" {
		t.Errorf("messages mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeInvalid(t *testing.T) {
	for _, in := range []string{"not-json", "", "{", "[1,2]"} {
		if _, err := Decode([]byte(in)); !errors.Is(err, ErrInvalidJSON) {
			t.Errorf("Decode(%q): expected ErrInvalidJSON, got %v", in, err)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, msg := range []string{"hello", "", `quotes "and" slashes \`, "unicode ☃"} {
		encoded, err := Encode(msg)
		if err != nil {
			t.Fatalf("Encode(%q) failed: %v", msg, err)
		}
		decoded, err := Decode([]byte(encoded))
		if err != nil {
			t.Fatalf("Decode(%s) failed: %v", encoded, err)
		}
		if len(decoded) != 1 || decoded[0] != msg {
			t.Errorf("round trip of %q yielded %v", msg, decoded)
		}
	}
}

func TestEncodeBatch(t *testing.T) {
	if got := EncodeBatch(nil); got != "[]" {
		t.Errorf("empty batch: expected [], got %s", got)
	}
	if got := EncodeBatch([]string{"x"}); got != `["x"]` {
		t.Errorf("expected [\"x\"], got %s", got)
	}
}

func TestMessageFrame(t *testing.T) {
	if got := MessageFrame(`["hi"]`); got != `a["hi"]` {
		t.Errorf("expected a[\"hi\"], got %s", got)
	}
}

func TestCloseFrame(t *testing.T) {
	if got := CloseFrame(3000, "Go away!", true); got != "c[3000,\"Go away!\"]\n" {
		t.Errorf("unexpected close frame: %q", got)
	}
	if got := CloseFrame(2010, "Another connection still open", false); got != `c[2010,"Another connection still open"]` {
		t.Errorf("unexpected close frame: %q", got)
	}
}

func TestIframeMD5MatchesTemplate(t *testing.T) {
	sum := md5.Sum([]byte(IframeHTML))
	if IframeMD5 != hex.EncodeToString(sum[:]) {
		t.Errorf("IframeMD5 does not match template digest")
	}
}

func TestIframeDocument(t *testing.T) {
	doc := IframeDocument("http://cdn.example.com/sockjs.js")
	if !strings.Contains(doc, `src="http://cdn.example.com/sockjs.js"`) {
		t.Errorf("client URL not substituted:\n%s", doc)
	}
	if !strings.Contains(doc, "SockJS.bootstrap_iframe()") {
		t.Errorf("bootstrap call missing from document")
	}
}

func TestEntropyRange(t *testing.T) {
	for i := 0; i < 1000; i++ {
		e := Entropy()
		if e < 1 || e > 1<<32 {
			t.Fatalf("entropy %d out of [1, 2^32]", e)
		}
	}
}
