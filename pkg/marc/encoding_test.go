package marc

import (
	"bytes"
	"io"
	"testing"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

func TestDecodeText(t *testing.T) {
	utf8Str := "Žluťoučký kůň"
	if got := DecodeText([]byte(utf8Str)); got != utf8Str {
		t.Errorf("UTF-8 decode failed. Got %q, want %q", got, utf8Str)
	}

	cpStr := "Příliš žluťoučký kůň úpěl ďábelské ódy"
	cpBytes, err := encodeWith(cpStr, charmap.Windows1250)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := DecodeText(cpBytes); got != cpStr {
		t.Errorf("windows-1250 decode failed.\nGot:  %q\nWant: %q\nBytes: %x", got, cpStr, cpBytes)
	}

	if got := DecodeText([]byte("")); got != "" {
		t.Errorf("Empty decode failed. Got %q", got)
	}
	if got := DecodeText([]byte("abc")); got != "abc" {
		t.Errorf("ASCII decode failed. Got %q", got)
	}
}

func TestDecodeWith(t *testing.T) {
	s := "Brno, Moravská zemská knihovna"
	b, err := encodeWith(s, charmap.ISO8859_2)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if got := DecodeWith(b, "iso-8859-2"); got != s {
		t.Errorf("DecodeWith(iso-8859-2) = %q, want %q", got, s)
	}
	if got := DecodeWith([]byte("plain"), "no-such-charset"); got != "plain" {
		t.Errorf("unknown label fallback = %q", got)
	}
}

func encodeWith(s string, enc *charmap.Charmap) ([]byte, error) {
	reader := transform.NewReader(bytes.NewReader([]byte(s)), enc.NewEncoder())
	return io.ReadAll(reader)
}
