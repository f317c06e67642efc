package marc

import (
	"bytes"
	"io"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

// legacyEncodings are tried in order when a field is not valid UTF-8.
// Non-UTF Aleph bases are usually Central European.
var legacyEncodings = []encoding.Encoding{
	charmap.Windows1250,
	charmap.ISO8859_2,
	charmap.Windows1252,
}

// DecodeText converts field bytes to a UTF-8 string, guessing the source charset
// when the bytes are not UTF-8 already.
func DecodeText(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	if utf8.Valid(data) {
		return string(data)
	}

	for _, enc := range legacyEncodings {
		decoded, err := doDecode(data, enc)
		if err == nil && !strings.Contains(decoded, "�") {
			return decoded
		}
	}

	if e, _, _ := charset.DetermineEncoding(data, ""); e != nil {
		if decoded, err := doDecode(data, e); err == nil {
			return decoded
		}
	}
	return string(data)
}

// DecodeWith decodes data using a named charset label such as "iso-8859-2".
// Unknown labels fall back to DecodeText.
func DecodeWith(data []byte, label string) string {
	enc, _ := charset.Lookup(label)
	if enc == nil {
		return DecodeText(data)
	}
	decoded, err := doDecode(data, enc)
	if err != nil {
		return DecodeText(data)
	}
	return decoded
}

func doDecode(data []byte, enc encoding.Encoding) (string, error) {
	reader := transform.NewReader(bytes.NewReader(data), enc.NewDecoder())
	d, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	return string(d), nil
}
