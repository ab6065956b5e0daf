package compdb

import (
	"bytes"
	"io"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// decodeText converts raw database bytes to UTF-8 text. Databases written by
// tools on Windows occasionally carry a UTF-8 or UTF-16 byte-order mark.
func decodeText(data []byte) (string, error) {
	if len(data) >= 3 && bytes.Equal(data[:3], []byte{0xEF, 0xBB, 0xBF}) {
		return string(data[3:]), nil
	}

	if len(data) >= 2 {
		var enc unicode.Endianness = unicode.LittleEndian
		switch {
		case bytes.Equal(data[:2], []byte{0xFF, 0xFE}):
		case bytes.Equal(data[:2], []byte{0xFE, 0xFF}):
			enc = unicode.BigEndian
		default:
			return string(data), nil
		}

		decoder := unicode.UTF16(enc, unicode.ExpectBOM).NewDecoder()
		decoded, err := io.ReadAll(transform.NewReader(bytes.NewReader(data), decoder))
		if err != nil {
			return "", err
		}
		return string(decoded), nil
	}

	return string(data), nil
}
