package ftp

import (
	"fmt"
	"strings"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
)

// Filename encodings understood by EncodeName besides IANA charset names.
const (
	EncodingRaw    = "raw"
	EncodingLatin1 = "latin1"
)

// EncodeName converts name to what is sent on the control connection.
//
// raw (or empty) sends the UTF-8 bytes unchanged, which is what servers
// storing UTF-8 names expect. latin1 reads the UTF-8 bytes as ISO-8859-1 text
// and sends that text as UTF-8, so "é" goes out as the bytes of "Ã©": it only
// finds files whose names were themselves stored double-encoded. ASCII names
// are untouched by both. Any other value is looked up as an IANA charset and
// name is encoded into it.
func EncodeName(name, encoding string) (string, error) {
	switch strings.ToLower(encoding) {
	case "", EncodingRaw, "utf-8", "utf8":
		return name, nil
	case EncodingLatin1:
		return charmap.ISO8859_1.NewDecoder().String(name)
	}

	enc, err := ianaindex.IANA.Encoding(encoding)
	if err != nil {
		return "", fmt.Errorf("filename encoding %q: %w", encoding, err)
	}
	if enc == nil {
		return "", fmt.Errorf("filename encoding %q is not supported", encoding)
	}
	return enc.NewEncoder().String(name)
}
