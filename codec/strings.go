package codec

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/transform"
)

// StringStrategy selects how bytes that are not valid UTF-8 are decoded.
//
// The daemon copies torrent and file names into <string> payloads without
// re-encoding them, so responses routinely carry invalid UTF-8. Every strategy
// except StringsStrict accepts such responses; the non-preserving ones are
// lossy by construction.
type StringStrategy int

const (
	// StringsPreserve keeps the raw bytes: a decoded string holds exactly the
	// bytes the daemon sent, valid UTF-8 or not.
	StringsPreserve StringStrategy = iota
	// StringsReplace turns every invalid byte into U+FFFD.
	StringsReplace
	// StringsLatin1 reads invalid bytes as ISO-8859-1.
	StringsLatin1
	// StringsWindows1252 reads invalid bytes as Windows-1252.
	StringsWindows1252
	// StringsStrict fails the call with a DecodeError.
	StringsStrict
)

var strategyNames = map[StringStrategy]string{
	StringsPreserve:    "preserve",
	StringsReplace:     "replace",
	StringsLatin1:      "latin1",
	StringsWindows1252: "windows1252",
	StringsStrict:      "strict",
}

func (s StringStrategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("StringStrategy(%d)", int(s))
}

// ParseStringStrategy maps a strategy name to its value. An empty name
// selects StringsPreserve.
func ParseStringStrategy(name string) (StringStrategy, error) {
	if name == "" {
		return StringsPreserve, nil
	}
	for s, n := range strategyNames {
		if n == strings.ToLower(name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown string strategy %q", name)
}

// escapeBase is the first of 256 plane 16 code points that carry raw bytes
// through the XML parser under StringsPreserve. restoreBytes maps them back.
const escapeBase = 0x10FF00

// lenientTransformer rewrites bytes encoding/xml would reject (invalid UTF-8
// and characters outside the XML Char production) before parsing.
type lenientTransformer struct {
	transform.NopResetter
	strategy StringStrategy
}

func (t lenientTransformer) Transform(dst, src []byte, atEOF bool) (nDst, nSrc int, err error) {
	for nSrc < len(src) {
		c := src[nSrc]
		if c < utf8.RuneSelf {
			r := rune(c)
			if !isXMLChar(r) {
				r = t.replacement(c)
			}
			n, ok := putRune(dst[nDst:], r)
			if !ok {
				return nDst, nSrc, transform.ErrShortDst
			}
			nDst += n
			nSrc++
			continue
		}

		r, size := utf8.DecodeRune(src[nSrc:])
		if r == utf8.RuneError && size == 1 && !atEOF && !utf8.FullRune(src[nSrc:]) {
			return nDst, nSrc, transform.ErrShortSrc
		}
		if r != utf8.RuneError || size > 1 {
			if isXMLChar(r) && !t.isEscape(r) {
				if nDst+size > len(dst) {
					return nDst, nSrc, transform.ErrShortDst
				}
				copy(dst[nDst:], src[nSrc:nSrc+size])
				nDst += size
				nSrc += size
				continue
			}
		}

		// Invalid sequence, a rune XML forbids or one restoreBytes would
		// collapse: substitute byte by byte.
		start := nDst
		for i := 0; i < size; i++ {
			n, ok := putRune(dst[nDst:], t.replacement(src[nSrc+i]))
			if !ok {
				return start, nSrc, transform.ErrShortDst
			}
			nDst += n
		}
		nSrc += size
	}
	return nDst, nSrc, nil
}

func (t lenientTransformer) replacement(b byte) rune {
	switch t.strategy {
	case StringsPreserve:
		return escapeBase + rune(b)
	case StringsLatin1:
		if r := charmap.ISO8859_1.DecodeByte(b); isXMLChar(r) {
			return r
		}
	case StringsWindows1252:
		if r := charmap.Windows1252.DecodeByte(b); isXMLChar(r) {
			return r
		}
	}
	return utf8.RuneError
}

// isEscape reports whether a literal r would be read back as an escaped byte.
func (t lenientTransformer) isEscape(r rune) bool {
	return t.strategy == StringsPreserve && r >= escapeBase && r <= escapeBase+0xFF
}

func putRune(dst []byte, r rune) (int, bool) {
	if len(dst) < utf8.RuneLen(r) {
		return 0, false
	}
	return utf8.EncodeRune(dst, r), true
}

// isXMLChar follows the Char production of XML 1.0.
func isXMLChar(r rune) bool {
	return r == 0x09 || r == 0x0A || r == 0x0D ||
		r >= 0x20 && r <= 0xD7FF ||
		r >= 0xE000 && r <= 0xFFFD ||
		r >= 0x10000 && r <= 0x10FFFF
}

// restoreBytes undoes the StringsPreserve escaping.
func restoreBytes(s string) string {
	// every escaped rune encodes as F4 8F Bx xx
	if !strings.Contains(s, "\xf4\x8f") {
		return s
	}
	out := make([]byte, 0, len(s))
	for _, r := range s {
		if r >= escapeBase && r <= escapeBase+0xFF {
			out = append(out, byte(r-escapeBase))
			continue
		}
		out = utf8.AppendRune(out, r)
	}
	return string(out)
}

var encodingDecl = regexp.MustCompile(`^\s*<\?xml[^>]*?encoding\s*=\s*["']([A-Za-z0-9._:-]+)["']`)

// declaredEncoding returns the encoding named in the XML declaration, if any.
func declaredEncoding(data []byte) string {
	head := data
	if len(head) > 256 {
		head = head[:256]
	}
	if m := encodingDecl.FindSubmatch(head); m != nil {
		return string(m[1])
	}
	return ""
}

func isUTF8Label(label string) bool {
	switch strings.ToLower(label) {
	case "utf-8", "utf8", "us-ascii", "ascii":
		return true
	}
	return false
}

// documentReader converts a response into the UTF-8 stream encoding/xml
// expects, applying the string strategy on the way.
func documentReader(data []byte, strategy StringStrategy) (io.Reader, error) {
	if label := declaredEncoding(data); label != "" && !isUTF8Label(label) {
		enc, err := ianaindex.IANA.Encoding(label)
		if err != nil || enc == nil {
			return nil, &DecodeError{Msg: fmt.Sprintf("unsupported document encoding %q", label), Err: err}
		}
		if data, err = enc.NewDecoder().Bytes(data); err != nil {
			return nil, &DecodeError{Msg: "convert document to utf-8", Err: err}
		}
	}

	if strategy == StringsStrict {
		return bytes.NewReader(data), nil
	}
	return transform.NewReader(bytes.NewReader(data), lenientTransformer{strategy: strategy}), nil
}
