// Package protocol implements SCGI framing for requests sent to the daemon.
//
// A request is a netstring holding null terminated header pairs, followed by
// the body. CONTENT_LENGTH must come first and equal the body length:
//
//	"47:" CONTENT_LENGTH\0 27\0 SCGI\0 1\0 CONTENT_TYPE\0 text/xml\0 "," <body>
//	 │    └──────────────── header block (47 bytes) ───────────────┘  │
//	 └ len(header block)                                     separator┘
//
// The daemon answers either with the same netstring layout or, in practice,
// with CGI style headers ("Status: 200 OK\r\n...\r\n\r\n") followed by the
// body. Unwrap accepts both.
package protocol

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Well-known SCGI header names.
const (
	HeaderContentLength = "CONTENT_LENGTH"
	HeaderSCGI          = "SCGI"
	HeaderContentType   = "CONTENT_TYPE"
)

const (
	// MaxHeaderSize bounds the declared header block length of a frame, so a
	// misbehaving peer cannot make us allocate arbitrary memory.
	MaxHeaderSize = 64 * 1024

	// MaxBodySize bounds the CONTENT_LENGTH accepted by Decode.
	MaxBodySize = 64 << 20

	// maxLengthDigits is the number of ASCII digits accepted in a length prefix.
	maxLengthDigits = 10
)

// ProtocolError reports malformed SCGI framing.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "scgi: " + e.Reason
}

func errorf(format string, args ...any) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// Headers maps SCGI (or CGI) header names to values.
type Headers map[string]string

// Get returns the value for key, matching names case-insensitively so that
// CGI style "Content-Length" and SCGI "CONTENT_LENGTH" are both found.
func (h Headers) Get(key string) (string, bool) {
	if v, ok := h[key]; ok {
		return v, true
	}
	want := normalize(key)
	for k, v := range h {
		if normalize(k) == want {
			return v, true
		}
	}
	return "", false
}

// normalize folds case and treats '-' and '_' alike.
func normalize(s string) string {
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'a' && c <= 'z':
			b[i] = c - 'a' + 'A'
		case c == '-':
			b[i] = '_'
		}
	}
	return string(b)
}

// Wrap builds a complete request frame for body.
//
// CONTENT_LENGTH is always computed from body and written first; a caller
// supplied value is ignored. SCGI follows when present, then the remaining
// headers sorted by name so frames are reproducible.
func Wrap(headers Headers, body []byte) ([]byte, error) {
	var block bytes.Buffer
	writePair(&block, HeaderContentLength, strconv.Itoa(len(body)))

	keys := make([]string, 0, len(headers))
	for k := range headers {
		if k == HeaderContentLength {
			continue
		}
		if k == "" || strings.IndexByte(k, 0) >= 0 || strings.IndexByte(headers[k], 0) >= 0 {
			return nil, fmt.Errorf("scgi: invalid header %q", k)
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		// SCGI is conventionally the second header
		if keys[i] == HeaderSCGI || keys[j] == HeaderSCGI {
			return keys[i] == HeaderSCGI
		}
		return keys[i] < keys[j]
	})
	for _, k := range keys {
		writePair(&block, k, headers[k])
	}

	frame := make([]byte, 0, maxLengthDigits+2+block.Len()+len(body))
	frame = strconv.AppendInt(frame, int64(block.Len()), 10)
	frame = append(frame, ':')
	frame = append(frame, block.Bytes()...)
	frame = append(frame, ',')
	frame = append(frame, body...)
	return frame, nil
}

func writePair(buf *bytes.Buffer, key, value string) {
	buf.WriteString(key)
	buf.WriteByte(0)
	buf.WriteString(value)
	buf.WriteByte(0)
}

// Encode writes a complete frame (header block + body) to w.
func Encode(w io.Writer, headers Headers, body []byte) error {
	frame, err := Wrap(headers, body)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Unwrap parses a complete response and returns its headers and body.
//
// A response that starts with an ASCII digit is parsed strictly as a netstring
// frame. Anything else must be a CGI style header section terminated by
// "\r\n\r\n". When a content length header is present it must match the body,
// which is how a truncated read is detected.
func Unwrap(data []byte) (Headers, []byte, error) {
	if len(data) == 0 {
		return nil, nil, errorf("empty response")
	}
	if isDigit(data[0]) {
		return unwrapNetstring(data)
	}
	return unwrapCGI(data)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// lengthPrefix parses "<digits>:" and returns the declared length and the
// offset of the first byte after the colon. ok is false when more bytes are
// needed to decide.
func lengthPrefix(data []byte) (n, offset int, ok bool, err error) {
	for i, c := range data {
		if c == ':' {
			if i == 0 {
				return 0, 0, false, errorf("missing header block length")
			}
			n, err := strconv.Atoi(string(data[:i]))
			if err != nil {
				return 0, 0, false, errorf("invalid header block length %q", data[:i])
			}
			if n > MaxHeaderSize {
				return 0, 0, false, errorf("header block length %d exceeds limit %d", n, MaxHeaderSize)
			}
			return n, i + 1, true, nil
		}
		if !isDigit(c) {
			return 0, 0, false, errorf("non-numeric header block length %q", data[:i+1])
		}
		if i >= maxLengthDigits {
			return 0, 0, false, errorf("header block length prefix too long")
		}
	}
	return 0, 0, false, nil
}

func unwrapNetstring(data []byte) (Headers, []byte, error) {
	n, offset, ok, err := lengthPrefix(data)
	if err != nil {
		return nil, nil, err
	}
	if !ok {
		return nil, nil, errorf("missing ':' after header block length")
	}

	end := offset + n
	if len(data) <= end {
		return nil, nil, errorf("truncated header block: declared %d bytes, have %d", n, len(data)-offset)
	}
	if data[end] != ',' {
		return nil, nil, errorf("missing ',' after header block")
	}

	headers, err := parseHeaderBlock(data[offset:end])
	if err != nil {
		return nil, nil, err
	}

	body := data[end+1:]
	if err := checkContentLength(headers, len(body)); err != nil {
		return nil, nil, err
	}
	return headers, body, nil
}

// parseHeaderBlock splits "key\0value\0..." into Headers.
func parseHeaderBlock(block []byte) (Headers, error) {
	headers := Headers{}
	if len(block) == 0 {
		return headers, nil
	}
	if block[len(block)-1] != 0 {
		return nil, errorf("header block is not null terminated")
	}
	fields := bytes.Split(block[:len(block)-1], []byte{0})
	if len(fields)%2 != 0 {
		return nil, errorf("header block has a key without value")
	}
	for i := 0; i < len(fields); i += 2 {
		if len(fields[i]) == 0 {
			return nil, errorf("empty header name")
		}
		headers[string(fields[i])] = string(fields[i+1])
	}
	return headers, nil
}

func unwrapCGI(data []byte) (Headers, []byte, error) {
	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx < 0 {
		return nil, nil, errorf("missing header terminator")
	}

	headers := Headers{}
	if idx > 0 {
		for _, line := range bytes.Split(data[:idx], []byte("\r\n")) {
			key, value, found := bytes.Cut(line, []byte(":"))
			if !found {
				return nil, nil, errorf("malformed header line %q", line)
			}
			headers[string(bytes.TrimSpace(key))] = string(bytes.TrimSpace(value))
		}
	}

	if status, ok := headers.Get("Status"); ok {
		if len(status) < 3 || status[0] != '2' || !isDigit(status[1]) || !isDigit(status[2]) {
			return nil, nil, errorf("daemon returned status %q", status)
		}
	}

	body := data[idx+4:]
	if err := checkContentLength(headers, len(body)); err != nil {
		return nil, nil, err
	}
	return headers, body, nil
}

func checkContentLength(headers Headers, bodyLen int) error {
	v, ok := headers.Get(HeaderContentLength)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return errorf("invalid content length %q", v)
	}
	if n != bodyLen {
		return errorf("body length %d does not match content length %d", bodyLen, n)
	}
	return nil
}

// Complete reports whether data already holds a full response according to
// its declared lengths. It returns false when the response carries no length
// information (the reader must then wait for end of stream) or is malformed
// (Unwrap reports the error once reading stops).
func Complete(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	if isDigit(data[0]) {
		n, offset, ok, err := lengthPrefix(data)
		if err != nil || !ok || len(data) <= offset+n {
			return false
		}
		headers, err := parseHeaderBlock(data[offset : offset+n])
		if err != nil {
			return false
		}
		return bodyComplete(headers, len(data)-offset-n-1)
	}

	idx := bytes.Index(data, []byte("\r\n\r\n"))
	if idx < 0 {
		return false
	}
	headers := Headers{}
	for _, line := range bytes.Split(data[:idx], []byte("\r\n")) {
		if key, value, found := bytes.Cut(line, []byte(":")); found {
			headers[string(bytes.TrimSpace(key))] = string(bytes.TrimSpace(value))
		}
	}
	return bodyComplete(headers, len(data)-idx-4)
}

func bodyComplete(headers Headers, have int) bool {
	v, ok := headers.Get(HeaderContentLength)
	if !ok {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return false
	}
	return have >= n
}

// Decode reads exactly one netstring frame (header block + body) from r.
// The body length is taken from the mandatory CONTENT_LENGTH header, so the
// peer does not need to close its side of the stream.
func Decode(r io.Reader) (Headers, []byte, error) {
	prefix := make([]byte, 0, maxLengthDigits+1)
	one := make([]byte, 1)
	var n int
	for {
		if _, err := io.ReadFull(r, one); err != nil {
			return nil, nil, err
		}
		prefix = append(prefix, one[0])
		var ok bool
		var err error
		n, _, ok, err = lengthPrefix(prefix)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			break
		}
	}

	// Header block plus the ',' separator
	block := make([]byte, n+1)
	if _, err := io.ReadFull(r, block); err != nil {
		return nil, nil, errorf("truncated header block: %v", err)
	}
	if block[n] != ',' {
		return nil, nil, errorf("missing ',' after header block")
	}
	headers, err := parseHeaderBlock(block[:n])
	if err != nil {
		return nil, nil, err
	}

	v, ok := headers[HeaderContentLength]
	if !ok {
		return nil, nil, errorf("missing %s header", HeaderContentLength)
	}
	size, err := strconv.Atoi(v)
	if err != nil || size < 0 {
		return nil, nil, errorf("invalid content length %q", v)
	}
	if size > MaxBodySize {
		return nil, nil, errorf("content length %d exceeds limit %d", size, MaxBodySize)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, errorf("truncated body: %v", err)
	}
	return headers, body, nil
}
