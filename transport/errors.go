package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ConnectionError reports a failure to reach the daemon or to complete the
// exchange: refused connections, DNS failures, resets and timeouts.
type ConnectionError struct {
	Op   string // "dial", "write", "read" or "post"
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return e.Op + " " + e.Addr + ": " + e.Err.Error()
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the exchange failed because a deadline expired.
func (e *ConnectionError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// TLSError reports a failed TLS handshake, most often a certificate the
// client does not trust.
type TLSError struct {
	Addr string
	Err  error
}

func (e *TLSError) Error() string {
	return "tls " + e.Addr + ": " + e.Err.Error()
}

func (e *TLSError) Unwrap() error {
	return e.Err
}

// BadStatusError reports an HTTP reply whose status is neither 200 nor 204.
type BadStatusError struct {
	Status int
	Body   []byte
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("unexpected http status %d %s", e.Status, http.StatusText(e.Status))
}

func isTLSError(err error) bool {
	var (
		verifyErr    *tls.CertificateVerificationError
		unknownCA    x509.UnknownAuthorityError
		hostname     x509.HostnameError
		invalid      x509.CertificateInvalidError
		recordHeader tls.RecordHeaderError
		alert        tls.AlertError
	)
	return errors.As(err, &verifyErr) ||
		errors.As(err, &unknownCA) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &recordHeader) ||
		errors.As(err, &alert)
}
