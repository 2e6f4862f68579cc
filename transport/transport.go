// Package transport carries one request to the daemon and reads back its
// response over TCP, TLS or a unix socket, or POSTs it to an HTTP(S) mount.
//
// Every SCGI exchange opens a fresh connection and closes it on return: the
// daemon answers a single request per connection and then hangs up.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"rtorrent-rpc/protocol"
)

const (
	DefaultTimeout         = 5 * time.Second
	DefaultMaxResponseSize = 64 << 20

	readChunk = 32 << 10
)

// aLongTimeAgo unblocks pending I/O when the context is canceled.
var aLongTimeAgo = time.Unix(1, 0)

// Transport performs request/response exchanges with a single endpoint.
// It holds no connection between calls and is safe for concurrent use.
type Transport struct {
	endpoint        Endpoint
	dialTimeout     time.Duration
	readTimeout     time.Duration
	tlsConfig       *tls.Config
	maxResponseSize int
}

type Option func(*Transport)

// WithDialTimeout bounds connection setup, including the TLS handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) { t.dialTimeout = d }
}

// WithReadTimeout bounds each write and each read; the timer restarts
// whenever data arrives.
func WithReadTimeout(d time.Duration) Option {
	return func(t *Transport) { t.readTimeout = d }
}

// WithTLSConfig sets the TLS configuration used for SchemeTLS and SchemeHTTPS
// endpoints.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *Transport) { t.tlsConfig = cfg.Clone() }
}

// WithInsecureSkipVerify disables certificate validation for SchemeTLS and
// SchemeHTTPS endpoints. Validation is on unless this is set.
func WithInsecureSkipVerify(skip bool) Option {
	return func(t *Transport) {
		if t.tlsConfig == nil {
			t.tlsConfig = &tls.Config{}
		}
		t.tlsConfig.InsecureSkipVerify = skip
	}
}

// WithMaxResponseSize caps the number of bytes read for one response.
func WithMaxResponseSize(n int) Option {
	return func(t *Transport) { t.maxResponseSize = n }
}

func New(ep Endpoint, opts ...Option) *Transport {
	t := &Transport{
		endpoint:        ep,
		dialTimeout:     DefaultTimeout,
		readTimeout:     DefaultTimeout,
		maxResponseSize: DefaultMaxResponseSize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) Endpoint() Endpoint {
	return t.endpoint
}

// Exchange writes req on a new connection and returns the raw response. It
// stops reading when the response is complete according to its declared
// lengths or when the daemon closes the connection.
func (t *Transport) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(aLongTimeAgo)
	})
	defer stop()

	conn.SetWriteDeadline(t.deadline(ctx))
	// SetWriteDeadline may have replaced the deadline set on cancel
	if err := ctx.Err(); err != nil {
		return nil, t.connErr(ctx, "write", err)
	}
	if _, err := conn.Write(req); err != nil {
		return nil, t.connErr(ctx, "write", err)
	}
	return t.readResponse(ctx, conn)
}

func (t *Transport) dial(ctx context.Context) (net.Conn, error) {
	d := &net.Dialer{Timeout: t.dialTimeout}

	var conn net.Conn
	var err error
	if t.endpoint.Scheme == SchemeTLS {
		td := &tls.Dialer{NetDialer: d, Config: t.tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", t.endpoint.Addr)
	} else {
		conn, err = d.DialContext(ctx, t.endpoint.Network(), t.endpoint.Addr)
	}
	if err != nil {
		if isTLSError(err) {
			return nil, &TLSError{Addr: t.endpoint.Addr, Err: err}
		}
		return nil, t.connErr(ctx, "dial", err)
	}
	return conn, nil
}

func (t *Transport) readResponse(ctx context.Context, conn net.Conn) ([]byte, error) {
	buf := make([]byte, 0, readChunk)
	for {
		if len(buf) == cap(buf) {
			buf = append(buf, make([]byte, readChunk)...)[:len(buf)]
		}

		conn.SetReadDeadline(t.deadline(ctx))
		if err := ctx.Err(); err != nil {
			return nil, t.connErr(ctx, "read", err)
		}
		n, err := conn.Read(buf[len(buf):cap(buf)])
		buf = buf[:len(buf)+n]

		if t.maxResponseSize > 0 && len(buf) > t.maxResponseSize {
			return nil, &protocol.ProtocolError{
				Reason: fmt.Sprintf("response exceeds %d bytes", t.maxResponseSize),
			}
		}
		if protocol.Complete(buf) {
			return buf, nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				if len(buf) == 0 {
					return nil, t.connErr(ctx, "read", io.ErrUnexpectedEOF)
				}
				return buf, nil
			}
			return nil, t.connErr(ctx, "read", err)
		}
	}
}

// deadline returns the earlier of the context deadline and now+readTimeout.
func (t *Transport) deadline(ctx context.Context) time.Time {
	var d time.Time
	if t.readTimeout > 0 {
		d = time.Now().Add(t.readTimeout)
	}
	if cd, ok := ctx.Deadline(); ok && (d.IsZero() || cd.Before(d)) {
		d = cd
	}
	return d
}

func (t *Transport) connErr(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	}
	return &ConnectionError{Op: op, Addr: t.endpoint.String(), Err: err}
}
