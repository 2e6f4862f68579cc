package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"rtorrent-rpc/protocol"
)

// HTTPTransport POSTs unframed request bodies to an HTTP(S) endpoint, such as
// a web server that forwards /RPC2 to the daemon's SCGI socket. It reuses
// connections and is safe for concurrent use.
type HTTPTransport struct {
	endpoint        Endpoint
	url             string
	client          *http.Client
	maxResponseSize int
}

// NewHTTP creates a transport for a SchemeHTTP or SchemeHTTPS endpoint. The
// dial timeout also bounds the TLS handshake; the read timeout bounds the wait
// for the response headers.
func NewHTTP(ep Endpoint, opts ...Option) *HTTPTransport {
	t := New(ep, opts...)

	d := &net.Dialer{Timeout: t.dialTimeout}
	rt := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           d.DialContext,
		TLSClientConfig:       t.tlsConfig,
		TLSHandshakeTimeout:   t.dialTimeout,
		ResponseHeaderTimeout: t.readTimeout,
		MaxIdleConnsPerHost:   4,
	}
	return &HTTPTransport{
		endpoint: ep,
		url:      ep.String(),
		client: &http.Client{
			Transport: rt,
			// redirects are reported as a bad status
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxResponseSize: t.maxResponseSize,
	}
}

func (h *HTTPTransport) Endpoint() Endpoint {
	return h.endpoint
}

// Post sends body with the given content type and returns the response body.
// Any status other than 200 and 204 is a *BadStatusError.
func (h *HTTPTransport) Post(ctx context.Context, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, h.requestErr(ctx, err)
	}
	defer resp.Body.Close()

	r := io.Reader(resp.Body)
	if h.maxResponseSize > 0 {
		r = io.LimitReader(resp.Body, int64(h.maxResponseSize)+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, h.requestErr(ctx, err)
	}
	if h.maxResponseSize > 0 && len(data) > h.maxResponseSize {
		return nil, &protocol.ProtocolError{
			Reason: fmt.Sprintf("response exceeds %d bytes", h.maxResponseSize),
		}
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return nil, &BadStatusError{Status: resp.StatusCode, Body: data}
	}
	return data, nil
}

func (h *HTTPTransport) requestErr(ctx context.Context, err error) error {
	if isTLSError(err) {
		return &TLSError{Addr: h.endpoint.Addr, Err: err}
	}

	op := "post"
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		op = "dial"
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		err = ctxErr
	} else {
		// drop the "Post <url>:" prefix, ConnectionError names the address
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
	}
	return &ConnectionError{Op: op, Addr: h.endpoint.String(), Err: err}
}
