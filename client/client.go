// Package client is the entry point for talking to the daemon.
//
// Call pipeline:
//
//	Call(method, args) → middleware chain → roundTrip:
//	  Codec.EncodeRequest → protocol.Wrap → Transport.Exchange → protocol.Unwrap → Codec.DecodeResponse
//	  Codec.EncodeRequest → HTTPTransport.Post → Codec.DecodeResponse           (http, https)
//
// Errors from each stage are returned as they are (*transport.ConnectionError,
// *transport.TLSError, *transport.BadStatusError, *protocol.ProtocolError,
// *codec.DecodeError, *codec.RPCFault) so callers can tell network problems
// from rejected calls.
package client

import (
	"context"
	"fmt"
	"sync"

	"rtorrent-rpc/codec"
	"rtorrent-rpc/message"
	"rtorrent-rpc/middleware"
	"rtorrent-rpc/protocol"
	"rtorrent-rpc/transport"
)

// Exchanger sends one framed request and returns the raw response.
// *transport.Transport implements it.
type Exchanger interface {
	Exchange(ctx context.Context, req []byte) ([]byte, error)
}

// Poster sends one unframed request body and returns the response body.
// *transport.HTTPTransport implements it.
type Poster interface {
	Post(ctx context.Context, contentType string, body []byte) ([]byte, error)
}

type Client struct {
	endpoint  transport.Endpoint
	transport Exchanger
	poster    Poster // set instead of transport for http endpoints
	codec     codec.Codec
	headers   protocol.Headers

	mu          sync.RWMutex
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc // middlewares wrapped around roundTrip
}

type options struct {
	codec         codec.Codec
	exchanger     Exchanger
	poster        Poster
	transportOpts []transport.Option
	headers       protocol.Headers
	middlewares   []middleware.Middleware
}

type Option func(*options)

// WithCodec selects the message encoding. The default is XML-RPC with
// codec.StringsPreserve.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = c }
}

// WithTransport passes options to the transport built for the endpoint.
func WithTransport(opts ...transport.Option) Option {
	return func(o *options) { o.transportOpts = append(o.transportOpts, opts...) }
}

// WithExchanger replaces the transport altogether.
func WithExchanger(x Exchanger) Option {
	return func(o *options) { o.exchanger = x }
}

// WithPoster replaces the HTTP transport of an http or https endpoint.
func WithPoster(p Poster) Option {
	return func(o *options) { o.poster = p }
}

// WithHeader adds an SCGI request header. CONTENT_LENGTH is always computed
// and cannot be overridden. HTTP endpoints do not send these headers.
func WithHeader(key, value string) Option {
	return func(o *options) { o.headers[key] = value }
}

func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(o *options) { o.middlewares = append(o.middlewares, mws...) }
}

// New creates a client for ep.
func New(ep transport.Endpoint, opts ...Option) *Client {
	o := &options{headers: protocol.Headers{}}
	for _, opt := range opts {
		opt(o)
	}
	if o.codec == nil {
		o.codec = &codec.XMLCodec{}
	}
	switch {
	case o.exchanger != nil:
		o.poster = nil
	case o.poster != nil:
	case ep.Scheme.IsHTTP():
		o.poster = transport.NewHTTP(ep, o.transportOpts...)
	default:
		o.exchanger = transport.New(ep, o.transportOpts...)
	}

	headers := protocol.Headers{protocol.HeaderSCGI: "1"}
	if ct := o.codec.ContentType(); ct != "" {
		headers[protocol.HeaderContentType] = ct
	}
	for k, v := range o.headers {
		headers[k] = v
	}

	c := &Client{
		endpoint:    ep,
		transport:   o.exchanger,
		poster:      o.poster,
		codec:       o.codec,
		headers:     headers,
		middlewares: o.middlewares,
	}
	c.handler = middleware.Chain(c.middlewares...)(c.roundTrip)
	return c
}

// Dial parses address (see transport.ParseEndpoint) and creates a client.
// No connection is made until the first call.
func Dial(address string, opts ...Option) (*Client, error) {
	ep, err := transport.ParseEndpoint(address)
	if err != nil {
		return nil, err
	}
	return New(ep, opts...), nil
}

// Use appends mw to the middleware chain. Middlewares run in the order they
// were added.
func (c *Client) Use(mw middleware.Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middlewares = append(c.middlewares, mw)
	c.handler = middleware.Chain(c.middlewares...)(c.roundTrip)
}

func (c *Client) Endpoint() transport.Endpoint {
	return c.endpoint
}

func (c *Client) Codec() codec.Codec {
	return c.codec
}

// Call invokes method with args and returns the decoded result.
func (c *Client) Call(method string, args ...any) (any, error) {
	return c.CallContext(context.Background(), method, args...)
}

// CallContext is Call with a context bounding the whole exchange.
func (c *Client) CallContext(ctx context.Context, method string, args ...any) (any, error) {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	return handler(ctx, message.New(method, args...))
}

func (c *Client) roundTrip(ctx context.Context, call *message.Call) (any, error) {
	body, err := c.codec.EncodeRequest(call)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", call.Method, err)
	}

	if c.poster != nil {
		payload, err := c.poster.Post(ctx, c.codec.ContentType(), body)
		if err != nil {
			return nil, err
		}
		return c.codec.DecodeResponse(payload)
	}

	frame, err := protocol.Wrap(c.headers, body)
	if err != nil {
		return nil, err
	}

	raw, err := c.transport.Exchange(ctx, frame)
	if err != nil {
		return nil, err
	}

	_, payload, err := protocol.Unwrap(raw)
	if err != nil {
		return nil, err
	}
	return c.codec.DecodeResponse(payload)
}
