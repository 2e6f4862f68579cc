// Package scgitest runs an in-process daemon stand-in for tests.
//
// Request processing:
//
//	Accept conn → handleConn (one goroutine per connection)
//	  → protocol.Decode → codec (by CONTENT_TYPE) → Handler → encode → write reply → close
//
// Like the real daemon, the server answers one request per connection and
// replies with CGI style headers unless NetstringReplies is set. StartHTTP
// serves the same handlers the way a web server mount of /RPC2 does.
package scgitest

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"rtorrent-rpc/codec"
	"rtorrent-rpc/protocol"
	"rtorrent-rpc/transport"
)

// HandlerFunc serves one method. Returning a *codec.RPCFault sends that
// fault; any other error is sent as fault -500.
type HandlerFunc func(params []any) (any, error)

// Request is a decoded request as received by the server.
type Request struct {
	Headers protocol.Headers
	Body    []byte
	Method  string
	Params  []any
}

// Server is a fake daemon.
type Server struct {
	// NetstringReplies makes the server answer with a netstring frame
	// instead of CGI style headers.
	NetstringReplies bool
	Logger           logrus.FieldLogger

	handlers map[string]HandlerFunc
	raw      []byte
	rawSet   bool
	connFn   func(net.Conn)

	listener   net.Listener
	httpServer *http.Server
	endpoint   transport.Endpoint
	wg       sync.WaitGroup // tracks open connections for Shutdown
	shutdown atomic.Bool

	mu       sync.Mutex
	requests []Request
}

func NewServer() *Server {
	return &Server{
		Logger:   logrus.StandardLogger(),
		handlers: make(map[string]HandlerFunc),
	}
}

// Handle registers h for method. Must be called before Start.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.handlers[method] = h
}

// HandleRaw makes the server read each request and answer with reply
// verbatim, bypassing codecs and framing.
func (s *Server) HandleRaw(reply []byte) {
	s.raw = reply
	s.rawSet = true
}

// HandleConn gives fn full control over each accepted connection. The
// connection is closed when fn returns.
func (s *Server) HandleConn(fn func(net.Conn)) {
	s.connFn = fn
}

// Start listens on network/address ("tcp", "127.0.0.1:0" or "unix", path)
// and serves in the background.
func (s *Server) Start(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	ep := transport.Endpoint{Scheme: transport.SchemeTCP, Addr: l.Addr().String()}
	if network == "unix" {
		ep = transport.Endpoint{Scheme: transport.SchemeUnix, Addr: address}
	}
	s.serve(l, ep)
	return nil
}

// StartTLS listens on a loopback TCP port and serves TLS with cert.
func (s *Server) StartTLS(cert tls.Certificate) error {
	l, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return err
	}
	s.serve(l, transport.Endpoint{Scheme: transport.SchemeTLS, Addr: l.Addr().String()})
	return nil
}

// StartHTTP serves ServeHTTP on a loopback TCP port. The endpoint path is
// /RPC2.
func (s *Server) StartHTTP() error {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.httpServer = &http.Server{Handler: s}
	s.endpoint = transport.Endpoint{Scheme: transport.SchemeHTTP, Addr: l.Addr().String(), Path: "/RPC2"}
	go s.httpServer.Serve(l)
	return nil
}

func (s *Server) serve(l net.Listener, ep transport.Endpoint) {
	s.listener = l
	s.endpoint = ep
	go s.acceptLoop()
}

// Endpoint returns the address clients should dial.
func (s *Server) Endpoint() transport.Endpoint {
	return s.endpoint
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !s.shutdown.Load() {
				s.Logger.WithError(err).Warn("scgitest: accept failed")
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	if s.connFn != nil {
		s.connFn(conn)
		return
	}

	headers, body, err := protocol.Decode(conn)
	if err != nil {
		s.Logger.WithError(err).Debug("scgitest: bad request frame")
		return
	}
	req := Request{Headers: headers, Body: body}
	if s.rawSet {
		s.record(req)
		conn.Write(s.raw)
		return
	}

	contentType, reply, err := s.reply(&req)
	if err != nil {
		s.Logger.WithError(err).Warn("scgitest: cannot build reply")
		return
	}

	if s.NetstringReplies {
		err = protocol.Encode(conn, protocol.Headers{"Status": "200 OK", "Content-Type": contentType}, reply)
	} else {
		_, err = fmt.Fprintf(conn, "Status: 200 OK\r\nContent-Type: %s\r\nContent-Length: %d\r\n\r\n%s", contentType, len(reply), reply)
	}
	if err != nil {
		s.Logger.WithError(err).Warn("scgitest: write reply")
	}
}

// ServeHTTP answers a POSTed XML-RPC or JSON-RPC body. The request's
// Content-Type and URI are recorded as CONTENT_TYPE and REQUEST_URI.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	req := Request{
		Headers: protocol.Headers{
			protocol.HeaderContentType: r.Header.Get("Content-Type"),
			"REQUEST_URI":              r.URL.RequestURI(),
		},
		Body: body,
	}
	if s.rawSet {
		s.record(req)
		w.Write(s.raw)
		return
	}

	contentType, reply, err := s.reply(&req)
	if err != nil {
		s.Logger.WithError(err).Warn("scgitest: cannot build reply")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Write(reply)
}

// reply decodes req by its CONTENT_TYPE, dispatches it and records it.
func (s *Server) reply(req *Request) (string, []byte, error) {
	var contentType string
	var reply []byte
	var err error
	if req.Headers[protocol.HeaderContentType] == "application/json" {
		contentType = "application/json"
		reply, err = s.serveJSON(req)
	} else {
		contentType = "text/xml"
		reply, err = s.serveXML(req)
	}
	s.record(*req)
	return contentType, reply, err
}

func (s *Server) record(req Request) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
}

func (s *Server) dispatch(method string, params []any) (any, *codec.RPCFault) {
	h, ok := s.handlers[method]
	if !ok {
		return nil, &codec.RPCFault{Code: -506, Message: fmt.Sprintf("Method '%s' not defined", method)}
	}
	result, err := h(params)
	if err != nil {
		var fault *codec.RPCFault
		if errors.As(err, &fault) {
			return nil, fault
		}
		return nil, &codec.RPCFault{Code: -500, Message: err.Error()}
	}
	return result, nil
}

func (s *Server) serveXML(req *Request) ([]byte, error) {
	c := &codec.XMLCodec{}
	call, err := c.DecodeRequest(req.Body)
	if err != nil {
		return c.EncodeFault(&codec.RPCFault{Code: -503, Message: err.Error()})
	}
	req.Method, req.Params = call.Method, call.Params

	result, fault := s.dispatch(call.Method, call.Params)
	if fault != nil {
		return c.EncodeFault(fault)
	}
	return c.EncodeResponse(result)
}

type jsonRequest struct {
	Version string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  []any           `json:"params"`
	ID      json.RawMessage `json:"id"`
}

type jsonError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonResponse struct {
	Version string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *jsonError      `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

func (s *Server) serveJSON(req *Request) ([]byte, error) {
	var in jsonRequest
	if err := json.Unmarshal(req.Body, &in); err != nil {
		return json.Marshal(jsonResponse{
			Version: "2.0",
			Error:   &jsonError{Code: -32700, Message: err.Error()},
			ID:      json.RawMessage("null"),
		})
	}
	req.Method, req.Params = in.Method, in.Params

	out := jsonResponse{Version: "2.0", ID: in.ID}
	result, fault := s.dispatch(in.Method, in.Params)
	if fault != nil {
		out.Error = &jsonError{Code: fault.Code, Message: fault.Message}
	} else {
		out.Result = result
	}
	return json.Marshal(out)
}

// Shutdown stops accepting connections and waits up to timeout for open
// connections to finish.
func (s *Server) Shutdown(timeout time.Duration) error {
	s.shutdown.Store(true)
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for open connections to finish")
	}
}
