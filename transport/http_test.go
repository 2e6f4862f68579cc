package transport_test

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"
	"time"

	"rtorrent-rpc/codec"
	"rtorrent-rpc/message"
	"rtorrent-rpc/protocol"
	"rtorrent-rpc/transport"
)

// rpcHandler answers every POST with the method list, the way a web server
// forwarding /RPC2 to the daemon does.
type rpcHandler struct {
	status int

	mu          sync.Mutex
	contentType string
	path        string
}

func (h *rpcHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	h.contentType = r.Header.Get("Content-Type")
	h.path = r.URL.RequestURI()
	h.mu.Unlock()

	body, _ := io.ReadAll(r.Body)
	c := &codec.XMLCodec{}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := c.DecodeRequest(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.status != 0 && h.status != http.StatusOK {
		w.WriteHeader(h.status)
		if h.status != http.StatusNoContent {
			io.WriteString(w, "go away")
		}
		return
	}
	reply, _ := c.EncodeResponse(wantMethods)
	w.Header().Set("Content-Type", "text/xml")
	w.Write(reply)
}

func httpEndpoint(t *testing.T, srv *httptest.Server) transport.Endpoint {
	t.Helper()
	ep, err := transport.ParseEndpoint(srv.URL + "/RPC2")
	if err != nil {
		t.Fatal(err)
	}
	return ep
}

func requestBody(t *testing.T, method string) []byte {
	t.Helper()
	body, err := (&codec.XMLCodec{}).EncodeRequest(message.New(method))
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestHTTPPost(t *testing.T) {
	h := &rpcHandler{}
	srv := httptest.NewServer(h)
	defer srv.Close()

	tr := transport.NewHTTP(httpEndpoint(t, srv))
	raw, err := tr.Post(context.Background(), "text/xml", requestBody(t, "system.listMethods"))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	got, err := (&codec.XMLCodec{}).DecodeResponse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, wantMethods) {
		t.Fatalf("got %v", got)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.contentType != "text/xml" || h.path != "/RPC2" {
		t.Fatalf("unexpected request: content type %q, path %q", h.contentType, h.path)
	}
	if tr.Endpoint().Scheme != transport.SchemeHTTP {
		t.Fatalf("unexpected endpoint %v", tr.Endpoint())
	}
}

func TestHTTPPostStatus(t *testing.T) {
	cases := []struct {
		status int
		ok     bool
	}{
		{http.StatusNoContent, true},
		{http.StatusFound, false},
		{http.StatusUnauthorized, false},
		{http.StatusNotFound, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(&rpcHandler{status: tc.status})
		raw, err := transport.NewHTTP(httpEndpoint(t, srv)).Post(context.Background(), "text/xml", requestBody(t, "d.name"))
		srv.Close()

		if tc.ok {
			if err != nil || len(raw) != 0 {
				t.Fatalf("status %d: expected an empty body, got %q, %v", tc.status, raw, err)
			}
			continue
		}
		var statusErr *transport.BadStatusError
		if !errors.As(err, &statusErr) {
			t.Fatalf("status %d: expected BadStatusError, got %T %v", tc.status, err, err)
		}
		if statusErr.Status != tc.status || !bytes.Equal(statusErr.Body, []byte("go away")) {
			t.Fatalf("status %d: unexpected error %d %q", tc.status, statusErr.Status, statusErr.Body)
		}
	}
}

func TestHTTPPostTLS(t *testing.T) {
	srv := httptest.NewTLSServer(&rpcHandler{})
	defer srv.Close()
	ep := httpEndpoint(t, srv)
	if ep.Scheme != transport.SchemeHTTPS {
		t.Fatalf("expected https endpoint, got %v", ep)
	}
	body := requestBody(t, "system.listMethods")

	t.Run("untrusted", func(t *testing.T) {
		_, err := transport.NewHTTP(ep).Post(context.Background(), "text/xml", body)
		var tlsErr *transport.TLSError
		if !errors.As(err, &tlsErr) {
			t.Fatalf("expected TLSError, got %T %v", err, err)
		}
	})

	t.Run("insecure", func(t *testing.T) {
		tr := transport.NewHTTP(ep, transport.WithInsecureSkipVerify(true))
		if _, err := tr.Post(context.Background(), "text/xml", body); err != nil {
			t.Fatalf("post: %v", err)
		}
	})

	t.Run("trusted", func(t *testing.T) {
		pool := x509.NewCertPool()
		pool.AddCert(srv.Certificate())
		tr := transport.NewHTTP(ep, transport.WithTLSConfig(&tls.Config{RootCAs: pool}))
		if _, err := tr.Post(context.Background(), "text/xml", body); err != nil {
			t.Fatalf("post: %v", err)
		}
	})
}

func TestHTTPPostConnectionRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	ep := transport.Endpoint{Scheme: transport.SchemeHTTP, Addr: addr, Path: "/RPC2"}
	_, err = transport.NewHTTP(ep).Post(context.Background(), "text/xml", requestBody(t, "d.name"))
	var connErr *transport.ConnectionError
	if !errors.As(err, &connErr) || connErr.Op != "dial" {
		t.Fatalf("expected a dial ConnectionError, got %T %v", err, err)
	}
}

func TestHTTPPostMaxResponseSize(t *testing.T) {
	srv := httptest.NewServer(&rpcHandler{})
	defer srv.Close()

	tr := transport.NewHTTP(httpEndpoint(t, srv), transport.WithMaxResponseSize(16))
	_, err := tr.Post(context.Background(), "text/xml", requestBody(t, "system.listMethods"))
	var perr *protocol.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %T %v", err, err)
	}
}

func TestHTTPPostCanceled(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := transport.NewHTTP(httpEndpoint(t, srv), transport.WithReadTimeout(0)).
		Post(ctx, "text/xml", requestBody(t, "d.name"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var connErr *transport.ConnectionError
	if !errors.As(err, &connErr) || connErr.Timeout() {
		t.Fatalf("cancellation must not look like a timeout: %v", err)
	}
}

func TestHTTPPostReadTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	_, err := transport.NewHTTP(httpEndpoint(t, srv), transport.WithReadTimeout(100*time.Millisecond)).
		Post(context.Background(), "text/xml", requestBody(t, "d.name"))
	var connErr *transport.ConnectionError
	if !errors.As(err, &connErr) || !connErr.Timeout() {
		t.Fatalf("expected a timeout ConnectionError, got %T %v", err, err)
	}
}
