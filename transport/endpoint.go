package transport

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// Scheme selects how the daemon is reached.
type Scheme int

const (
	SchemeTCP Scheme = iota
	SchemeTLS
	SchemeUnix
	SchemeHTTP  // XML-RPC over HTTP, e.g. a web server mount in front of the daemon
	SchemeHTTPS // as SchemeHTTP, with TLS
)

func (s Scheme) String() string {
	switch s {
	case SchemeTCP:
		return "scgi"
	case SchemeTLS:
		return "scgis"
	case SchemeUnix:
		return "unix"
	case SchemeHTTP:
		return "http"
	case SchemeHTTPS:
		return "https"
	}
	return fmt.Sprintf("Scheme(%d)", int(s))
}

// IsHTTP reports whether requests are POSTed instead of framed as SCGI.
func (s Scheme) IsHTTP() bool {
	return s == SchemeHTTP || s == SchemeHTTPS
}

// Endpoint is the address of a daemon: host:port for TCP, TLS and HTTP, a
// filesystem path for a unix socket.
type Endpoint struct {
	Scheme Scheme
	Addr   string
	Path   string // request URI, HTTP only
}

// Network returns the net.Dial network name.
func (e Endpoint) Network() string {
	if e.Scheme == SchemeUnix {
		return "unix"
	}
	return "tcp"
}

func (e Endpoint) String() string {
	switch e.Scheme {
	case SchemeTLS:
		return "scgis://" + e.Addr
	case SchemeHTTP, SchemeHTTPS:
		return e.Scheme.String() + "://" + e.Addr + e.Path
	}
	// a unix path starts with '/', giving scgi:///path
	return "scgi://" + e.Addr
}

// ParseEndpoint parses a daemon address.
//
//	scgi://host:port                          plain TCP
//	scgis://host:port, scgi+tls://host:port,
//	scgi+https://host:port                    TCP with TLS
//	scgi:///path/to/socket, unix:///path      unix domain socket
//	http://host[:port]/RPC2                   HTTP POST, port 80 by default
//	https://host[:port]/RPC2                  HTTP POST over TLS, port 443
//
// A bare "host:port" is TCP and a bare absolute path is a unix socket.
func ParseEndpoint(address string) (Endpoint, error) {
	if address == "" {
		return Endpoint{}, fmt.Errorf("transport: empty address")
	}
	if strings.HasPrefix(address, "/") {
		return Endpoint{Scheme: SchemeUnix, Addr: address}, nil
	}
	if !strings.Contains(address, "://") {
		return tcpEndpoint(SchemeTCP, address, address)
	}

	u, err := url.Parse(address)
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: parse %q: %w", address, err)
	}

	var scheme Scheme
	switch strings.ToLower(u.Scheme) {
	case "scgi":
		scheme = SchemeTCP
	case "scgis", "scgi+tls", "scgi+https":
		scheme = SchemeTLS
	case "unix", "scgi+unix":
		scheme = SchemeUnix
	case "http":
		return httpEndpoint(SchemeHTTP, u, address)
	case "https":
		return httpEndpoint(SchemeHTTPS, u, address)
	default:
		return Endpoint{}, fmt.Errorf("transport: unsupported scheme %q in %q", u.Scheme, address)
	}

	if u.Host == "" {
		if scheme == SchemeTLS {
			return Endpoint{}, fmt.Errorf("transport: tls needs host:port, got %q", address)
		}
		if u.Path == "" {
			return Endpoint{}, fmt.Errorf("transport: missing socket path in %q", address)
		}
		return Endpoint{Scheme: SchemeUnix, Addr: u.Path}, nil
	}
	if scheme == SchemeUnix {
		return Endpoint{}, fmt.Errorf("transport: unix socket address %q must not have a host", address)
	}
	if u.Path != "" && u.Path != "/" {
		return Endpoint{}, fmt.Errorf("transport: unexpected path in %q", address)
	}
	return tcpEndpoint(scheme, u.Host, address)
}

func tcpEndpoint(scheme Scheme, hostport, address string) (Endpoint, error) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return Endpoint{}, fmt.Errorf("transport: %q: %w", address, err)
	}
	if port == "" {
		return Endpoint{}, fmt.Errorf("transport: missing port in %q", address)
	}
	return Endpoint{Scheme: scheme, Addr: net.JoinHostPort(host, port)}, nil
}

func httpEndpoint(scheme Scheme, u *url.URL, address string) (Endpoint, error) {
	if u.Host == "" {
		return Endpoint{}, fmt.Errorf("transport: missing host in %q", address)
	}
	if u.User != nil {
		return Endpoint{}, fmt.Errorf("transport: credentials in %q are not supported", address)
	}
	port := u.Port()
	if port == "" {
		port = "80"
		if scheme == SchemeHTTPS {
			port = "443"
		}
	}
	return Endpoint{
		Scheme: scheme,
		Addr:   net.JoinHostPort(u.Hostname(), port),
		Path:   u.RequestURI(),
	}, nil
}
