// Package transport provides the stream transports the replication
// protocol runs over: Unix domain sockets for same-host sessions, a
// child-process pipe for SSH-fronted remotes, TCP with an optional
// Noise-secured channel, and QUIC. Transport selection is by URL
// scheme.
package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sort"

	"github.com/WebFirstLanguage/hivefs/pkg/identity"
)

// Conn is one bidirectional protocol stream.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Listener accepts protocol streams on a bound address.
type Listener interface {
	// Accept waits for and returns the next connection
	Accept(ctx context.Context) (Conn, error)

	// Close closes the listener
	Close() error

	// Addr returns the bound address in display form
	Addr() string
}

// Config carries the key material a transport may use to secure and
// authenticate its connections. Transports that cannot use it ignore
// it.
type Config struct {
	// Identity is the local repository identity
	Identity *identity.Identity

	// FSID is the local repository id announced during secure
	// handshakes
	FSID string

	// Trust decides whether a remote identity key is acceptable. A nil
	// Trust accepts any peer.
	Trust *identity.TrustStore
}

// Transport is one way of carrying the replication protocol.
type Transport interface {
	// Scheme returns the URL scheme the transport answers to
	Scheme() string

	// Dial establishes a connection to addr
	Dial(ctx context.Context, addr string, cfg *Config) (Conn, error)

	// Listen binds addr for incoming connections
	Listen(ctx context.Context, addr string, cfg *Config) (Listener, error)
}

// Registry maps URL schemes to transports.
type Registry struct {
	transports map[string]Transport
}

// NewRegistry creates an empty transport registry
func NewRegistry() *Registry {
	return &Registry{transports: make(map[string]Transport)}
}

// Register installs a transport under its scheme
func (r *Registry) Register(t Transport) {
	r.transports[t.Scheme()] = t
}

// Get returns the transport for a scheme
func (r *Registry) Get(scheme string) (Transport, bool) {
	t, ok := r.transports[scheme]
	return t, ok
}

// List returns the registered schemes, sorted
func (r *Registry) List() []string {
	out := make([]string, 0, len(r.transports))
	for scheme := range r.transports {
		out = append(out, scheme)
	}
	sort.Strings(out)
	return out
}

// DialURL parses a transport URL and dials through the matching
// registered transport
func (r *Registry) DialURL(ctx context.Context, rawURL string, cfg *Config) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid transport URL %q: %w", rawURL, err)
	}
	t, ok := r.Get(u.Scheme)
	if !ok {
		return nil, fmt.Errorf("no transport for scheme %q", u.Scheme)
	}
	return t.Dial(ctx, addrOf(u), cfg)
}

// addrOf extracts the transport address from a parsed URL: the host
// and port for network schemes, the path for sockets and pipes
func addrOf(u *url.URL) string {
	if u.Host != "" {
		if u.Path != "" {
			return u.Host + u.Path
		}
		return u.Host
	}
	return u.Path
}

// DefaultRegistry is the process-wide registry transports register
// into from their init functions.
var DefaultRegistry = NewRegistry()
