// Package tcp implements the TCP transport. When the caller supplies a
// repository identity the stream is wrapped in a Noise secure channel
// and the peer is authenticated against the trusted-key set; without
// one the stream is plain, which is only sensible on trusted networks.
package tcp

import (
	"context"
	"fmt"
	"net"

	"github.com/WebFirstLanguage/hivefs/pkg/security/noiseik"
	"github.com/WebFirstLanguage/hivefs/pkg/transport"
)

// DefaultPort is the daemon's TCP listen port
const DefaultPort = 27460

// Transport implements the tcp scheme
type Transport struct{}

// New creates the TCP transport
func New() transport.Transport {
	return &Transport{}
}

// Scheme returns "tcp"
func (t *Transport) Scheme() string {
	return "tcp"
}

// trustFunc derives the peer acceptance check from the config
func trustFunc(cfg *transport.Config) noiseik.TrustFunc {
	if cfg == nil || cfg.Trust == nil {
		return noiseik.TrustAny
	}
	return noiseik.TrustStoreFunc(cfg.Trust)
}

// Dial connects to addr, securing the stream when an identity is
// configured
func (t *Transport) Dial(ctx context.Context, addr string, cfg *transport.Config) (transport.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial tcp: %w", err)
	}
	if cfg == nil || cfg.Identity == nil {
		return conn, nil
	}

	sc, err := noiseik.Client(conn, cfg.Identity, cfg.FSID, trustFunc(cfg))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("secure channel failed: %w", err)
	}
	return sc, nil
}

// Listen binds addr for incoming connections
func (t *Transport) Listen(ctx context.Context, addr string, cfg *transport.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind tcp: %w", err)
	}
	return &listener{l: l, cfg: cfg}, nil
}

type listener struct {
	l   net.Listener
	cfg *transport.Config
}

// Accept waits for the next connection, completing the secure
// handshake when an identity is configured
func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if tl, isTCP := l.l.(*net.TCPListener); isTCP {
			tl.SetDeadline(deadline)
		}
	}
	conn, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	if l.cfg == nil || l.cfg.Identity == nil {
		return conn, nil
	}

	sc, err := noiseik.Server(conn, l.cfg.Identity, l.cfg.FSID, trustFunc(l.cfg))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("secure channel failed: %w", err)
	}
	return sc, nil
}

// Close closes the listener
func (l *listener) Close() error {
	return l.l.Close()
}

// Addr returns the bound address
func (l *listener) Addr() string {
	return l.l.Addr().String()
}

func init() {
	transport.DefaultRegistry.Register(New())
}
