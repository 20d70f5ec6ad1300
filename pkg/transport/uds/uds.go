// Package uds implements the Unix domain socket transport used for
// same-host replication sessions. The socket lives at a well-known
// path inside the repository directory.
package uds

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/WebFirstLanguage/hivefs/pkg/transport"
)

// Transport implements the uds scheme
type Transport struct{}

// New creates the UDS transport
func New() transport.Transport {
	return &Transport{}
}

// Scheme returns "uds"
func (t *Transport) Scheme() string {
	return "uds"
}

// Dial connects to the socket at addr
func (t *Transport) Dial(ctx context.Context, addr string, _ *transport.Config) (transport.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial unix socket: %w", err)
	}
	return conn, nil
}

// Listen binds the socket at addr, replacing any stale socket file
func (t *Transport) Listen(ctx context.Context, addr string, _ *transport.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	// A stale socket from an unclean shutdown blocks the bind
	os.Remove(addr)

	l, err := net.Listen("unix", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind unix socket: %w", err)
	}
	return &listener{l: l, path: addr}, nil
}

type listener struct {
	l    net.Listener
	path string
}

// Accept waits for the next connection
func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if ul, isUnix := l.l.(*net.UnixListener); isUnix {
			ul.SetDeadline(deadline)
		}
	}
	conn, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Close closes the listener and removes the socket file
func (l *listener) Close() error {
	err := l.l.Close()
	os.Remove(l.path)
	return err
}

// Addr returns the socket path
func (l *listener) Addr() string {
	return l.path
}

func init() {
	transport.DefaultRegistry.Register(New())
}
