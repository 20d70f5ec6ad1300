// Package exec implements the child-process pipe transport: the caller
// launches a command whose stdin and stdout carry the protocol framing.
// Fronted by ssh this yields remote replication without a listening
// daemon; the address form is "host[/path]" and the remote command is
// the serve-over-stdio mode of the daemon.
package exec

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/WebFirstLanguage/hivefs/pkg/transport"
)

// RemoteCommand is the program the SSH session runs on the far side
const RemoteCommand = "hived --stdio"

// Transport implements the ssh scheme
type Transport struct{}

// New creates the child-process transport
func New() transport.Transport {
	return &Transport{}
}

// Scheme returns "ssh"
func (t *Transport) Scheme() string {
	return "ssh"
}

// Dial launches "ssh host hived --stdio [path]" and speaks the
// protocol over its pipes. The address is "host" or "host/path".
func (t *Transport) Dial(ctx context.Context, addr string, _ *transport.Config) (transport.Conn, error) {
	host, path, _ := strings.Cut(addr, "/")
	if host == "" {
		return nil, fmt.Errorf("ssh address %q has no host", addr)
	}

	remote := RemoteCommand
	if path != "" {
		remote += " /" + path
	}
	cmd := exec.CommandContext(ctx, "ssh", host, remote)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open ssh stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ssh: %w", err)
	}

	return &pipeConn{cmd: cmd, in: stdin, out: stdout}, nil
}

// Listen is not supported; the far side of an ssh session serves over
// its stdio instead
func (t *Transport) Listen(ctx context.Context, addr string, _ *transport.Config) (transport.Listener, error) {
	return nil, fmt.Errorf("ssh transport cannot listen")
}

// pipeConn adapts a child process's pipes to a Conn
type pipeConn struct {
	cmd *exec.Cmd
	in  io.WriteCloser
	out io.ReadCloser
}

// Read reads from the child's stdout
func (c *pipeConn) Read(p []byte) (int, error) {
	return c.out.Read(p)
}

// Write writes to the child's stdin
func (c *pipeConn) Write(p []byte) (int, error) {
	return c.in.Write(p)
}

// Close tears the pipes down and reaps the child
func (c *pipeConn) Close() error {
	c.in.Close()
	c.out.Close()
	if c.cmd.Process != nil {
		c.cmd.Process.Kill()
	}
	return c.cmd.Wait()
}

// NewPipeConn wraps an arbitrary reader/writer pair as a Conn. The
// daemon uses this to serve a session over its own stdio.
func NewPipeConn(r io.Reader, w io.Writer) transport.Conn {
	return &stdioConn{r: r, w: w}
}

type stdioConn struct {
	r io.Reader
	w io.Writer
}

func (c *stdioConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *stdioConn) Write(p []byte) (int, error) { return c.w.Write(p) }
func (c *stdioConn) Close() error                { return nil }

func init() {
	transport.DefaultRegistry.Register(New())
}
