package transport

import (
	"context"
	"testing"
)

type fakeTransport struct {
	scheme string
	dialed string
}

func (f *fakeTransport) Scheme() string { return f.scheme }

func (f *fakeTransport) Dial(_ context.Context, addr string, _ *Config) (Conn, error) {
	f.dialed = addr
	return nil, nil
}

func (f *fakeTransport) Listen(context.Context, string, *Config) (Listener, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTransport{scheme: "tcp"})
	r.Register(&fakeTransport{scheme: "uds"})

	if _, ok := r.Get("tcp"); !ok {
		t.Error("tcp transport should be registered")
	}
	if _, ok := r.Get("smoke"); ok {
		t.Error("unregistered scheme should be absent")
	}

	schemes := r.List()
	if len(schemes) != 2 || schemes[0] != "tcp" || schemes[1] != "uds" {
		t.Errorf("List: got %v", schemes)
	}
}

func TestDialURLAddressForms(t *testing.T) {
	testCases := []struct {
		name     string
		url      string
		scheme   string
		wantAddr string
	}{
		{"tcp host port", "tcp://peer.example:27460", "tcp", "peer.example:27460"},
		{"uds path", "uds:///var/repo/uds.sock", "uds", "/var/repo/uds.sock"},
		{"ssh host path", "ssh://backup.example/srv/repo", "ssh", "backup.example/srv/repo"},
		{"quic host port", "quic://peer.example:27461", "quic", "peer.example:27461"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := NewRegistry()
			fake := &fakeTransport{scheme: tc.scheme}
			r.Register(fake)

			if _, err := r.DialURL(context.Background(), tc.url, nil); err != nil {
				t.Fatalf("DialURL failed: %v", err)
			}
			if fake.dialed != tc.wantAddr {
				t.Errorf("dialed address: got %q, want %q", fake.dialed, tc.wantAddr)
			}
		})
	}
}

func TestDialURLUnknownScheme(t *testing.T) {
	r := NewRegistry()
	if _, err := r.DialURL(context.Background(), "carrier-pigeon://x", nil); err == nil {
		t.Error("unknown scheme should fail")
	}
}
