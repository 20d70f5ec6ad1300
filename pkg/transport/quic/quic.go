// Package quic implements the QUIC transport. Each connection carries
// one bidirectional stream with the protocol framing. TLS is fed an
// ephemeral certificate minted from the repository identity; peers are
// checked by pinning the certificate's Ed25519 key against the
// trusted-key set when one is configured.
package quic

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/WebFirstLanguage/hivefs/pkg/identity"
	"github.com/WebFirstLanguage/hivefs/pkg/transport"
)

// DefaultPort is the daemon's QUIC listen port
const DefaultPort = 27461

// alpnProtocol names the replication protocol in ALPN negotiation
const alpnProtocol = "hive/1"

// certLifetime bounds the ephemeral certificate's validity
const certLifetime = 365 * 24 * time.Hour

// Transport implements the quic scheme
type Transport struct{}

// New creates the QUIC transport
func New() transport.Transport {
	return &Transport{}
}

// Scheme returns "quic"
func (t *Transport) Scheme() string {
	return "quic"
}

// selfSignedCert mints an ephemeral certificate for the repository's
// signing key
func selfSignedCert(id *identity.Identity) (tls.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: id.Fingerprint()},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(certLifetime),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template,
		id.SigningPublicKey, id.SigningPrivateKey)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  id.SigningPrivateKey,
	}, nil
}

// tlsConfig builds the TLS side of a QUIC endpoint. Peer certificates
// are pinned by their Ed25519 key rather than a CA chain.
func tlsConfig(cfg *transport.Config, server bool) (*tls.Config, error) {
	if cfg == nil || cfg.Identity == nil {
		return nil, fmt.Errorf("quic transport requires a repository identity")
	}
	cert, err := selfSignedCert(cfg.Identity)
	if err != nil {
		return nil, err
	}

	out := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		NextProtos:         []string{alpnProtocol},
		MinVersion:         tls.VersionTLS13,
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return fmt.Errorf("peer presented no certificate")
			}
			parsed, err := x509.ParseCertificate(rawCerts[0])
			if err != nil {
				return fmt.Errorf("failed to parse peer certificate: %w", err)
			}
			pub, ok := parsed.PublicKey.(ed25519.PublicKey)
			if !ok {
				return fmt.Errorf("peer certificate key is not Ed25519")
			}
			if cfg.Trust != nil && !cfg.Trust.IsTrusted(pub) {
				return fmt.Errorf("peer key %s is not trusted", identity.Fingerprint(pub))
			}
			return nil
		},
	}
	if server {
		out.ClientAuth = tls.RequireAnyClientCert
	}
	return out, nil
}

// quicConfig returns the shared QUIC tuning
func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  5 * time.Minute,
		KeepAlivePeriod: 30 * time.Second,
	}
}

// Dial establishes a QUIC connection and opens its protocol stream
func (t *Transport) Dial(ctx context.Context, addr string, cfg *transport.Config) (transport.Conn, error) {
	tlsConf, err := tlsConfig(cfg, false)
	if err != nil {
		return nil, err
	}
	connection, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial quic: %w", err)
	}
	stream, err := connection.OpenStreamSync(ctx)
	if err != nil {
		connection.CloseWithError(0, "failed to open stream")
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	return &conn{connection: connection, stream: stream}, nil
}

// Listen binds addr for incoming QUIC connections
func (t *Transport) Listen(ctx context.Context, addr string, cfg *transport.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	tlsConf, err := tlsConfig(cfg, true)
	if err != nil {
		return nil, err
	}
	l, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to bind quic: %w", err)
	}
	return &listener{l: l}, nil
}

type listener struct {
	l *quic.Listener
}

// Accept waits for the next connection and its protocol stream
func (l *listener) Accept(ctx context.Context) (transport.Conn, error) {
	connection, err := l.l.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := connection.AcceptStream(ctx)
	if err != nil {
		connection.CloseWithError(0, "failed to accept stream")
		return nil, fmt.Errorf("failed to accept stream: %w", err)
	}
	return &conn{connection: connection, stream: stream}, nil
}

// Close closes the listener
func (l *listener) Close() error {
	return l.l.Close()
}

// Addr returns the bound address
func (l *listener) Addr() string {
	return l.l.Addr().String()
}

// conn pairs a QUIC connection with its protocol stream
type conn struct {
	connection *quic.Conn
	stream     *quic.Stream
}

// Read reads from the stream
func (c *conn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

// Write writes to the stream
func (c *conn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

// Close closes the stream and the connection
func (c *conn) Close() error {
	if err := c.stream.Close(); err != nil {
		c.connection.CloseWithError(0, "stream close error")
		return err
	}
	return c.connection.CloseWithError(0, "normal close")
}

func init() {
	transport.DefaultRegistry.Register(New())
}
