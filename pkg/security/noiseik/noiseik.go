// Package noiseik secures replication sessions with a Noise handshake.
// After the key exchange each side presents a hello signed with its
// Ed25519 repository key over the handshake channel binding, so the
// encrypted channel is bound to an identity the peer can check against
// its trusted-key set.
package noiseik

import (
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flynn/noise"

	"github.com/WebFirstLanguage/hivefs/pkg/codec/cborcanon"
	"github.com/WebFirstLanguage/hivefs/pkg/identity"
)

// maxFrameLen bounds one encrypted frame's ciphertext
const maxFrameLen = 65535

// maxPlainLen leaves room for the AEAD tag inside a frame
const maxPlainLen = maxFrameLen - 16

// cipherSuite is the Noise suite every session uses
var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// Hello binds the Noise channel to a repository identity: the signing
// key plus a signature over the handshake channel binding.
type Hello struct {
	FSID      string `cbor:"fsid"`
	PublicKey []byte `cbor:"pub"`
	Proof     []byte `cbor:"proof"`
}

// sign fills the proof over the channel binding
func (h *Hello) sign(priv ed25519.PrivateKey, binding []byte) error {
	h.Proof = nil
	body, err := cborcanon.EncodeForSigning(h, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode hello for signing: %w", err)
	}
	h.Proof = ed25519.Sign(priv, append(body, binding...))
	return nil
}

// verify checks the proof over the channel binding
func (h *Hello) verify(binding []byte) error {
	if len(h.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("hello carries an invalid public key")
	}
	body, err := cborcanon.EncodeForSigning(h, "proof")
	if err != nil {
		return fmt.Errorf("failed to encode hello for verification: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(h.PublicKey), append(body, binding...), h.Proof) {
		return fmt.Errorf("hello signature verification failed")
	}
	return nil
}

// TrustFunc decides whether a peer's verified signing key is accepted
type TrustFunc func(pub ed25519.PublicKey) bool

// TrustAny accepts every authenticated peer
func TrustAny(ed25519.PublicKey) bool { return true }

// TrustStoreFunc accepts peers present in a trusted-key set
func TrustStoreFunc(ts *identity.TrustStore) TrustFunc {
	return ts.IsTrusted
}

// SecureConn is an encrypted, identity-bound stream over an inner
// connection. Frames are u16 length-prefixed ciphertexts.
type SecureConn struct {
	inner io.ReadWriteCloser
	enc   *noise.CipherState
	dec   *noise.CipherState

	peerKey  ed25519.PublicKey
	peerFSID string

	readBuf []byte
}

// PeerKey returns the peer's authenticated signing key
func (c *SecureConn) PeerKey() ed25519.PublicKey {
	return c.peerKey
}

// PeerFSID returns the repository id the peer announced
func (c *SecureConn) PeerFSID() string {
	return c.peerFSID
}

// PeerFingerprint returns the fingerprint of the peer's signing key
func (c *SecureConn) PeerFingerprint() string {
	return identity.Fingerprint(c.peerKey)
}

// Client runs the initiator side of the handshake over conn
func Client(conn io.ReadWriteCloser, id *identity.Identity, fsid string, trust TrustFunc) (*SecureConn, error) {
	return handshake(conn, id, fsid, trust, true)
}

// Server runs the responder side of the handshake over conn
func Server(conn io.ReadWriteCloser, id *identity.Identity, fsid string, trust TrustFunc) (*SecureConn, error) {
	return handshake(conn, id, fsid, trust, false)
}

func handshake(conn io.ReadWriteCloser, id *identity.Identity, fsid string, trust TrustFunc, initiator bool) (*SecureConn, error) {
	if trust == nil {
		trust = TrustAny
	}

	static := noise.DHKey{
		Private: id.KeyAgreementPrivateKey[:],
		Public:  id.KeyAgreementPublicKey[:],
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize handshake: %w", err)
	}

	var cs1, cs2 *noise.CipherState
	writeStep := func() error {
		msg, c1, c2, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return fmt.Errorf("handshake write failed: %w", err)
		}
		cs1, cs2 = c1, c2
		return writeFrame(conn, msg)
	}
	readStep := func() error {
		frame, err := readFrame(conn)
		if err != nil {
			return err
		}
		_, c1, c2, err := hs.ReadMessage(nil, frame)
		if err != nil {
			return fmt.Errorf("handshake read failed: %w", err)
		}
		cs1, cs2 = c1, c2
		return nil
	}

	// XX: initiator sends e; responder e,ee,s,es; initiator s,se
	steps := []func() error{writeStep, readStep, writeStep}
	if !initiator {
		steps = []func() error{readStep, writeStep, readStep}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	if cs1 == nil || cs2 == nil {
		return nil, fmt.Errorf("handshake did not complete")
	}

	sc := &SecureConn{inner: conn}
	if initiator {
		sc.enc, sc.dec = cs1, cs2
	} else {
		sc.enc, sc.dec = cs2, cs1
	}

	// Exchange identity hellos over the fresh channel
	binding := hs.ChannelBinding()
	hello := &Hello{FSID: fsid, PublicKey: id.SigningPublicKey}
	if err := hello.sign(id.SigningPrivateKey, binding); err != nil {
		return nil, err
	}
	helloBytes, err := cborcanon.Marshal(hello)
	if err != nil {
		return nil, err
	}

	var peerHello Hello
	exchange := func(send, recv func() error) error {
		if initiator {
			if err := send(); err != nil {
				return err
			}
			return recv()
		}
		if err := recv(); err != nil {
			return err
		}
		return send()
	}
	err = exchange(
		func() error {
			_, werr := sc.Write(helloBytes)
			return werr
		},
		func() error {
			frame, rerr := sc.readOneFrame()
			if rerr != nil {
				return rerr
			}
			return cborcanon.Unmarshal(frame, &peerHello)
		},
	)
	if err != nil {
		return nil, fmt.Errorf("hello exchange failed: %w", err)
	}

	if err := peerHello.verify(binding); err != nil {
		return nil, err
	}
	peerKey := ed25519.PublicKey(peerHello.PublicKey)
	if !trust(peerKey) {
		return nil, fmt.Errorf("peer key %s is not trusted", identity.Fingerprint(peerKey))
	}

	sc.peerKey = peerKey
	sc.peerFSID = peerHello.FSID
	return sc, nil
}

// Read decrypts the next frame into p, buffering any excess
func (c *SecureConn) Read(p []byte) (int, error) {
	if len(c.readBuf) == 0 {
		plain, err := c.readOneFrame()
		if err != nil {
			return 0, err
		}
		c.readBuf = plain
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

// readOneFrame reads and decrypts exactly one frame
func (c *SecureConn) readOneFrame() ([]byte, error) {
	frame, err := readFrame(c.inner)
	if err != nil {
		return nil, err
	}
	plain, err := c.dec.Decrypt(nil, nil, frame)
	if err != nil {
		return nil, fmt.Errorf("frame decryption failed: %w", err)
	}
	return plain, nil
}

// Write encrypts p into as many frames as needed
func (c *SecureConn) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxPlainLen {
			chunk = chunk[:maxPlainLen]
		}
		ct, err := c.enc.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, fmt.Errorf("frame encryption failed: %w", err)
		}
		if err := writeFrame(c.inner, ct); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Close closes the inner connection
func (c *SecureConn) Close() error {
	return c.inner.Close()
}

// writeFrame sends one u16 length-prefixed frame
func writeFrame(w io.Writer, frame []byte) error {
	if len(frame) > maxFrameLen {
		return fmt.Errorf("frame too large: %d bytes", len(frame))
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write frame header: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// readFrame receives one u16 length-prefixed frame
func readFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	frame := make([]byte, binary.BigEndian.Uint16(hdr[:]))
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("failed to read frame: %w", err)
	}
	return frame, nil
}
