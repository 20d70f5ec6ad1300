// Package identity manages a repository's key material: the Ed25519
// signing key stored under keys/private, the X25519 key derived for
// secure channels, and the trusted-key set under keys/trusted keyed by
// fingerprint. Commit signatures ride as a message trailer and their
// verification is optional.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"

	"github.com/WebFirstLanguage/hivefs/pkg/objecthash"
	"github.com/WebFirstLanguage/hivefs/pkg/objects"
)

// sigTrailer marks the detached commit signature inside the message
const sigTrailer = "\n\nSignature-Ed25519: "

// Identity is a repository key pair: Ed25519 for signatures plus an
// X25519 pair used as the static key of secure channels.
type Identity struct {
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	// Cached fingerprint of the signing key
	fingerprint string
}

// Generate creates a fresh identity
func Generate() (*Identity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}

	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	id := &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}
	id.fingerprint = Fingerprint(sigPub)
	return id, nil
}

// Fingerprint derives the stable hex fingerprint of a public key
func Fingerprint(pub ed25519.PublicKey) string {
	sum := blake3.Sum256(pub)
	return objecthash.EncodeHex(sum[:16])
}

// Fingerprint returns the fingerprint of this identity's signing key
func (id *Identity) Fingerprint() string {
	if id.fingerprint == "" {
		id.fingerprint = Fingerprint(id.SigningPublicKey)
	}
	return id.fingerprint
}

// Save writes the identity to a file with restricted permissions
func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// Load reads an identity from a file
func Load(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	id.fingerprint = Fingerprint(id.SigningPublicKey)
	return &id, nil
}

// LoadOrGenerate loads the identity at path, creating and saving a
// fresh one if the file does not exist
func LoadOrGenerate(path string) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.Save(path); err != nil {
		return nil, err
	}
	return id, nil
}

// SignCommit appends a detached signature trailer to the commit
// message. The signature covers the commit's serialized form with an
// empty message trailer, so signing then verifying is stable.
func (id *Identity) SignCommit(c *objects.Commit) error {
	if strings.Contains(c.Message, strings.TrimSpace(sigTrailer)) {
		return fmt.Errorf("commit already carries a signature")
	}
	blob, err := c.Marshal()
	if err != nil {
		return err
	}
	sig := ed25519.Sign(id.SigningPrivateKey, blob)
	c.Message += sigTrailer + objecthash.EncodeBase64(sig)
	return nil
}

// CommitSignature extracts the detached signature from a commit
// message, returning the stripped commit and the signature bytes, or
// nil when the commit is unsigned.
func CommitSignature(c *objects.Commit) (*objects.Commit, []byte, error) {
	i := strings.LastIndex(c.Message, sigTrailer)
	if i < 0 {
		return c, nil, nil
	}
	sig, err := objecthash.DecodeBase64(c.Message[i+len(sigTrailer):])
	if err != nil {
		return nil, nil, fmt.Errorf("malformed commit signature: %w", err)
	}
	stripped := *c
	stripped.Message = c.Message[:i]
	return &stripped, sig, nil
}

// VerifyCommit checks a commit's detached signature against pub.
// Unsigned commits verify trivially; verification is an optional layer.
func VerifyCommit(c *objects.Commit, pub ed25519.PublicKey) error {
	stripped, sig, err := CommitSignature(c)
	if err != nil {
		return err
	}
	if sig == nil {
		return nil
	}
	blob, err := stripped.Marshal()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, blob, sig) {
		return fmt.Errorf("commit signature verification failed")
	}
	return nil
}

// TrustStore manages the trusted public keys under a keys/trusted
// directory, one PEM-less binary key file per fingerprint.
type TrustStore struct {
	dir string
}

// NewTrustStore opens the trusted-key directory, creating it if needed
func NewTrustStore(dir string) (*TrustStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create trusted key directory: %w", err)
	}
	return &TrustStore{dir: dir}, nil
}

// Add stores a trusted public key under its fingerprint
func (ts *TrustStore) Add(pub ed25519.PublicKey) (string, error) {
	fp := Fingerprint(pub)
	if err := os.WriteFile(filepath.Join(ts.dir, fp), pub, 0600); err != nil {
		return "", fmt.Errorf("failed to store trusted key: %w", err)
	}
	return fp, nil
}

// Get fetches a trusted public key by fingerprint
func (ts *TrustStore) Get(fingerprint string) (ed25519.PublicKey, error) {
	data, err := os.ReadFile(filepath.Join(ts.dir, fingerprint))
	if err != nil {
		return nil, fmt.Errorf("trusted key %s not found: %w", fingerprint, err)
	}
	if len(data) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("trusted key %s has invalid size %d", fingerprint, len(data))
	}
	return ed25519.PublicKey(data), nil
}

// Remove deletes a trusted key
func (ts *TrustStore) Remove(fingerprint string) error {
	if err := os.Remove(filepath.Join(ts.dir, fingerprint)); err != nil {
		return fmt.Errorf("failed to remove trusted key: %w", err)
	}
	return nil
}

// List returns the fingerprints of all trusted keys
func (ts *TrustStore) List() ([]string, error) {
	entries, err := os.ReadDir(ts.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list trusted keys: %w", err)
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// IsTrusted reports whether a public key is in the store
func (ts *TrustStore) IsTrusted(pub ed25519.PublicKey) bool {
	stored, err := ts.Get(Fingerprint(pub))
	if err != nil {
		return false
	}
	return stored.Equal(pub)
}
