package audit

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/stackpilot/core/pkg/canonicalize"
)

// KeyProvider abstracts the anchor signing key so the in-memory backend
// can be swapped for an HSM or cloud KMS.
type KeyProvider interface {
	Sign(msg []byte) ([]byte, error)
	PublicKey() ed25519.PublicKey
}

// MemoryKeyProvider holds an ephemeral ed25519 key. Anchors signed with
// it do not survive a restart; use a derived provider in production.
type MemoryKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func NewMemoryKeyProvider() (*MemoryKeyProvider, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &MemoryKeyProvider{pub: pub, priv: priv}, nil
}

func (m *MemoryKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(m.priv, msg), nil
}

func (m *MemoryKeyProvider) PublicKey() ed25519.PublicKey { return m.pub }

// DerivedKeyProvider derives a stable ed25519 key from a root secret
// via HKDF, so restarts with the same secret verify old anchors.
type DerivedKeyProvider struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

const anchorKeySalt = "stackpilot/anchor-signing/v1"

func NewDerivedKeyProvider(rootSecret []byte) (*DerivedKeyProvider, error) {
	if len(rootSecret) == 0 {
		return nil, fmt.Errorf("audit: empty root secret")
	}
	r := hkdf.New(sha256.New, rootSecret, []byte(anchorKeySalt), []byte("anchor-ed25519"))
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("audit: derive anchor key: %w", err)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &DerivedKeyProvider{pub: priv.Public().(ed25519.PublicKey), priv: priv}, nil
}

func (d *DerivedKeyProvider) Sign(msg []byte) ([]byte, error) {
	return ed25519.Sign(d.priv, msg), nil
}

func (d *DerivedKeyProvider) PublicKey() ed25519.PublicKey { return d.pub }

// Keyring signs and verifies anchors.
type Keyring struct {
	provider KeyProvider
}

func NewKeyring(p KeyProvider) *Keyring {
	return &Keyring{provider: p}
}

// SignAnchor signs the anchor's canonical form (sans signature fields)
// and stamps the signature and public key onto it.
func (k *Keyring) SignAnchor(a *Anchor) error {
	msg, err := anchorMessage(a)
	if err != nil {
		return err
	}
	sig, err := k.provider.Sign(msg)
	if err != nil {
		return err
	}
	a.Signature = hex.EncodeToString(sig)
	a.PublicKey = hex.EncodeToString(k.provider.PublicKey())
	return nil
}

// VerifyAnchor checks an anchor's signature against its embedded key.
func VerifyAnchor(a *Anchor) (bool, error) {
	if a.Signature == "" || a.PublicKey == "" {
		return false, fmt.Errorf("audit: anchor is unsigned")
	}
	msg, err := anchorMessage(a)
	if err != nil {
		return false, err
	}
	sig, err := hex.DecodeString(a.Signature)
	if err != nil {
		return false, fmt.Errorf("audit: bad anchor signature encoding: %w", err)
	}
	pub, err := hex.DecodeString(a.PublicKey)
	if err != nil {
		return false, fmt.Errorf("audit: bad anchor public key encoding: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("audit: anchor public key has wrong size")
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig), nil
}

func anchorMessage(a *Anchor) ([]byte, error) {
	return canonicalize.Canonical(struct {
		AnchorID      string `json:"anchor_id"`
		AnchorHash    string `json:"anchor_hash"`
		StartPosition uint64 `json:"start_position"`
		EndPosition   uint64 `json:"end_position"`
		EntryCount    int    `json:"entry_count"`
		CreatedAt     string `json:"created_at"`
	}{a.AnchorID, a.AnchorHash, a.StartPosition, a.EndPosition, a.EntryCount, a.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z07:00")})
}
