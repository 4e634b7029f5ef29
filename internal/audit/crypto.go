package audit

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/sha3"

	"github.com/jglowsoap/jimini/internal/config"
)

// Hasher names a digest algorithm and computes it. The name travels in every
// record's algo_labels so verification can replay mixed-algorithm chains.
type Hasher struct {
	Name string
	fn   func([]byte) []byte
}

// Sum digests the canonical record bytes.
func (h Hasher) Sum(b []byte) []byte { return h.fn(b) }

// NewHasher resolves the configured algorithm, defaulting to sha3_256 on
// anything unrecognized so a bad environment never halts auditing.
func NewHasher(name string) Hasher {
	switch name {
	case "sha3_512":
		return Hasher{Name: "sha3_512", fn: func(b []byte) []byte {
			sum := sha3.Sum512(b)
			return sum[:]
		}}
	case "sha256":
		return Hasher{Name: "sha256", fn: func(b []byte) []byte {
			sum := sha256.Sum256(b)
			return sum[:]
		}}
	default:
		return Hasher{Name: "sha3_256", fn: func(b []byte) []byte {
			sum := sha3.Sum256(b)
			return sum[:]
		}}
	}
}

// HasherByLabel returns the hasher a persisted record declares. Unknown labels
// report an error instead of silently recomputing with the wrong algorithm.
func HasherByLabel(label string) (Hasher, error) {
	switch label {
	case "sha3_256", "sha3_512", "sha256":
		return NewHasher(label), nil
	default:
		return Hasher{}, fmt.Errorf("audit: unknown hash label %q", label)
	}
}

// Signer optionally signs record hashes with Ed25519. A nil or disabled
// signer labels records sig "none" and leaves signature absent.
type Signer struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewSigner loads the configured key pair. Any algorithm other than ed25519
// yields a nil (disabled) signer and a nil error. A key that cannot be loaded
// (missing file, not PEM, wrong key type) yields a nil signer and an error for
// the caller to log before continuing unsigned: records stay chained either
// way. An unreadable public key is ignored.
func NewSigner(cfg config.AuditConfig) (*Signer, error) {
	if cfg.SigAlgo != "ed25519" {
		return nil, nil
	}
	priv, err := loadPrivateKey(cfg.SigningKey)
	if err != nil {
		return nil, err
	}
	s := &Signer{priv: priv}
	if cfg.SigningPub != "" {
		if pub, err := LoadPublicKey(cfg.SigningPub); err == nil {
			s.pub = pub
		}
	}
	return s, nil
}

// Label reports the signature algorithm recorded in algo_labels.
func (s *Signer) Label() string {
	if s == nil || s.priv == nil {
		return "none"
	}
	return "ed25519"
}

// Sign produces a detached signature over the record hash, or nil when
// signing is disabled.
func (s *Signer) Sign(recordHash string) []byte {
	if s == nil || s.priv == nil {
		return nil
	}
	return ed25519.Sign(s.priv, []byte(recordHash))
}

// Verify checks a detached signature against the signer's public key.
func (s *Signer) Verify(recordHash string, sig []byte) bool {
	if s == nil || len(s.pub) == 0 {
		return false
	}
	return ed25519.Verify(s.pub, []byte(recordHash), sig)
}

func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read signing key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("audit: signing key %s is not PEM", path)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("audit: parse signing key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("audit: signing key %s is not ed25519", path)
	}
	return priv, nil
}

// LoadPublicKey reads a PEM-encoded Ed25519 public key, as used by NewSigner
// for the configured audit.signingPub.
func LoadPublicKey(path string) (ed25519.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("audit: read public key: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("audit: public key %s is not PEM", path)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("audit: parse public key: %w", err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("audit: public key %s is not ed25519", path)
	}
	return pub, nil
}
