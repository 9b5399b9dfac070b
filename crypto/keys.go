package crypto

import (
	"crypto/ed25519"
	cryptorand "crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// Base58Check version bytes, per spec §6.
const (
	privateKeyVersion byte = 11
	publicKeyVersion  byte = 88
)

// PrivateKey is an Ed25519 private key (64 raw bytes).
type PrivateKey struct {
	raw ed25519.PrivateKey
}

// PublicKey is an Ed25519 public key (32 raw bytes).
type PublicKey struct {
	raw ed25519.PublicKey
}

// GenerateKeyPair creates a fresh Ed25519 identity.
func GenerateKeyPair() (PrivateKey, PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(cryptorand.Reader)
	if err != nil {
		return PrivateKey{}, PublicKey{}, err
	}
	return PrivateKey{raw: priv}, PublicKey{raw: pub}, nil
}

// Public returns the public key corresponding to k.
func (k PrivateKey) Public() PublicKey {
	return PublicKey{raw: k.raw.Public().(ed25519.PublicKey)}
}

// Sign signs msg, returning the raw Ed25519 signature.
func (k PrivateKey) Sign(msg []byte) []byte {
	return ed25519.Sign(k.raw, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg for pub.
func Verify(pub PublicKey, msg, sig []byte) bool {
	if len(pub.raw) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub.raw, msg, sig)
}

// Bytes returns the raw public key bytes.
func (p PublicKey) Bytes() []byte {
	out := make([]byte, len(p.raw))
	copy(out, p.raw)
	return out
}

// Bytes returns the raw private key bytes.
func (k PrivateKey) Bytes() []byte {
	out := make([]byte, len(k.raw))
	copy(out, k.raw)
	return out
}

// IsZero reports whether p is an empty (unset) public key.
func (p PublicKey) IsZero() bool {
	return len(p.raw) == 0
}

// Hash returns Base64(SHA256(pubkey)), the form identities take wherever they
// appear in ledger state (spec §6 "Key encoding").
func (p PublicKey) Hash() PublicKeyHash {
	sum := Sum(p.raw)
	var h PublicKeyHash
	copy(h[:], sum[:])
	return h
}

// PublicKeyHash is the SHA-256 digest of a public key, as used for miner
// identity hashes in block headers.
type PublicKeyHash [HashSize]byte

// String returns the base64 form used on the wire.
func (h PublicKeyHash) String() string {
	return base64.StdEncoding.EncodeToString(h[:])
}

// IsZero reports whether h is unset.
func (h PublicKeyHash) IsZero() bool {
	return h == PublicKeyHash{}
}

// MarshalJSON encodes h as its base64 wire form (spec §6 "Key encoding").
func (h PublicKeyHash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// UnmarshalJSON decodes h from its base64 wire form.
func (h *PublicKeyHash) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return errors.New("crypto: public key hash must be a JSON string")
	}
	raw, err := base64.StdEncoding.DecodeString(string(data[1 : len(data)-1]))
	if err != nil {
		return ErrBadEncoding
	}
	if len(raw) != HashSize {
		return ErrBadKeyLength
	}
	var out PublicKeyHash
	copy(out[:], raw)
	*h = out
	return nil
}

// EncodePrivateKey renders k as Base58Check with version 11.
func EncodePrivateKey(k PrivateKey) string {
	return base58.CheckEncode(k.Bytes(), privateKeyVersion)
}

// EncodePublicKey renders p as Base58Check with version 88.
func EncodePublicKey(p PublicKey) string {
	return base58.CheckEncode(p.Bytes(), publicKeyVersion)
}

// DecodePrivateKey parses a Base58Check-encoded private key, verifying the
// version byte.
func DecodePrivateKey(s string) (PrivateKey, error) {
	raw, version, err := base58.CheckDecode(s)
	if err != nil {
		return PrivateKey{}, ErrBadEncoding
	}
	if version != privateKeyVersion {
		return PrivateKey{}, ErrWrongKeyVersion
	}
	if len(raw) != ed25519.PrivateKeySize {
		return PrivateKey{}, ErrBadKeyLength
	}
	return PrivateKey{raw: ed25519.PrivateKey(raw)}, nil
}

// DecodePublicKey parses a Base58Check-encoded public key, verifying the
// version byte.
func DecodePublicKey(s string) (PublicKey, error) {
	raw, version, err := base58.CheckDecode(s)
	if err != nil {
		return PublicKey{}, ErrBadEncoding
	}
	if version != publicKeyVersion {
		return PublicKey{}, ErrWrongKeyVersion
	}
	if len(raw) != ed25519.PublicKeySize {
		return PublicKey{}, ErrBadKeyLength
	}
	return PublicKey{raw: ed25519.PublicKey(raw)}, nil
}

var (
	// ErrBadEncoding is returned when a Base58Check string fails checksum
	// validation.
	ErrBadEncoding = errors.New("crypto: invalid base58check encoding")
	// ErrWrongKeyVersion is returned when the decoded version byte does
	// not match the expected key kind.
	ErrWrongKeyVersion = errors.New("crypto: unexpected key version byte")
	// ErrBadKeyLength is returned when decoded key bytes are the wrong
	// length for the expected key kind.
	ErrBadKeyLength = errors.New("crypto: invalid key length")
)
