package crypto

import (
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// x25519SharedSecret computes the X25519 shared secret between a local
// private scalar and a peer's public point, used by
// Curve25519AesSha2Decrypt to derive the key-backup per-session key.
func x25519SharedSecret(privateKey, peerPublic []byte) ([]byte, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, fmt.Errorf("x25519: private key must be %d bytes, got %d", curve25519.ScalarSize, len(privateKey))
	}
	if len(peerPublic) != curve25519.PointSize {
		return nil, fmt.Errorf("x25519: public key must be %d bytes, got %d", curve25519.PointSize, len(peerPublic))
	}
	shared, err := curve25519.X25519(privateKey, peerPublic)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", err)
	}
	return shared, nil
}

// x25519PublicKey derives the Curve25519 public point for a private scalar,
// used to cross-check a key-backup version's advertised public_key against
// the decrypted backup private key rather than any signature.
func x25519PublicKey(privateKey []byte) ([]byte, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, fmt.Errorf("x25519: private key must be %d bytes, got %d", curve25519.ScalarSize, len(privateKey))
	}
	pub, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("x25519: derive public key: %w", err)
	}
	return pub, nil
}
