package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// Primitives is the narrow capability interface the rest of the core uses
// for everything that isn't Olm/Megolm itself (spec.md §2 C2, §4.2). It has
// no I/O and no mutable state; every method is a pure function over its
// arguments. Keeping it as an interface (rather than bare package functions)
// lets tests substitute deterministic fakes without monkey-patching.
type Primitives interface {
	HKDFSha256(ikm, salt, info []byte) (aesKey, macKey [32]byte, err error)
	HMACSha256(key, msg []byte) []byte
	AESCTR256Encrypt(plaintext, key []byte, iv [aesBlockSize]byte) ([]byte, error)
	AESCTR256Decrypt(ciphertext, key []byte, iv [aesBlockSize]byte) ([]byte, error)
	PBKDF2HmacSha512(password, salt []byte, iterations int) [32]byte
	Ed25519Verify(pub ed25519.PublicKey, canonicalJSON []byte, sig []byte) bool
	Curve25519AesSha2Decrypt(ciphertext, recipientPrivateKey, ephemeralPub, mac []byte) ([]byte, error)
	Base58Decode(s string) ([]byte, error)
	CanonicalJSON(v interface{}) ([]byte, error)
}

const aesBlockSize = 16

// primitives is the production Primitives implementation.
type primitives struct{}

// NewPrimitives returns the standard Primitives facade, backed by the Go
// standard library plus golang.org/x/crypto for HKDF and PBKDF2 and
// github.com/mr-tron/base58 for the recovery-key encoding.
func NewPrimitives() Primitives { return primitives{} }

// HKDFSha256 implements the 64-byte-output HKDF used throughout SSSS
// (spec.md §4.2, §4.8): the first 32 bytes are the AES-CTR key, the last 32
// are the HMAC key.
func (primitives) HKDFSha256(ikm, salt, info []byte) (aesKey, macKey [32]byte, err error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	var out [64]byte
	if _, err = io.ReadFull(r, out[:]); err != nil {
		return aesKey, macKey, fmt.Errorf("hkdf-sha256: %w", err)
	}
	copy(aesKey[:], out[:32])
	copy(macKey[:], out[32:])
	return aesKey, macKey, nil
}

func (primitives) HMACSha256(key, msg []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	return mac.Sum(nil)
}

func (primitives) AESCTR256Encrypt(plaintext, key []byte, iv [aesBlockSize]byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes-ctr-256 encrypt: %w", err)
	}
	out := make([]byte, len(plaintext))
	cipher.NewCTR(block, iv[:]).XORKeyStream(out, plaintext)
	return out, nil
}

// AESCTR256Decrypt is identical to AESCTR256Encrypt: CTR mode is its own
// inverse. Kept as a separate method so callers read as symmetric intent.
func (p primitives) AESCTR256Decrypt(ciphertext, key []byte, iv [aesBlockSize]byte) ([]byte, error) {
	return p.AESCTR256Encrypt(ciphertext, key, iv)
}

func (primitives) PBKDF2HmacSha512(password, salt []byte, iterations int) [32]byte {
	derived := pbkdf2.Key(password, salt, iterations, 32, sha512.New)
	var out [32]byte
	copy(out[:], derived)
	return out
}

func (primitives) Ed25519Verify(pub ed25519.PublicKey, canonicalJSON []byte, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, canonicalJSON, sig)
}

// Curve25519AesSha2Decrypt implements the m.megolm_backup.v1 per-session
// hybrid decryption (spec.md §4.8 step 3, §6): an ephemeral Curve25519
// public key and our static private key produce a shared secret via X25519,
// which is expanded with HKDF (zero salt, empty info) into an AES-CTR key
// and a MAC key; the ciphertext is then decrypted with an all-zero IV.
func (p primitives) Curve25519AesSha2Decrypt(ciphertext, recipientPrivateKey, ephemeralPub, mac []byte) ([]byte, error) {
	shared, err := x25519SharedSecret(recipientPrivateKey, ephemeralPub)
	if err != nil {
		return nil, fmt.Errorf("curve25519-aes-sha2 decrypt: derive shared secret: %w", err)
	}
	aesKey, macKey, err := p.HKDFSha256(shared, make([]byte, 32), nil)
	if err != nil {
		return nil, fmt.Errorf("curve25519-aes-sha2 decrypt: %w", err)
	}
	gotMAC := p.HMACSha256(macKey[:], ciphertext)
	if !hmac.Equal(gotMAC[:len(mac)], mac) {
		return nil, fmt.Errorf("curve25519-aes-sha2 decrypt: %w", ErrSignatureMismatch)
	}
	var iv [aesBlockSize]byte
	return p.AESCTR256Decrypt(ciphertext, aesKey[:], iv)
}

func (primitives) Base58Decode(s string) ([]byte, error) {
	decoded, err := base58.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("base58 decode: %w", err)
	}
	return decoded, nil
}

// CanonicalJSON produces sorted-key, whitespace-free JSON with any
// "signatures" and "unsigned" members stripped at every level, as required for
// every signing/verification context (spec.md §4.2, GLOSSARY).
func (primitives) CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: marshal: %w", err)
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical json: unmarshal: %w", err)
	}
	stripSignatures(generic)
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, generic); err != nil {
		return nil, fmt.Errorf("canonical json: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func stripSignatures(v interface{}) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return
	}
	delete(m, "signatures")
	delete(m, "unsigned")
	for _, child := range m {
		stripSignatures(child)
	}
}

// encodeCanonical writes v as JSON with object keys sorted and no
// insignificant whitespace. encoding/json's default map ordering is already
// sorted for map[string]interface{}, but we walk explicitly so nested
// objects decoded into interface{} (which also come back as
// map[string]interface{}) are sorted the same way at every depth, and so
// that we never depend on that encoding/json implementation detail.
func encodeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		buf.WriteByte('{')
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []interface{}:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}
