package crypto

import (
	"crypto/hmac"
	"fmt"
	"strings"
)

// SSSS algorithm identifiers, as advertised in m.secret_storage.key.* account
// data (spec.md §4.8).
const (
	algorithmAESHMACSHA2 = "m.secret_storage.v1.aes-hmac-sha2"
	algorithmPBKDF2      = "m.pbkdf2"
)

// KeyDescription is the decoded form of one m.secret_storage.key.{key_id}
// account-data event (spec.md §4.8).
type KeyDescription struct {
	KeyID     string
	Algorithm string
	IV        []byte // required for m.secret_storage.v1.aes-hmac-sha2
	MAC       []byte
	Passphrase *PassphraseParams // nil when the key can only be unlocked with a recovery key
}

// PassphraseParams is the m.pbkdf2 passphrase-derivation description.
type PassphraseParams struct {
	Algorithm  string
	Salt       string
	Iterations int
	Bits       int
}

// EncryptedSecret is one value out of an m.secret_storage encrypted secret
// account-data event's "encrypted" map, keyed by key id (spec.md §4.8).
type EncryptedSecret struct {
	IV         string
	Ciphertext string
	MAC        string
}

// Unlocker is the C8 SSSS Unlocker: it turns a passphrase or recovery key
// into the 32-byte SSSS key, validates it against the key description's
// test MAC, and decrypts secrets under it (spec.md §4.8). It terminates on
// the first of five UnlockErrorCodes rather than retrying.
type Unlocker struct {
	prim Primitives
}

func NewUnlocker(prim Primitives) *Unlocker {
	return &Unlocker{prim: prim}
}

// DeriveFromPassphrase implements unlockSSSSWithPassphrase: only
// m.pbkdf2 is supported (spec.md §4.8).
func (u *Unlocker) DeriveFromPassphrase(passphrase string, params *PassphraseParams) ([32]byte, error) {
	var zero [32]byte
	if params == nil {
		return zero, newUnlockError(UnlockErrorUnsupportedAlgorithm, fmt.Errorf("key description has no passphrase parameters"))
	}
	if params.Algorithm != algorithmPBKDF2 {
		return zero, newUnlockError(UnlockErrorUnsupportedAlgorithm, fmt.Errorf("unsupported passphrase algorithm %q", params.Algorithm))
	}
	iterations := params.Iterations
	if iterations <= 0 {
		iterations = 500000
	}
	return u.prim.PBKDF2HmacSha512([]byte(passphrase), []byte(params.Salt), iterations), nil
}

// DeriveFromRecoveryKey implements unlockSSSSFromSecurityKey: strip
// whitespace, base58-decode, check the fixed 35-byte length and the
// 0x8B 0x01 prefix before the parity check (matching the reference order
// exactly — an unrecognized prefix is reported as such rather than folded
// into a generic parity failure), then validate parity and return the
// inner 32 bytes (spec.md §4.8).
func (u *Unlocker) DeriveFromRecoveryKey(recoveryKey string) ([32]byte, error) {
	var zero [32]byte
	stripped := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' {
			return -1
		}
		return r
	}, recoveryKey)

	decoded, err := u.prim.Base58Decode(stripped)
	if err != nil {
		return zero, newUnlockError(UnlockErrorWrongKey, fmt.Errorf("decode recovery key: %w", err))
	}
	if len(decoded) != 35 {
		return zero, newUnlockError(UnlockErrorWrongKey, fmt.Errorf("recovery key has wrong length: %d", len(decoded)))
	}
	if decoded[0] != 0x8B || decoded[1] != 0x01 {
		return zero, newUnlockError(UnlockErrorWrongKey, fmt.Errorf("recovery key has unrecognized prefix"))
	}

	var parity byte
	for _, b := range decoded {
		parity ^= b
	}
	if parity != 0 {
		return zero, newUnlockError(UnlockErrorWrongKey, fmt.Errorf("recovery key failed parity check"))
	}

	var out [32]byte
	copy(out[:], decoded[2:34])
	return out, nil
}

// Validate implements unlockAndLoad's test-MAC check: HKDF(key, zeros32,
// info="") yields an AES key and a MAC key; AES-CTR-encrypting 32 zero
// bytes under the AES key with desc.IV (all-zero when desc.IV is empty) and
// HMAC-ing the result under the MAC key must
// equal desc.MAC, confirming the key matches the description before it is
// trusted for any secret (spec.md §4.8).
func (u *Unlocker) Validate(key [32]byte, desc *KeyDescription) error {
	if desc.Algorithm != algorithmAESHMACSHA2 {
		return newUnlockError(UnlockErrorUnsupportedAlgorithm, fmt.Errorf("unsupported key algorithm %q", desc.Algorithm))
	}
	aesKey, macKey, err := u.prim.HKDFSha256(key[:], make([]byte, 32), nil)
	if err != nil {
		return newUnlockError(UnlockErrorDecryption, err)
	}
	var iv [aesBlockSize]byte
	copy(iv[:], desc.IV)
	zeros := make([]byte, 32)
	testCipher, err := u.prim.AESCTR256Encrypt(zeros, aesKey[:], iv)
	if err != nil {
		return newUnlockError(UnlockErrorDecryption, err)
	}
	mac := u.prim.HMACSha256(macKey[:], testCipher)
	if len(desc.MAC) == 0 || !hmac.Equal(mac[:len(desc.MAC)], desc.MAC) {
		return newUnlockError(UnlockErrorWrongKey, fmt.Errorf("test mac did not match"))
	}
	return nil
}

// DecryptSecret implements decryptKey: HKDF(key, zeros32, info=secretName)
// derives a per-secret AES/MAC key pair (the secret's name salts the
// derivation so the same SSSS key yields a different sub-key per secret),
// the MAC is verified before decryption is attempted, and the ciphertext is
// decrypted with the supplied ivBytes as the 16-byte IV (spec.md §4.8).
func (u *Unlocker) DecryptSecret(key [32]byte, secretName string, secret *EncryptedSecret, ivBytes, ciphertext, macBytes []byte) ([]byte, error) {
	aesKey, macKey, err := u.prim.HKDFSha256(key[:], make([]byte, 32), []byte(secretName))
	if err != nil {
		return nil, newUnlockError(UnlockErrorDecryption, err)
	}
	mac := u.prim.HMACSha256(macKey[:], ciphertext)
	if !hmac.Equal(mac, macBytes) {
		return nil, newUnlockError(UnlockErrorInvalidSignature, fmt.Errorf("secret %q: mac mismatch", secretName))
	}
	var iv [aesBlockSize]byte
	copy(iv[:], ivBytes)
	plaintext, err := u.prim.AESCTR256Decrypt(ciphertext, aesKey[:], iv)
	if err != nil {
		return nil, newUnlockError(UnlockErrorDecryption, err)
	}
	return plaintext, nil
}
