package crypto

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/mr-tron/base58"
)

func encodeRecoveryKey(t *testing.T, key [32]byte) string {
	t.Helper()
	buf := make([]byte, 0, 35)
	buf = append(buf, 0x8B, 0x01)
	buf = append(buf, key[:]...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)
	return base58.Encode(buf)
}

func TestUnlocker_DeriveFromPassphrase_RequiresPBKDF2(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	_, err := u.DeriveFromPassphrase("hunter2", &PassphraseParams{Algorithm: "m.something.else"})
	var unlockErr *UnlockError
	if !errors.As(err, &unlockErr) || unlockErr.Code != UnlockErrorUnsupportedAlgorithm {
		t.Fatalf("expected UnlockErrorUnsupportedAlgorithm, got %v", err)
	}
}

func TestUnlocker_DeriveFromPassphrase_NilParams(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	_, err := u.DeriveFromPassphrase("hunter2", nil)
	var unlockErr *UnlockError
	if !errors.As(err, &unlockErr) || unlockErr.Code != UnlockErrorUnsupportedAlgorithm {
		t.Fatalf("expected UnlockErrorUnsupportedAlgorithm for nil params, got %v", err)
	}
}

func TestUnlocker_DeriveFromPassphrase_Deterministic(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	params := &PassphraseParams{Algorithm: algorithmPBKDF2, Salt: "somesalt", Iterations: 1000}

	k1, err := u.DeriveFromPassphrase("hunter2", params)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := u.DeriveFromPassphrase("hunter2", params)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if k1 != k2 {
		t.Fatal("derivation should be deterministic for identical inputs")
	}
}

func TestUnlocker_DeriveFromRecoveryKey_RoundTrip(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	var want [32]byte
	rand.Read(want[:])
	encoded := encodeRecoveryKey(t, want)

	got, err := u.DeriveFromRecoveryKey(encoded)
	if err != nil {
		t.Fatalf("derive from recovery key: %v", err)
	}
	if got != want {
		t.Fatalf("got %x, want %x", got, want)
	}
}

func TestUnlocker_DeriveFromRecoveryKey_IgnoresWhitespace(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	var want [32]byte
	rand.Read(want[:])
	encoded := encodeRecoveryKey(t, want)
	spaced := encoded[:4] + " " + encoded[4:8] + "\t" + encoded[8:]

	got, err := u.DeriveFromRecoveryKey(spaced)
	if err != nil {
		t.Fatalf("derive from recovery key: %v", err)
	}
	if got != want {
		t.Fatal("whitespace in the recovery key should be stripped before decoding")
	}
}

func TestUnlocker_DeriveFromRecoveryKey_WrongPrefix(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	var key [32]byte
	rand.Read(key[:])
	buf := make([]byte, 0, 35)
	buf = append(buf, 0x01, 0x01) // wrong prefix
	buf = append(buf, key[:]...)
	var parity byte
	for _, b := range buf {
		parity ^= b
	}
	buf = append(buf, parity)

	_, err := u.DeriveFromRecoveryKey(base58.Encode(buf))
	var unlockErr *UnlockError
	if !errors.As(err, &unlockErr) || unlockErr.Code != UnlockErrorWrongKey {
		t.Fatalf("expected UnlockErrorWrongKey for bad prefix, got %v", err)
	}
}

func TestUnlocker_DeriveFromRecoveryKey_BadParity(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	var key [32]byte
	rand.Read(key[:])
	encoded := encodeRecoveryKey(t, key)
	decoded, _ := base58.Decode(encoded)
	decoded[34] ^= 0xFF // corrupt the parity byte

	_, err := u.DeriveFromRecoveryKey(base58.Encode(decoded))
	var unlockErr *UnlockError
	if !errors.As(err, &unlockErr) || unlockErr.Code != UnlockErrorWrongKey {
		t.Fatalf("expected UnlockErrorWrongKey for bad parity, got %v", err)
	}
}

func TestUnlocker_DeriveFromRecoveryKey_WrongLength(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	_, err := u.DeriveFromRecoveryKey(base58.Encode([]byte{0x8B, 0x01, 0x00}))
	var unlockErr *UnlockError
	if !errors.As(err, &unlockErr) || unlockErr.Code != UnlockErrorWrongKey {
		t.Fatalf("expected UnlockErrorWrongKey for wrong length, got %v", err)
	}
}

func TestUnlocker_Validate_RoundTrip(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	var key [32]byte
	rand.Read(key[:])

	desc := &KeyDescription{Algorithm: algorithmAESHMACSHA2}
	aesKey, macKey, err := u.prim.HKDFSha256(key[:], make([]byte, 32), nil)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	var iv [aesBlockSize]byte
	testCipher, err := u.prim.AESCTR256Encrypt(make([]byte, 32), aesKey[:], iv)
	if err != nil {
		t.Fatalf("encrypt test cipher: %v", err)
	}
	desc.MAC = u.prim.HMACSha256(macKey[:], testCipher)

	if err := u.Validate(key, desc); err != nil {
		t.Fatalf("expected key to validate against its own test mac: %v", err)
	}
}

func TestUnlocker_Validate_WrongKey(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	var key, otherKey [32]byte
	rand.Read(key[:])
	rand.Read(otherKey[:])

	desc := &KeyDescription{Algorithm: algorithmAESHMACSHA2}
	aesKey, macKey, _ := u.prim.HKDFSha256(key[:], make([]byte, 32), nil)
	var iv [aesBlockSize]byte
	testCipher, _ := u.prim.AESCTR256Encrypt(make([]byte, 32), aesKey[:], iv)
	desc.MAC = u.prim.HMACSha256(macKey[:], testCipher)

	err := u.Validate(otherKey, desc)
	var unlockErr *UnlockError
	if !errors.As(err, &unlockErr) || unlockErr.Code != UnlockErrorWrongKey {
		t.Fatalf("expected UnlockErrorWrongKey, got %v", err)
	}
}

func TestUnlocker_Validate_UnsupportedAlgorithm(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	var key [32]byte
	desc := &KeyDescription{Algorithm: "m.unknown"}

	err := u.Validate(key, desc)
	var unlockErr *UnlockError
	if !errors.As(err, &unlockErr) || unlockErr.Code != UnlockErrorUnsupportedAlgorithm {
		t.Fatalf("expected UnlockErrorUnsupportedAlgorithm, got %v", err)
	}
}

func TestUnlocker_DecryptSecret_RoundTrip(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	var key [32]byte
	rand.Read(key[:])

	plaintext := []byte("m.cross_signing.self_signing private key bytes")
	aesKey, macKey, _ := u.prim.HKDFSha256(key[:], make([]byte, 32), []byte("m.cross_signing.self_signing"))
	var iv [aesBlockSize]byte
	ciphertext, err := u.prim.AESCTR256Encrypt(plaintext, aesKey[:], iv)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	mac := u.prim.HMACSha256(macKey[:], ciphertext)

	got, err := u.DecryptSecret(key, "m.cross_signing.self_signing", &EncryptedSecret{}, iv[:], ciphertext, mac)
	if err != nil {
		t.Fatalf("decrypt secret: %v", err)
	}
	if string(got) != string(plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestUnlocker_DecryptSecret_BadMAC(t *testing.T) {
	u := NewUnlocker(NewPrimitives())
	var key [32]byte
	rand.Read(key[:])

	aesKey, _, _ := u.prim.HKDFSha256(key[:], make([]byte, 32), []byte("m.megolm_backup.v1"))
	var iv [aesBlockSize]byte
	ciphertext, _ := u.prim.AESCTR256Encrypt([]byte("secret"), aesKey[:], iv)

	_, err := u.DecryptSecret(key, "m.megolm_backup.v1", &EncryptedSecret{}, iv[:], ciphertext, []byte("not the real mac!!"))
	var unlockErr *UnlockError
	if !errors.As(err, &unlockErr) || unlockErr.Code != UnlockErrorInvalidSignature {
		t.Fatalf("expected UnlockErrorInvalidSignature, got %v", err)
	}
}
