package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"testing"
)

func TestHKDFSha256_Deterministic(t *testing.T) {
	p := NewPrimitives()
	ikm := []byte("input key material")
	salt := make([]byte, 32)
	info := []byte("m.megolm_backup.v1")

	aesKey1, macKey1, err := p.HKDFSha256(ikm, salt, info)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	aesKey2, macKey2, err := p.HKDFSha256(ikm, salt, info)
	if err != nil {
		t.Fatalf("hkdf: %v", err)
	}
	if aesKey1 != aesKey2 || macKey1 != macKey2 {
		t.Fatal("hkdf output not deterministic for identical inputs")
	}
	if aesKey1 == macKey1 {
		t.Fatal("aes and mac keys should not collide")
	}
}

func TestAESCTR256_RoundTrip(t *testing.T) {
	p := NewPrimitives()
	key := make([]byte, 32)
	rand.Read(key)
	var iv [aesBlockSize]byte
	rand.Read(iv[:])

	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ciphertext, err := p.AESCTR256Encrypt(plaintext, key, iv)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if string(ciphertext) == string(plaintext) {
		t.Fatal("ciphertext should not equal plaintext")
	}

	decrypted, err := p.AESCTR256Decrypt(ciphertext, key, iv)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Fatalf("round trip mismatch: got %q, want %q", decrypted, plaintext)
	}
}

func TestHMACSha256_Consistent(t *testing.T) {
	p := NewPrimitives()
	key := []byte("mac key")
	msg := []byte("message")

	mac1 := p.HMACSha256(key, msg)
	mac2 := p.HMACSha256(key, msg)
	if string(mac1) != string(mac2) {
		t.Fatal("hmac not consistent for identical inputs")
	}

	mac3 := p.HMACSha256(key, []byte("different message"))
	if string(mac1) == string(mac3) {
		t.Fatal("hmac should differ for different messages")
	}
}

func TestPBKDF2HmacSha512_Deterministic(t *testing.T) {
	p := NewPrimitives()
	password := []byte("correct horse battery staple")
	salt := []byte("some salt")

	key1 := p.PBKDF2HmacSha512(password, salt, 10000)
	key2 := p.PBKDF2HmacSha512(password, salt, 10000)
	if key1 != key2 {
		t.Fatal("pbkdf2 output not deterministic for identical inputs")
	}

	key3 := p.PBKDF2HmacSha512(password, salt, 10001)
	if key1 == key3 {
		t.Fatal("pbkdf2 output should differ for a different iteration count")
	}
}

func TestEd25519Verify_RoundTrip(t *testing.T) {
	p := NewPrimitives()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	msg := []byte(`{"canonical":"json"}`)
	sig := ed25519.Sign(priv, msg)

	if !p.Ed25519Verify(pub, msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if p.Ed25519Verify(pub, []byte("tampered"), sig) {
		t.Fatal("expected signature verification to fail for tampered message")
	}
}

func TestEd25519Verify_RejectsWrongSizes(t *testing.T) {
	p := NewPrimitives()
	if p.Ed25519Verify(nil, []byte("msg"), nil) {
		t.Fatal("expected false for empty key and signature")
	}
}

func TestBase58Decode(t *testing.T) {
	p := NewPrimitives()
	_, err := p.Base58Decode("not-valid-base58-!!!")
	if err == nil {
		t.Fatal("expected error for invalid base58 input")
	}
}

func TestCanonicalJSON_SortsKeysAndStripsSignatures(t *testing.T) {
	p := NewPrimitives()
	input := map[string]interface{}{
		"b":          2,
		"a":          1,
		"signatures": map[string]interface{}{"someone": "sig"},
		"unsigned":   map[string]interface{}{"age": 1},
	}
	out, err := p.CanonicalJSON(input)
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	want := `{"a":1,"b":2}`
	if string(out) != want {
		t.Fatalf("canonical json = %q, want %q", out, want)
	}
}

func TestCanonicalJSON_StripsNestedSignatures(t *testing.T) {
	p := NewPrimitives()
	input := map[string]interface{}{
		"content": map[string]interface{}{
			"z":          "val",
			"signatures": map[string]interface{}{"x": "y"},
		},
	}
	out, err := p.CanonicalJSON(input)
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	want := `{"content":{"z":"val"}}`
	if string(out) != want {
		t.Fatalf("canonical json = %q, want %q", out, want)
	}
}

func TestCanonicalJSON_NoWhitespace(t *testing.T) {
	p := NewPrimitives()
	input := map[string]interface{}{"array": []interface{}{1, 2, 3}}
	out, err := p.CanonicalJSON(input)
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	want := `{"array":[1,2,3]}`
	if string(out) != want {
		t.Fatalf("canonical json = %q, want %q", out, want)
	}
}

func TestCurve25519AesSha2Decrypt_RejectsBadMAC(t *testing.T) {
	p := NewPrimitives()
	var priv [32]byte
	rand.Read(priv[:])

	_, err := p.Curve25519AesSha2Decrypt([]byte("ciphertext"), priv[:], make([]byte, 32), []byte("bad mac"))
	if err == nil {
		t.Fatal("expected error for bad mac / invalid peer key")
	}
}
