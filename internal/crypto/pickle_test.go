package crypto

import (
	"context"
	"errors"
	"testing"
)

func TestMockPicklingKeyProvider_ReturnsFixedKey(t *testing.T) {
	var key PickleKey
	for i := range key {
		key[i] = byte(i)
	}
	p := NewMockPicklingKeyProvider(key)

	got, err := p.GetOrCreate(context.Background(), "any-account")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if got != key {
		t.Fatalf("got %v, want %v", got, key)
	}

	got2, err := p.GetOrCreate(context.Background(), "different-account")
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if got2 != key {
		t.Fatal("mock provider must return the same fixed key regardless of account id")
	}
}

func TestDecodePickleKey_WrongLength(t *testing.T) {
	_, err := decodePickleKey("too short")
	if err == nil {
		t.Fatal("expected error for wrong-length pickle key")
	}
	if !errors.Is(err, ErrPickleKeyWrongLength) {
		t.Fatalf("expected ErrPickleKeyWrongLength, got %v", err)
	}
}

func TestDecodePickleKey_CorrectLength(t *testing.T) {
	raw := make([]byte, pickleKeyLength)
	for i := range raw {
		raw[i] = byte(i)
	}
	key, err := decodePickleKey(string(raw))
	if err != nil {
		t.Fatalf("decode pickle key: %v", err)
	}
	if string(key[:]) != string(raw) {
		t.Fatal("decoded key does not match input bytes")
	}
}

func TestEncodeDecodePickleKey_RoundTrip(t *testing.T) {
	raw := make([]byte, pickleKeyLength)
	for i := range raw {
		raw[i] = byte(255 - i)
	}
	encoded := encodePickleKey(raw)
	key, err := decodePickleKey(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(key[:]) != string(raw) {
		t.Fatal("round trip through encode/decode changed the key bytes")
	}
}
