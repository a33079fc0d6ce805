package crypto

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"
)

const pickleKeyLength = 32

// PickleKey is the 32-byte symmetric key used to encrypt every persisted
// crypto blob at rest (spec.md §3, §4.1).
type PickleKey [pickleKeyLength]byte

// PicklingKeyProvider is the C1 component: a passive capability that
// supplies (and, on first use, creates) the pickling key for an account.
// A length mismatch on read is a fatal configuration fault and must not be
// silently repaired by generating a new key (spec.md §4.1, §7 class 1).
type PicklingKeyProvider interface {
	GetOrCreate(ctx context.Context, accountID string) (PickleKey, error)
}

// keyringProvider stores the pickling key in the OS credential store via
// github.com/zalando/go-keyring, under the identifier "{accountID}-Pickle"
// (spec.md §4.1). This is the only component in the core that touches the
// OS keyring; everything else consumes the 32-byte key it returns.
type keyringProvider struct {
	log     *slog.Logger
	service string
}

// NewKeyringPicklingKeyProvider returns a PicklingKeyProvider backed by the
// OS keyring (Keychain / Credential Manager / Secret Service, depending on
// platform).
func NewKeyringPicklingKeyProvider(log *slog.Logger, service string) PicklingKeyProvider {
	return &keyringProvider{log: log, service: service}
}

func (p *keyringProvider) GetOrCreate(_ context.Context, accountID string) (PickleKey, error) {
	account := accountID + "-Pickle"
	var zero PickleKey

	stored, err := keyring.Get(p.service, account)
	if err == nil {
		return decodePickleKey(stored)
	}
	if err != keyring.ErrNotFound {
		return zero, fmt.Errorf("pickling key provider: read keyring: %w", err)
	}

	key := make([]byte, pickleKeyLength)
	if _, err := rand.Read(key); err != nil {
		return zero, fmt.Errorf("pickling key provider: generate key: %w", err)
	}
	if err := keyring.Set(p.service, account, encodePickleKey(key)); err != nil {
		return zero, fmt.Errorf("pickling key provider: store new key: %w", err)
	}
	p.log.Info("generated new pickling key", "account_id", accountID)

	var out PickleKey
	copy(out[:], key)
	return out, nil
}

func decodePickleKey(s string) (PickleKey, error) {
	var out PickleKey
	raw := []byte(s)
	if len(raw) != pickleKeyLength {
		return out, fmt.Errorf("pickling key provider: %w: got %d bytes, want %d", ErrPickleKeyWrongLength, len(raw), pickleKeyLength)
	}
	copy(out[:], raw)
	return out, nil
}

func encodePickleKey(key []byte) string { return string(key) }

// mockProvider returns a fixed sentinel key. internal/daemon constructs it
// whenever the config sets crypto.pickling_key_mode to "mock"; nothing else
// limits its use to test configurations.
type mockProvider struct {
	key PickleKey
}

// NewMockPicklingKeyProvider returns a PicklingKeyProvider that always
// returns the given fixed key, for deterministic tests (spec.md §8 scenario
// 1 uses the all-zero key).
func NewMockPicklingKeyProvider(key PickleKey) PicklingKeyProvider {
	return &mockProvider{key: key}
}

func (p *mockProvider) GetOrCreate(_ context.Context, _ string) (PickleKey, error) {
	return p.key, nil
}
