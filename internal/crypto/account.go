package crypto

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// otkUploadFraction is the one-time-key replenishment threshold from
// spec.md §4.7/§8 scenario 2: refill once the server-reported unused count
// drops below 40% of the account's maximum.
const otkUploadFraction = 0.4

// IdentityAccount wraps the libolm Account: the single piece of long-term
// key material every other component in the core is ultimately keyed off
// of (spec.md §3, §4.1). Pickle/Unpickle round-trips happen only here and
// in Store.{Load,Save}OlmAccount; nobody else sees the unpickled olm.Account.
type IdentityAccount struct {
	log     *slog.Logger
	store   *Store
	pickle  PicklingKeyProvider
	prim    Primitives
	acct    olm.Account
	userID  id.UserID
	deviceID id.DeviceID
}

func NewIdentityAccount(log *slog.Logger, store *Store, pickle PicklingKeyProvider, prim Primitives, userID id.UserID, deviceID id.DeviceID) *IdentityAccount {
	return &IdentityAccount{log: log, store: store, pickle: pickle, prim: prim, userID: userID, deviceID: deviceID}
}

// Load implements the Cold -> LoadingAccount transition (spec.md §4.7): an
// existing pickled account is restored, or a fresh one is generated and
// immediately persisted so a crash between generation and first save can
// never lose the only copy of the identity key.
func (a *IdentityAccount) Load(ctx context.Context) error {
	key, err := a.pickle.GetOrCreate(ctx, string(a.userID))
	if err != nil {
		return fmt.Errorf("load identity account: %w", err)
	}

	pickled, result, err := a.store.LoadOlmAccount(ctx)
	if err != nil {
		return fmt.Errorf("load identity account: %w", err)
	}
	if result == AccountCreated {
		acct, err := olm.NewAccount()
		if err != nil {
			return fmt.Errorf("load identity account: generate: %w", err)
		}
		a.acct = acct
		a.log.Info("generated new olm account", "user_id", a.userID, "device_id", a.deviceID)
		return a.save(ctx, key)
	}

	acct, err := olm.AccountFromPickled(pickled, key[:])
	if err != nil {
		return fmt.Errorf("load identity account: unpickle: %w", err)
	}
	a.acct = acct
	return nil
}

func (a *IdentityAccount) save(ctx context.Context, key PickleKey) error {
	pickled, err := a.acct.Pickle(key[:])
	if err != nil {
		return fmt.Errorf("save identity account: pickle: %w", err)
	}
	if err := a.store.SaveOlmAccount(ctx, pickled); err != nil {
		return fmt.Errorf("save identity account: %w", err)
	}
	return nil
}

// Save re-pickles and persists the account, called after every libolm
// operation that mutates it (new one-time keys, a new inbound/outbound
// session's ratchet advancing the account's internal counters).
func (a *IdentityAccount) Save(ctx context.Context) error {
	key, err := a.pickle.GetOrCreate(ctx, string(a.userID))
	if err != nil {
		return fmt.Errorf("save identity account: %w", err)
	}
	return a.save(ctx, key)
}

// IdentityKeys returns the account's long-term Curve25519/Ed25519 keys.
func (a *IdentityAccount) IdentityKeys() (id.Ed25519, id.Curve25519) {
	return a.acct.IdentityKeys()
}

// SignJSON signs canonicalJSON with the account's Ed25519 key, used to
// self-sign the device keys payload uploaded in QueryKeys/UploadKeys
// exchanges (spec.md §4.4, §6).
func (a *IdentityAccount) SignJSON(canonicalJSON []byte) string {
	return a.acct.Sign(canonicalJSON)
}

// NeedsOneTimeKeys reports whether serverUnusedCount has fallen below the
// replenishment threshold, and if so how many keys to generate to reach
// half of the maximum (spec.md §4.7/§8 scenario 2).
func (a *IdentityAccount) NeedsOneTimeKeys(serverUnusedCount uint) (need uint, ok bool) {
	max := a.acct.MaxNumberOfOneTimeKeys()
	if float64(serverUnusedCount) >= otkUploadFraction*float64(max) {
		return 0, false
	}
	target := max / 2
	if serverUnusedCount >= target {
		return 0, false
	}
	return target - serverUnusedCount, true
}

// GenerateOneTimeKeys generates n one-time keys and returns them signed,
// ready to upload. The account must be saved afterward (spec.md §4.7).
func (a *IdentityAccount) GenerateOneTimeKeys(ctx context.Context, n uint) (map[id.KeyID]olm.OneTimeKey, error) {
	if err := a.acct.GenOneTimeKeys(n); err != nil {
		return nil, fmt.Errorf("generate one-time keys: %w", err)
	}
	keys := a.acct.OneTimeKeys()
	if err := a.Save(ctx); err != nil {
		return nil, fmt.Errorf("generate one-time keys: %w", err)
	}
	return keys, nil
}

// MarkOneTimeKeysPublished must be called once the server has confirmed the
// upload, so the account stops re-offering the same keys (spec.md §4.7).
func (a *IdentityAccount) MarkOneTimeKeysPublished(ctx context.Context) error {
	a.acct.MarkKeysAsPublished()
	return a.Save(ctx)
}

// NewOutboundSession starts a fresh Olm session to a peer device using one
// of its claimed one-time keys (spec.md §4.5).
func (a *IdentityAccount) NewOutboundSession(theirIdentityKey id.Curve25519, theirOneTimeKey id.Curve25519) (olm.Session, error) {
	session, err := a.acct.NewOutboundSession(theirIdentityKey, theirOneTimeKey)
	if err != nil {
		return nil, fmt.Errorf("new outbound olm session: %w", err)
	}
	return session, nil
}

// NewInboundSessionFrom creates an inbound session from a received prekey
// message, consuming the one-time key it names (spec.md §4.5).
func (a *IdentityAccount) NewInboundSessionFrom(senderKey id.SenderKey, ciphertext string) (olm.Session, error) {
	session, err := a.acct.NewInboundSessionFrom(senderKey, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("new inbound olm session: %w", err)
	}
	return session, nil
}

// RemoveOneTimeKeys removes the one-time key session consumed when
// establishing it, best-effort: the account is left intact and the caller
// just logs a failure here, since a stray published key only risks a future
// claim failing to establish a brand new session, never a security issue
// (spec.md §4.5 step 3).
func (a *IdentityAccount) RemoveOneTimeKeys(ctx context.Context, session olm.Session) error {
	if err := a.acct.RemoveOneTimeKeys(session); err != nil {
		return fmt.Errorf("remove one-time keys: %w", err)
	}
	return a.Save(ctx)
}
