package crypto

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// OlmSessions is the C5 Olm Session Store: it keeps the set of 1:1 Olm
// sessions per peer identity key, preferring the most recently received
// session for encryption, and flags peers whose broken-session recovery has
// been started so it is not started again until Remember clears the flag
// (spec.md §3, §4.5, §7 class 4).
type OlmSessions struct {
	store *Store
	key   PickleKey

	cache      map[id.SenderKey][]olm.Session
	recovering map[id.SenderKey]bool
}

func NewOlmSessions(store *Store, key PickleKey) *OlmSessions {
	return &OlmSessions{
		store:      store,
		key:        key,
		cache:      make(map[id.SenderKey][]olm.Session),
		recovering: make(map[id.SenderKey]bool),
	}
}

// Warm loads every persisted session into memory. Called once during
// LoadingAccount (spec.md §4.7); afterward the cache is kept in sync by
// Remember.
func (o *OlmSessions) Warm(ctx context.Context) error {
	records, err := o.store.LoadOlmSessions(ctx)
	if err != nil {
		return fmt.Errorf("warm olm sessions: %w", err)
	}
	for senderKey, recs := range records {
		sessions := make([]olm.Session, 0, len(recs))
		for _, rec := range recs {
			session, err := olm.SessionFromPickled(rec.Pickled, o.key[:])
			if err != nil {
				return fmt.Errorf("warm olm sessions: unpickle %s: %w", rec.SessionID, err)
			}
			sessions = append(sessions, session)
		}
		o.cache[senderKey] = sessions
	}
	return nil
}

// SessionsFor returns every known session with senderKey, most-recently-used
// first, matching the scan order tryKnownSessions needs to try sessions in
// (spec.md §4.5).
func (o *OlmSessions) SessionsFor(senderKey id.SenderKey) []olm.Session {
	return o.cache[senderKey]
}

// FrontSession returns the preferred session for encrypting to senderKey, if
// one exists (spec.md §3: "front" session).
func (o *OlmSessions) FrontSession(senderKey id.SenderKey) (olm.Session, bool) {
	sessions := o.cache[senderKey]
	if len(sessions) == 0 {
		return nil, false
	}
	return sessions[0], true
}

// Remember persists session and promotes it to the front of senderKey's
// list, whether it is new or an existing session that just advanced its
// ratchet (spec.md §3, §4.5).
func (o *OlmSessions) Remember(ctx context.Context, senderKey id.SenderKey, session olm.Session) error {
	pickled, err := session.Pickle(o.key[:])
	if err != nil {
		return fmt.Errorf("remember olm session: pickle: %w", err)
	}
	rec := &OlmSessionRecord{
		SenderKey:      senderKey,
		SessionID:      session.ID(),
		Pickled:        pickled,
		LastReceivedAt: time.Now(),
	}
	if err := o.store.UpdateOlmSession(ctx, senderKey, rec); err != nil {
		return fmt.Errorf("remember olm session: %w", err)
	}

	sessions := o.cache[senderKey]
	filtered := sessions[:0]
	for _, s := range sessions {
		if s.ID() != session.ID() {
			filtered = append(filtered, s)
		}
	}
	o.cache[senderKey] = append([]olm.Session{session}, filtered...)
	delete(o.recovering, senderKey)
	return nil
}

// MarkBroken records that senderKey's sessions all failed to decrypt a
// message and recovery (an m.dummy-triggered new session) has been started,
// so a second concurrent failure does not start recovery twice (spec.md §7
// class 4, "Broken session").
func (o *OlmSessions) MarkBroken(senderKey id.SenderKey) (alreadyRecovering bool) {
	alreadyRecovering = o.recovering[senderKey]
	o.recovering[senderKey] = true
	return alreadyRecovering
}

// ClearBroken is called once a new session has been successfully
// established with senderKey, re-arming recovery for any future failure.
func (o *OlmSessions) ClearBroken(senderKey id.SenderKey) {
	delete(o.recovering, senderKey)
}
