package crypto

import (
	"context"
	"fmt"
	"time"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// outboundSessionMaxAge and outboundSessionMaxMessages are the Megolm
// rotation limits referenced by spec.md §4.6: a room's outbound session is
// replaced once either threshold is crossed.
const (
	outboundSessionMaxAge      = 7 * 24 * time.Hour
	outboundSessionMaxMessages = 100
)

// GroupSessions is the C6 Group Session Store: per-room Megolm state, both
// the single outbound session used to encrypt and the set of inbound
// sessions used to decrypt (spec.md §3, §4.6).
type GroupSessions struct {
	store *Store
	key   PickleKey

	inbound  map[id.RoomID]map[id.SessionID]*inboundSessionEntry
	outbound map[id.RoomID]olm.OutboundGroupSession
	outRec   map[id.RoomID]*OutboundGroupSessionRecord
}

// inboundSessionEntry pairs an unpickled inbound session with the sender
// identity it was installed under, so callers can enforce the sender-match
// invariant at decrypt time without a second store round trip (spec.md
// §4.6).
type inboundSessionEntry struct {
	session      olm.InboundGroupSession
	senderUserID id.UserID
}

func NewGroupSessions(store *Store, key PickleKey) *GroupSessions {
	return &GroupSessions{
		store:    store,
		key:      key,
		inbound:  make(map[id.RoomID]map[id.SessionID]*inboundSessionEntry),
		outbound: make(map[id.RoomID]olm.OutboundGroupSession),
		outRec:   make(map[id.RoomID]*OutboundGroupSessionRecord),
	}
}

// WarmRoom loads every persisted inbound session for roomID. Rooms are
// warmed lazily as the timeline adapter first touches them rather than all
// at startup, since the set of rooms with Megolm history can be large
// (spec.md §4.6).
func (g *GroupSessions) WarmRoom(ctx context.Context, roomID id.RoomID) error {
	if _, ok := g.inbound[roomID]; ok {
		return nil
	}
	records, err := g.store.LoadRoomMegolmSessions(ctx, roomID)
	if err != nil {
		return fmt.Errorf("warm room megolm sessions: %w", err)
	}
	sessions := make(map[id.SessionID]*inboundSessionEntry, len(records))
	for sessionID, rec := range records {
		session, err := olm.InboundGroupSessionFromPickled(rec.Pickled, g.key[:])
		if err != nil {
			return fmt.Errorf("warm room megolm sessions: unpickle %s: %w", sessionID, err)
		}
		sessions[sessionID] = &inboundSessionEntry{session: session, senderUserID: rec.SenderUserID}
	}
	g.inbound[roomID] = sessions
	return nil
}

// InboundSession returns the installed inbound session for (roomID,
// sessionID) along with the user id it was recorded as coming from, if any.
func (g *GroupSessions) InboundSession(roomID id.RoomID, sessionID id.SessionID) (olm.InboundGroupSession, id.UserID, bool) {
	room, ok := g.inbound[roomID]
	if !ok {
		return nil, "", false
	}
	entry, ok := room[sessionID]
	if !ok {
		return nil, "", false
	}
	return entry.session, entry.senderUserID, true
}

// AddInboundSession installs a newly received (or backup-restored) Megolm
// session. A duplicate session id is rejected by the Store and surfaced
// here unchanged (spec.md §3, §4.6).
func (g *GroupSessions) AddInboundSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, senderUserID id.UserID, senderOlmSessionID id.SessionID, sessionKey []byte) (id.SessionID, error) {
	session, err := olm.NewInboundGroupSession(sessionKey)
	if err != nil {
		return "", fmt.Errorf("add inbound megolm session: %w", err)
	}
	return g.installInboundSession(ctx, roomID, senderKey, senderUserID, senderOlmSessionID, session)
}

// AddInboundSessionFromBackup mirrors AddInboundSession but for sessions
// recovered from server-side key backup, using the export/import form
// rather than the live m.room_key form (spec.md §4.8 step 3).
func (g *GroupSessions) AddInboundSessionFromBackup(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, exportedSessionKey []byte) (id.SessionID, error) {
	session, err := olm.InboundGroupSessionImport(exportedSessionKey)
	if err != nil {
		return "", fmt.Errorf("add inbound megolm session from backup: %w", err)
	}
	return g.installInboundSession(ctx, roomID, senderKey, "", "", session)
}

func (g *GroupSessions) installInboundSession(ctx context.Context, roomID id.RoomID, senderKey id.SenderKey, senderUserID id.UserID, senderOlmSessionID id.SessionID, session olm.InboundGroupSession) (id.SessionID, error) {
	pickled, err := session.Pickle(g.key[:])
	if err != nil {
		return "", fmt.Errorf("install inbound megolm session: pickle: %w", err)
	}
	sessionID := session.ID()
	rec := &InboundGroupSessionRecord{
		RoomID:             roomID,
		SessionID:          sessionID,
		SenderKey:          senderKey,
		SenderUserID:       senderUserID,
		SenderOlmSessionID: senderOlmSessionID,
		Pickled:            pickled,
	}
	if err := g.store.SaveMegolmSession(ctx, rec); err != nil {
		return "", err
	}
	if g.inbound[roomID] == nil {
		g.inbound[roomID] = make(map[id.SessionID]*inboundSessionEntry)
	}
	g.inbound[roomID][sessionID] = &inboundSessionEntry{session: session, senderUserID: senderUserID}
	return sessionID, nil
}

// OutboundSession returns the current outbound session for roomID, loading
// it from the store on first use, and reports whether it needs rotation
// per the age/message-count limits (spec.md §4.6).
func (g *GroupSessions) OutboundSession(ctx context.Context, roomID id.RoomID) (olm.OutboundGroupSession, bool, error) {
	if session, ok := g.outbound[roomID]; ok {
		return session, g.needsRotation(roomID), nil
	}
	rec, err := g.store.LoadCurrentOutboundMegolmSession(ctx, roomID)
	if err != nil {
		return nil, false, fmt.Errorf("load outbound megolm session: %w", err)
	}
	if rec == nil {
		return nil, true, nil
	}
	session, err := olm.OutboundGroupSessionFromPickled(rec.Pickled, g.key[:])
	if err != nil {
		return nil, false, fmt.Errorf("load outbound megolm session: unpickle: %w", err)
	}
	g.outbound[roomID] = session
	g.outRec[roomID] = rec
	return session, g.needsRotation(roomID), nil
}

func (g *GroupSessions) needsRotation(roomID id.RoomID) bool {
	rec := g.outRec[roomID]
	if rec == nil {
		return true
	}
	return time.Since(rec.CreationTime) > outboundSessionMaxAge || rec.MessageCount >= outboundSessionMaxMessages
}

// RotateOutboundSession replaces roomID's outbound session with a fresh one
// and returns it; the caller is responsible for redistributing the new
// session key to the room's devices (spec.md §4.6).
func (g *GroupSessions) RotateOutboundSession(ctx context.Context, roomID id.RoomID) (olm.OutboundGroupSession, error) {
	session, err := olm.NewOutboundGroupSession()
	if err != nil {
		return nil, fmt.Errorf("rotate outbound megolm session: %w", err)
	}
	if err := g.saveOutbound(ctx, roomID, session, 0); err != nil {
		return nil, err
	}
	return session, nil
}

// MirrorOwnSession installs a fresh outbound session as an inbound session
// tagged with SelfOlmSessionID, so the local account can decrypt its own
// messages without waiting for the m.room_key round trip back from the
// homeserver (spec.md §4.6, §8 invariant 4). ownSenderKey is our own
// Curve25519 identity key, recorded the same way a peer's would be.
func (g *GroupSessions) MirrorOwnSession(ctx context.Context, roomID id.RoomID, ownUserID id.UserID, ownSenderKey id.SenderKey, session olm.OutboundGroupSession) error {
	inbound, err := olm.NewInboundGroupSession([]byte(session.Key()))
	if err != nil {
		return fmt.Errorf("mirror own megolm session: %w", err)
	}
	_, err = g.installInboundSession(ctx, roomID, ownSenderKey, ownUserID, SelfOlmSessionID, inbound)
	if err != nil {
		return fmt.Errorf("mirror own megolm session: %w", err)
	}
	return nil
}

// Encrypt wraps roomID's current outbound session to encrypt plaintext,
// returning the ciphertext, the session id it was encrypted under, and the
// message index it consumed, then persists the incremented counter (spec.md
// §4.6).
func (g *GroupSessions) Encrypt(ctx context.Context, roomID id.RoomID, plaintext []byte) (ciphertext string, sessionID id.SessionID, messageIndex uint32, err error) {
	session, ok := g.outbound[roomID]
	if !ok {
		return "", "", 0, fmt.Errorf("encrypt megolm room event: no outbound session for room %s", roomID)
	}
	messageIndex = session.MessageIndex()
	ciphertext, err = session.Encrypt(plaintext)
	if err != nil {
		return "", "", 0, fmt.Errorf("encrypt megolm room event: %w", err)
	}
	if err := g.RecordOutboundMessage(ctx, roomID); err != nil {
		return "", "", 0, err
	}
	return ciphertext, session.ID(), messageIndex, nil
}

// RecordOutboundMessage bumps the message counter after each megolm
// encrypt call, persisting it so a restart doesn't under-count toward
// rotation (spec.md §4.6).
func (g *GroupSessions) RecordOutboundMessage(ctx context.Context, roomID id.RoomID) error {
	session, ok := g.outbound[roomID]
	if !ok {
		return fmt.Errorf("record outbound megolm message: no session for room %s", roomID)
	}
	rec := g.outRec[roomID]
	count := 0
	if rec != nil {
		count = rec.MessageCount + 1
	}
	return g.saveOutbound(ctx, roomID, session, count)
}

func (g *GroupSessions) saveOutbound(ctx context.Context, roomID id.RoomID, session olm.OutboundGroupSession, messageCount int) error {
	pickled, err := session.Pickle(g.key[:])
	if err != nil {
		return fmt.Errorf("save outbound megolm session: pickle: %w", err)
	}
	rec := &OutboundGroupSessionRecord{
		RoomID:       roomID,
		SessionID:    session.ID(),
		Pickled:      pickled,
		CreationTime: now(),
		MessageCount: messageCount,
	}
	if existing := g.outRec[roomID]; existing != nil && existing.SessionID == rec.SessionID {
		rec.CreationTime = existing.CreationTime
	}
	if err := g.store.SaveCurrentOutboundMegolmSession(ctx, rec); err != nil {
		return fmt.Errorf("save outbound megolm session: %w", err)
	}
	g.outbound[roomID] = session
	g.outRec[roomID] = rec
	return nil
}

// CheckReplay consults and then records the message index for an inbound
// decryption, rejecting a repeat of an index already seen bound to a
// different event (spec.md §3, §8).
func (g *GroupSessions) CheckReplay(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, index uint32, eventID id.EventID, originTS int64) error {
	existing, err := g.store.GroupSessionIndexRecord(ctx, roomID, sessionID, index)
	if err != nil {
		return fmt.Errorf("check replay: %w", err)
	}
	if existing != nil {
		if existing.EventID != eventID || existing.Timestamp != originTS {
			return ErrReplayDetected
		}
		return nil
	}
	if err := g.store.AddGroupSessionIndexRecord(ctx, roomID, sessionID, index, eventID, originTS); err != nil {
		return fmt.Errorf("check replay: %w", err)
	}
	return nil
}
