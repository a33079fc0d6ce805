package crypto

import (
	"encoding/json"
	"fmt"

	"context"

	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// megolmCiphertext is the m.room.encrypted content shape for megolm.v1
// (spec.md §4.6, §6).
type megolmCiphertext struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	SenderKey  id.SenderKey `json:"sender_key"`
	Ciphertext string       `json:"ciphertext"`
	SessionID  id.SessionID `json:"session_id"`
	DeviceID   id.DeviceID  `json:"device_id"`
}

// olmCiphertext is the m.room.encrypted content shape for olm.v1, keyed by
// the recipient's Curve25519 identity key (spec.md §4.5, §6).
type olmCiphertext struct {
	Algorithm     id.Algorithm                     `json:"algorithm"`
	SenderKey     id.SenderKey                      `json:"sender_key"`
	Ciphertext    map[id.Curve25519]olmCiphertextEntry `json:"ciphertext"`
}

type olmCiphertextEntry struct {
	Type id.OlmMsgType `json:"type"`
	Body string        `json:"body"`
}

// olmPayload is the plaintext object carried inside an olm ciphertext
// (spec.md §4.5, §9).
type olmPayload struct {
	Sender        id.UserID                `json:"sender"`
	SenderDevice  id.DeviceID               `json:"sender_device"`
	Keys          map[string]string         `json:"keys"`
	Recipient     id.UserID                 `json:"recipient"`
	RecipientKeys map[string]string         `json:"recipient_keys"`
	Type          event.Type                `json:"type"`
	Content       json.RawMessage           `json:"content"`
}

// roomKeyContent is the plaintext m.room_key olm-payload content (spec.md
// §4.6, §6).
type roomKeyContent struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	RoomID     id.RoomID    `json:"room_id"`
	SessionID  id.SessionID `json:"session_id"`
	SessionKey string       `json:"session_key"`
}

// DecryptTimelineEvent is the C9 "decrypt" operation: it resolves the
// Megolm inbound session named by evt's content, decrypts, enforces replay
// protection on the message index, and reconstructs the inner event
// (spec.md §4.6, §7 classes 4/5, §8).
func (m *Manager) DecryptTimelineEvent(ctx context.Context, evt *event.Event) (*event.Event, error) {
	var content megolmCiphertext
	if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
		return nil, fmt.Errorf("decrypt timeline event %s: %w", evt.ID, err)
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return nil, fmt.Errorf("decrypt timeline event %s: unsupported algorithm %q", evt.ID, content.Algorithm)
	}

	if err := m.megolm.WarmRoom(ctx, evt.RoomID); err != nil {
		return nil, fmt.Errorf("decrypt timeline event %s: %w", evt.ID, err)
	}
	session, senderUserID, ok := m.megolm.InboundSession(evt.RoomID, content.SessionID)
	if !ok {
		m.queuePendingTimelineEvent(content.SessionID, evt)
		return nil, fmt.Errorf("decrypt timeline event %s: %w", evt.ID, ErrUnknownSession)
	}
	// A session installed from server-side key backup has no recorded
	// sender_user (groupsessions.go's AddInboundSessionFromBackup), so there
	// is nothing to check it against; every other session was installed by
	// handleRoomKey with the m.room_key's verified sender (spec.md §4.6).
	if senderUserID != "" && senderUserID != evt.Sender {
		return nil, fmt.Errorf("decrypt timeline event %s: %w", evt.ID, ErrSessionSenderMismatch)
	}

	plaintext, index, err := session.Decrypt([]byte(content.Ciphertext))
	if err != nil {
		return nil, fmt.Errorf("decrypt timeline event %s: %w", evt.ID, err)
	}

	if err := m.megolm.CheckReplay(ctx, evt.RoomID, content.SessionID, index, evt.ID, evt.Timestamp); err != nil {
		return nil, fmt.Errorf("decrypt timeline event %s: %w", evt.ID, err)
	}

	var inner struct {
		Type    event.Type      `json:"type"`
		Content json.RawMessage `json:"content"`
		RoomID  id.RoomID       `json:"room_id"`
	}
	if err := json.Unmarshal(plaintext, &inner); err != nil {
		return nil, fmt.Errorf("decrypt timeline event %s: parse plaintext: %w", evt.ID, err)
	}
	if inner.RoomID != "" && inner.RoomID != evt.RoomID {
		return nil, fmt.Errorf("decrypt timeline event %s: %w", evt.ID, ErrRoomIDMismatch)
	}

	out := *evt
	out.Type = inner.Type
	out.Content = event.Content{VeryRaw: inner.Content}
	return &out, nil
}

// queuePendingTimelineEvent remembers evt under sessionID so handleRoomKey
// can redrive it once a matching inbound session is installed (spec.md §1,
// §4.9, §5, §8).
func (m *Manager) queuePendingTimelineEvent(sessionID id.SessionID, evt *event.Event) {
	m.mu.Lock()
	if m.pendingSessionEvents == nil {
		m.pendingSessionEvents = make(map[id.SessionID][]*event.Event)
	}
	m.pendingSessionEvents[sessionID] = append(m.pendingSessionEvents[sessionID], evt)
	m.mu.Unlock()
}

// drainPendingTimelineEvents re-decrypts every event queued against
// sessionID, replacing each previously-undecryptable placeholder now that
// the session is installed (spec.md §1, §4.9 handle_room_key replay).
func (m *Manager) drainPendingTimelineEvents(ctx context.Context, sessionID id.SessionID) {
	m.mu.Lock()
	pending := m.pendingSessionEvents[sessionID]
	delete(m.pendingSessionEvents, sessionID)
	m.mu.Unlock()

	for _, evt := range pending {
		decrypted, err := m.DecryptTimelineEvent(ctx, evt)
		if err != nil {
			m.log.Warn("redrive of queued undecryptable event failed", "event_id", evt.ID, "session_id", sessionID, "error", err)
			continue
		}
		m.log.Info("replaced previously-undecryptable event", "event_id", evt.ID, "session_id", sessionID, "type", decrypted.Type.Type)
	}
}

// handleEncryptedToDevice implements the olm.v1 half of the spec's sync
// to-device stage: locate our own ciphertext entry, try every known
// session for the sender key, falling back to creating a new inbound
// session from a prekey message, then dispatch the decrypted payload
// (spec.md §4.5, §7 class 3, §9). A sender whose Curve25519 identity key is
// not yet tracked in the Device Directory is not trusted to decrypt
// against: the event is queued and the directory is refreshed first
// (spec.md §4.7).
func (m *Manager) handleEncryptedToDevice(ctx context.Context, evt *event.Event) {
	var content olmCiphertext
	if err := json.Unmarshal(evt.Content.VeryRaw, &content); err != nil {
		m.log.Warn("failed to parse encrypted to-device event", "event_id", evt.ID, "error", err)
		return
	}

	device, err := m.directory.DeviceForCurveKey(ctx, id.Curve25519(content.SenderKey))
	if err != nil {
		m.log.Error("device lookup for encrypted to-device event failed", "event_id", evt.ID, "sender_key", content.SenderKey, "error", err)
		return
	}
	if device == nil {
		m.queuePendingToDevice(ctx, evt, content.SenderKey)
		return
	}

	_, ownKey := m.account.IdentityKeys()
	entry, ok := content.Ciphertext[ownKey]
	if !ok {
		return
	}

	plaintext, recoveredSession, err := m.tryKnownSessions(content.SenderKey, entry)
	if err != nil {
		m.log.Warn("olm decryption failed with a matching session", "sender_key", content.SenderKey, "error", err)
		return
	}
	if plaintext == nil {
		if entry.Type != id.OlmMsgTypePreKey {
			if !m.olm.MarkBroken(content.SenderKey) {
				m.log.Warn("olm session broken, attempting recovery", "sender_key", content.SenderKey)
				m.recoverBrokenSession(ctx, content.SenderKey)
			}
			return
		}
		session, err := m.account.NewInboundSessionFrom(content.SenderKey, entry.Body)
		if err != nil {
			m.log.Warn("failed to create inbound olm session", "sender_key", content.SenderKey, "error", err)
			return
		}
		plaintext, err = session.Decrypt(entry.Body, entry.Type)
		if err != nil {
			m.log.Warn("failed to decrypt with newly created inbound session", "sender_key", content.SenderKey, "error", err)
			return
		}
		if err := m.account.Save(ctx); err != nil {
			m.log.Error("failed to save account after new inbound session", "error", err)
		}
		if err := m.account.RemoveOneTimeKeys(ctx, session); err != nil {
			m.log.Warn("failed to remove consumed one-time key", "sender_key", content.SenderKey, "error", err)
		}
		recoveredSession = session
	}

	if err := m.olm.Remember(ctx, content.SenderKey, recoveredSession); err != nil {
		m.log.Error("failed to persist olm session", "sender_key", content.SenderKey, "error", err)
	}

	var payload olmPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		m.log.Warn("failed to parse olm payload", "error", err)
		return
	}
	if evt.Sender != payload.Sender {
		m.log.Warn("olm payload sender mismatch", "event_sender", evt.Sender, "payload_sender", payload.Sender)
		return
	}
	if m.userID != payload.Recipient {
		m.log.Warn("olm payload recipient mismatch", "recipient", payload.Recipient)
		return
	}
	ownEd, _ := m.account.IdentityKeys()
	if string(ownEd) != payload.RecipientKeys["ed25519"] {
		m.log.Warn("olm payload recipient key mismatch")
		return
	}

	if payload.Type == event.ToDeviceRoomKey {
		m.handleRoomKey(ctx, payload.Sender, content.SenderKey, recoveredSession.ID(), payload.Content)
	}
}

func (m *Manager) tryKnownSessions(senderKey id.SenderKey, entry olmCiphertextEntry) ([]byte, olm.Session, error) {
	for _, session := range m.olm.SessionsFor(senderKey) {
		if entry.Type == id.OlmMsgTypePreKey {
			matches, err := session.MatchesInboundSession(entry.Body)
			if err != nil || !matches {
				continue
			}
		}
		plaintext, err := session.Decrypt(entry.Body, entry.Type)
		if err != nil {
			if entry.Type == id.OlmMsgTypePreKey {
				return nil, nil, err
			}
			continue
		}
		return plaintext, session, nil
	}
	return nil, nil, nil
}

// handleRoomKey installs a freshly received Megolm session, tagging it with
// the sender's user id and the Olm session it arrived over, then redrives
// any timeline events queued for it (spec.md §4.6, §9).
func (m *Manager) handleRoomKey(ctx context.Context, senderUserID id.UserID, senderKey id.SenderKey, olmSessionID id.SessionID, raw json.RawMessage) {
	var content roomKeyContent
	if err := json.Unmarshal(raw, &content); err != nil {
		m.log.Warn("failed to parse room key content", "error", err)
		return
	}
	if content.Algorithm != id.AlgorithmMegolmV1 {
		return
	}
	sessionID, err := m.megolm.AddInboundSession(ctx, content.RoomID, senderKey, senderUserID, olmSessionID, []byte(content.SessionKey))
	if err != nil {
		m.log.Warn("failed to install inbound megolm session", "room_id", content.RoomID, "session_id", content.SessionID, "error", err)
		return
	}
	m.drainPendingTimelineEvents(ctx, sessionID)
}
