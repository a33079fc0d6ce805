package crypto

import (
	"time"

	"maunium.net/go/mautrix/id"
)

// DeviceRecord is the Device Directory's (C4) record of one remote device's
// long-term identity keys, as admitted by a verified QueryKeys response.
//
// The Ed25519 key is write-once per (UserID, DeviceID): AdmitDevice rejects
// any later response that tries to change it (spec.md §3, device-reuse
// defense).
type DeviceRecord struct {
	UserID       id.UserID
	DeviceID     id.DeviceID
	Algorithms   []id.Algorithm
	Curve25519   id.Curve25519
	Ed25519      id.Ed25519
	Verified     bool
}

// Key returns the (UserID, DeviceID) identity this record is keyed by.
func (d *DeviceRecord) Key() DeviceKey {
	return DeviceKey{UserID: d.UserID, DeviceID: d.DeviceID}
}

// DeviceKey identifies a device independent of its current keys.
type DeviceKey struct {
	UserID   id.UserID
	DeviceID id.DeviceID
}

// OlmSessionRecord is one pickled 1:1 Olm session (spec.md §3) as persisted
// by the Encrypted Store. SenderKey is the peer's Curve25519 identity key
// this session is keyed by; a peer may have several, ordered most-recent
// first ("front" session preferred for encryption).
type OlmSessionRecord struct {
	SenderKey      id.SenderKey
	SessionID      id.SessionID
	Pickled        []byte
	LastReceivedAt time.Time
}

// InboundGroupSessionRecord is one Megolm inbound (recipient-side) session.
// SenderOlmSessionID is the sentinel SelfOlmSessionID when the session is the
// local account's own outbound session mirrored for self-decryption (spec.md
// §4.6, §8 invariant 4); otherwise it names the Olm session the m.room_key
// arrived over.
type InboundGroupSessionRecord struct {
	RoomID             id.RoomID
	SessionID          id.SessionID
	SenderKey          id.SenderKey
	SenderUserID       id.UserID
	SenderOlmSessionID id.SessionID
	Pickled            []byte
}

// SelfOlmSessionID tags an inbound Megolm session that was installed locally
// as the mirror of our own outbound session, rather than received from a
// peer over an Olm session.
const SelfOlmSessionID id.SessionID = "SELF"

// OutboundGroupSessionRecord is the single current outbound Megolm session
// for a room (spec.md §3).
type OutboundGroupSessionRecord struct {
	RoomID       id.RoomID
	SessionID    id.SessionID
	Pickled      []byte
	CreationTime time.Time
	MessageCount int
}

// MessageIndexRecord is the replay-protection entry for one (session,
// message index) pair (spec.md §3, §8).
type MessageIndexRecord struct {
	EventID   id.EventID
	Timestamp int64 // origin_server_ts, milliseconds
}

// DeviceIdentity pairs a device's routing identity with the Curve25519 key
// used to address it, as returned by Store.DevicesWithoutKey and
// consumed by SendSessionKeyToDevices.
type DeviceIdentity struct {
	UserID     id.UserID
	DeviceID   id.DeviceID
	Curve25519 id.Curve25519
}
