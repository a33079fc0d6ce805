package crypto

import (
	"context"
	"database/sql/driver"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"maunium.net/go/mautrix/id"
)

// algorithmList adapts []id.Algorithm to a JSON text column, since
// database/sql has no native array type and lib/pq's array helpers are typed
// for plain strings, not named string types.
type algorithmList []id.Algorithm

func (a algorithmList) Value() (driver.Value, error) {
	raw, err := json.Marshal([]id.Algorithm(a))
	if err != nil {
		return nil, fmt.Errorf("encode algorithm list: %w", err)
	}
	return string(raw), nil
}

func (a *algorithmList) Scan(src interface{}) error {
	if src == nil {
		*a = nil
		return nil
	}
	var raw []byte
	switch v := src.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("decode algorithm list: unsupported column type %T", src)
	}
	var out []id.Algorithm
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode algorithm list: %w", err)
	}
	*a = out
	return nil
}

// AccountLoadResult tells the caller whether load_olm_account found a
// pickled account or had to signal that one must be created (spec.md §4.3).
type AccountLoadResult int

const (
	AccountUnchanged AccountLoadResult = iota
	AccountCreated
)

// Store is the C3 Encrypted Store: the single component with external,
// shared-mutable-state visibility (spec.md §5). Every method that touches
// more than one table runs inside one transaction. Every blob it persists
// arrives already encrypted under the pickling key — the Store itself does
// not know the key; it only moves bytes.
type Store struct {
	db *sql.DB
}

// NewStore wraps an already-migrated *sql.DB as a Store. The schema is
// created by internal/database's migration runner, not by this package.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// --- Olm account (spec.md §4.3) ---

// LoadOlmAccount returns the pickled account blob, or (nil, AccountCreated,
// nil) if none is stored yet so the caller knows to create one.
func (s *Store) LoadOlmAccount(ctx context.Context) ([]byte, AccountLoadResult, error) {
	var pickled []byte
	err := s.db.QueryRowContext(ctx, `SELECT pickled FROM crypto_account WHERE id = 1`).Scan(&pickled)
	if err == sql.ErrNoRows {
		return nil, AccountCreated, nil
	}
	if err != nil {
		return nil, AccountUnchanged, fmt.Errorf("load olm account: %w", err)
	}
	return pickled, AccountUnchanged, nil
}

// SaveOlmAccount persists the pickled account, invoked whenever the Olm
// library signals "needs save" (spec.md §4.3, §5).
func (s *Store) SaveOlmAccount(ctx context.Context, pickled []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crypto_account (id, pickled, updated_at) VALUES (1, $1, NOW())
		ON CONFLICT (id) DO UPDATE SET pickled = EXCLUDED.pickled, updated_at = NOW()
	`, pickled)
	if err != nil {
		return fmt.Errorf("save olm account: %w", err)
	}
	return nil
}

// --- Olm sessions (spec.md §4.3, §4.5) ---

// LoadOlmSessions returns every stored Olm session, grouped by peer
// Curve25519 key, most-recently-received first within each group.
func (s *Store) LoadOlmSessions(ctx context.Context) (map[id.SenderKey][]*OlmSessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_key, session_id, pickled, last_received_at
		FROM crypto_olm_session ORDER BY sender_key, last_received_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("load olm sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[id.SenderKey][]*OlmSessionRecord)
	for rows.Next() {
		rec := &OlmSessionRecord{}
		var senderKey string
		if err := rows.Scan(&senderKey, &rec.SessionID, &rec.Pickled, &rec.LastReceivedAt); err != nil {
			return nil, fmt.Errorf("scan olm session: %w", err)
		}
		rec.SenderKey = id.SenderKey(senderKey)
		out[rec.SenderKey] = append(out[rec.SenderKey], rec)
	}
	return out, rows.Err()
}

// UpdateOlmSession is idempotent on SessionID: it upserts the pickled blob
// and bumps last_received_at (spec.md §4.3).
func (s *Store) UpdateOlmSession(ctx context.Context, senderKey id.SenderKey, rec *OlmSessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crypto_olm_session (session_id, sender_key, pickled, last_received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (session_id) DO UPDATE SET
			pickled = EXCLUDED.pickled, last_received_at = EXCLUDED.last_received_at
	`, rec.SessionID, senderKey, rec.Pickled, rec.LastReceivedAt)
	if err != nil {
		return fmt.Errorf("update olm session: %w", err)
	}
	return nil
}

// --- Megolm inbound sessions (spec.md §4.3, §4.6) ---

func (s *Store) LoadRoomMegolmSessions(ctx context.Context, roomID id.RoomID) (map[id.SessionID]*InboundGroupSessionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, sender_key, sender_user_id, sender_olm_session_id, pickled
		FROM crypto_megolm_inbound_session WHERE room_id = $1
	`, roomID)
	if err != nil {
		return nil, fmt.Errorf("load room megolm sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[id.SessionID]*InboundGroupSessionRecord)
	for rows.Next() {
		rec := &InboundGroupSessionRecord{RoomID: roomID}
		if err := rows.Scan(&rec.SessionID, &rec.SenderKey, &rec.SenderUserID, &rec.SenderOlmSessionID, &rec.Pickled); err != nil {
			return nil, fmt.Errorf("scan megolm inbound session: %w", err)
		}
		out[rec.SessionID] = rec
	}
	return out, rows.Err()
}

// SaveMegolmSession rejects a duplicate session id, matching spec.md §3/§4.6
// ("never duplicated — a second attempt is a no-op returning failure").
func (s *Store) SaveMegolmSession(ctx context.Context, rec *InboundGroupSessionRecord) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO crypto_megolm_inbound_session
			(room_id, session_id, sender_key, sender_user_id, sender_olm_session_id, pickled)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id) DO NOTHING
	`, rec.RoomID, rec.SessionID, rec.SenderKey, rec.SenderUserID, rec.SenderOlmSessionID, rec.Pickled)
	if err != nil {
		return fmt.Errorf("save megolm session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save megolm session: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("save megolm session %s: %w", rec.SessionID, ErrDuplicateSession)
	}
	return nil
}

// --- Megolm outbound session (spec.md §4.3, §4.6) ---

func (s *Store) LoadCurrentOutboundMegolmSession(ctx context.Context, roomID id.RoomID) (*OutboundGroupSessionRecord, error) {
	rec := &OutboundGroupSessionRecord{RoomID: roomID}
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, pickled, creation_time, message_count
		FROM crypto_megolm_outbound_session WHERE room_id = $1
	`, roomID).Scan(&rec.SessionID, &rec.Pickled, &rec.CreationTime, &rec.MessageCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load outbound megolm session: %w", err)
	}
	return rec, nil
}

func (s *Store) SaveCurrentOutboundMegolmSession(ctx context.Context, rec *OutboundGroupSessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crypto_megolm_outbound_session (room_id, session_id, pickled, creation_time, message_count)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id) DO UPDATE SET
			session_id = EXCLUDED.session_id, pickled = EXCLUDED.pickled,
			creation_time = EXCLUDED.creation_time, message_count = EXCLUDED.message_count
	`, rec.RoomID, rec.SessionID, rec.Pickled, rec.CreationTime, rec.MessageCount)
	if err != nil {
		return fmt.Errorf("save outbound megolm session: %w", err)
	}
	return nil
}

// --- Replay protection (spec.md §3, §4.3, §8) ---

func (s *Store) GroupSessionIndexRecord(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, index uint32) (*MessageIndexRecord, error) {
	rec := &MessageIndexRecord{}
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, origin_ts FROM crypto_message_index
		WHERE room_id = $1 AND session_id = $2 AND message_index = $3
	`, roomID, sessionID, index).Scan(&rec.EventID, &rec.Timestamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load message index record: %w", err)
	}
	return rec, nil
}

func (s *Store) AddGroupSessionIndexRecord(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, index uint32, eventID id.EventID, ts int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crypto_message_index (room_id, session_id, message_index, event_id, origin_ts)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, session_id, message_index) DO NOTHING
	`, roomID, sessionID, index, eventID, ts)
	if err != nil {
		return fmt.Errorf("add message index record: %w", err)
	}
	return nil
}

// --- Tracking sets (spec.md §3, §4.4) ---

func (s *Store) AddTrackedUser(ctx context.Context, userID id.UserID) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO crypto_tracked_user (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("add tracked user: %w", err)
	}
	return nil
}

func (s *Store) RemoveTrackedUser(ctx context.Context, userID id.UserID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM crypto_tracked_user WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("remove tracked user: %w", err)
	}
	return nil
}

func (s *Store) IsTrackedUser(ctx context.Context, userID id.UserID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM crypto_tracked_user WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check tracked user: %w", err)
	}
	return exists, nil
}

func (s *Store) AddOutdatedUser(ctx context.Context, userID id.UserID) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO crypto_outdated_user (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, userID)
	if err != nil {
		return fmt.Errorf("add outdated user: %w", err)
	}
	return nil
}

func (s *Store) RemoveOutdatedUser(ctx context.Context, userID id.UserID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM crypto_outdated_user WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("remove outdated user: %w", err)
	}
	return nil
}

func (s *Store) OutdatedUsers(ctx context.Context) ([]id.UserID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id FROM crypto_outdated_user`)
	if err != nil {
		return nil, fmt.Errorf("list outdated users: %w", err)
	}
	defer rows.Close()
	var out []id.UserID
	for rows.Next() {
		var u id.UserID
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan outdated user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- Tracked devices (spec.md §3, §4.3, §4.4) ---

func (s *Store) TrackedDevices(ctx context.Context, userID id.UserID) ([]*DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, device_id, algorithms, curve25519, ed25519, verified
		FROM crypto_device WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list tracked devices: %w", err)
	}
	defer rows.Close()
	var out []*DeviceRecord
	for rows.Next() {
		d, err := scanDeviceRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) GetTrackedDevice(ctx context.Context, key DeviceKey) (*DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, device_id, algorithms, curve25519, ed25519, verified
		FROM crypto_device WHERE user_id = $1 AND device_id = $2
	`, key.UserID, key.DeviceID)
	d, err := scanDeviceRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

// DeviceByCurveKey looks up the tracked device advertising curveKey, used by
// broken-session recovery to map a sender's identity key back to a device id
// (spec.md §4.7).
func (s *Store) DeviceByCurveKey(ctx context.Context, curveKey id.Curve25519) (*DeviceRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, device_id, algorithms, curve25519, ed25519, verified
		FROM crypto_device WHERE curve25519 = $1
	`, curveKey)
	d, err := scanDeviceRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDeviceRecord(r rowScanner) (*DeviceRecord, error) {
	d := &DeviceRecord{}
	var algorithms algorithmList
	if err := r.Scan(&d.UserID, &d.DeviceID, &algorithms, &d.Curve25519, &d.Ed25519, &d.Verified); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan device record: %w", err)
	}
	d.Algorithms = algorithms
	return d, nil
}

func (s *Store) UpsertTrackedDevice(ctx context.Context, d *DeviceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crypto_device (user_id, device_id, algorithms, curve25519, ed25519, verified)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, device_id) DO UPDATE SET
			algorithms = EXCLUDED.algorithms, curve25519 = EXCLUDED.curve25519,
			ed25519 = EXCLUDED.ed25519, verified = EXCLUDED.verified
	`, d.UserID, d.DeviceID, algorithmList(d.Algorithms), d.Curve25519, d.Ed25519, d.Verified)
	if err != nil {
		return fmt.Errorf("upsert tracked device: %w", err)
	}
	return nil
}

// RemoveUserDevices deletes every tracked device for a user, used when the
// user leaves both tracking sets (spec.md §3, §4.4).
func (s *Store) RemoveUserDevices(ctx context.Context, userID id.UserID) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM crypto_device WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("remove user devices: %w", err)
	}
	return nil
}

// ConsumeDeviceListDelta applies a sync device_lists delta inside a single
// transaction: every table it touches (tracked_user, outdated_user,
// crypto_device) is updated atomically (spec.md §4.4, §5).
func (s *Store) ConsumeDeviceListDelta(ctx context.Context, changed, left []id.UserID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("consume device list delta: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, u := range changed {
		var tracked bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM crypto_tracked_user WHERE user_id = $1)`, u).Scan(&tracked); err != nil {
			return fmt.Errorf("consume device list delta: check tracked: %w", err)
		}
		if !tracked {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO crypto_outdated_user (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, u); err != nil {
			return fmt.Errorf("consume device list delta: mark outdated: %w", err)
		}
	}
	for _, u := range left {
		if _, err := tx.ExecContext(ctx, `DELETE FROM crypto_tracked_user WHERE user_id = $1`, u); err != nil {
			return fmt.Errorf("consume device list delta: untrack: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM crypto_outdated_user WHERE user_id = $1`, u); err != nil {
			return fmt.Errorf("consume device list delta: clear outdated: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM crypto_device WHERE user_id = $1`, u); err != nil {
			return fmt.Errorf("consume device list delta: remove devices: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("consume device list delta: commit: %w", err)
	}
	return nil
}

// --- Key-distribution bookkeeping (spec.md §4.3, §4.6) ---

// DevicesWithoutKey returns, from candidateDevices, those that have not yet
// been recorded as having received sessionID for roomID.
func (s *Store) DevicesWithoutKey(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, candidateDevices []DeviceIdentity) ([]DeviceIdentity, error) {
	if len(candidateDevices) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, device_id FROM crypto_devices_received_key
		WHERE room_id = $1 AND session_id = $2
	`, roomID, sessionID)
	if err != nil {
		return nil, fmt.Errorf("devices without key: %w", err)
	}
	defer rows.Close()

	received := make(map[DeviceKey]struct{})
	for rows.Next() {
		var k DeviceKey
		if err := rows.Scan(&k.UserID, &k.DeviceID); err != nil {
			return nil, fmt.Errorf("devices without key: scan: %w", err)
		}
		received[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []DeviceIdentity
	for _, d := range candidateDevices {
		if _, ok := received[DeviceKey{UserID: d.UserID, DeviceID: d.DeviceID}]; !ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *Store) SetDevicesReceivedKey(ctx context.Context, roomID id.RoomID, devices []DeviceIdentity, sessionID id.SessionID, messageIndex uint32) error {
	if len(devices) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set devices received key: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, d := range devices {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO crypto_devices_received_key (room_id, session_id, user_id, device_id, curve25519, message_index)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (room_id, session_id, user_id, device_id) DO UPDATE SET
				curve25519 = EXCLUDED.curve25519, message_index = EXCLUDED.message_index
		`, roomID, sessionID, d.UserID, d.DeviceID, d.Curve25519, messageIndex)
		if err != nil {
			return fmt.Errorf("set devices received key: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("set devices received key: commit: %w", err)
	}
	return nil
}

// --- Signature lookup & misc (spec.md §4.3, §4.8) ---

// EdKeyForKeyID looks up the Ed25519 key for a user's cross-signing/device
// key id, used while verifying key-backup signatures (spec.md §4.8 step 2).
func (s *Store) EdKeyForKeyID(ctx context.Context, userID id.UserID, keyID string) (id.Ed25519, error) {
	var key id.Ed25519
	err := s.db.QueryRowContext(ctx, `SELECT ed25519 FROM crypto_device WHERE user_id = $1 AND device_id = $2`, userID, keyID).Scan(&key)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("ed key for key id: %w", err)
	}
	return key, nil
}

// ClearRoomData removes every crypto record scoped to a room on room
// destruction (spec.md §4.3).
func (s *Store) ClearRoomData(ctx context.Context, roomID id.RoomID) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clear room data: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM crypto_megolm_inbound_session WHERE room_id = $1`,
		`DELETE FROM crypto_megolm_outbound_session WHERE room_id = $1`,
		`DELETE FROM crypto_message_index WHERE room_id = $1`,
		`DELETE FROM crypto_devices_received_key WHERE room_id = $1`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, roomID); err != nil {
			return fmt.Errorf("clear room data: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("clear room data: commit: %w", err)
	}
	return nil
}

// StoreEncrypted persists an opaque named secret (SSSS-derived keys, the key
// backup etag) under the encrypted_kv table (spec.md §4.3, §4.8).
func (s *Store) StoreEncrypted(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO crypto_encrypted_kv (name, blob) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET blob = EXCLUDED.blob
	`, name, data)
	if err != nil {
		return fmt.Errorf("store encrypted %s: %w", name, err)
	}
	return nil
}

func (s *Store) LoadEncrypted(ctx context.Context, name string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM crypto_encrypted_kv WHERE name = $1`, name).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load encrypted %s: %w", name, err)
	}
	return blob, nil
}

// now exists only so tests can observe store code that stamps timestamps
// without reaching for time.Now() inline everywhere.
func now() time.Time { return time.Now() }
