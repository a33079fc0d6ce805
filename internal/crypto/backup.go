package crypto

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/id"
)

// megolmBackupAuthData is the auth_data of an m.megolm_backup.v1 key
// backup version (spec.md §4.8 step 2).
type megolmBackupAuthData struct {
	PublicKey  id.Curve25519                    `json:"public_key"`
	Signatures map[string]map[string]string `json:"signatures"`
}

// megolmBackupSessionData is the plaintext recovered by decrypting one
// backed-up session's session_data (spec.md §4.8 step 3).
type megolmBackupSessionData struct {
	Algorithm  id.Algorithm `json:"algorithm"`
	SenderKey  id.SenderKey `json:"sender_key"`
	SessionKey string       `json:"session_key"`
}

// BackupImporter is the key-backup half of the C9 Timeline Adapter's
// responsibilities (spec.md §4.8 step 2-3): it verifies the backup version
// against known signing keys, decrypts the per-session payloads with the
// recovered SSSS/backup private key, and installs them as inbound Megolm
// sessions tagged with no Olm session (they arrived out-of-band, not over
// an Olm channel — spec.md §3's SenderOlmSessionID is left empty, never
// SelfOlmSessionID, since that sentinel is reserved for mirroring our own
// outbound session).
type BackupImporter struct {
	log       *slog.Logger
	transport Transport
	megolm    *GroupSessions
	prim      Primitives
	store     *Store
}

func NewBackupImporter(log *slog.Logger, transport Transport, megolm *GroupSessions, prim Primitives, store *Store) *BackupImporter {
	return &BackupImporter{log: log, transport: transport, megolm: megolm, prim: prim, store: store}
}

// VerifyBackupVersion checks the auth_data's signature against the
// signerUserID/keyID's known Ed25519 key. If that key is not on file (no
// cross-signing keys have been retrieved for signerUserID yet), and the
// caller already holds the decrypted backup private key (e.g. just unlocked
// via SSSS), it falls back to comparing that key's derived Curve25519 public
// point against auth_data's public_key directly, skipping the signature walk
// entirely — a weaker but explicit trust decision the spec's distillation
// left unresolved and this core makes sooner than refusing to restore
// history at all (spec.md §4.8 step 2, SUPPLEMENTED FEATURES). Without a
// cross-signing key and without a backup private key to derive from, there
// is nothing left to trust the version against and verification fails.
func (b *BackupImporter) VerifyBackupVersion(ctx context.Context, version *MegolmBackupVersion, signerUserID id.UserID, keyID string, backupPrivateKey *[32]byte) error {
	raw, err := json.Marshal(version.AuthData)
	if err != nil {
		return fmt.Errorf("verify backup version: %w", err)
	}
	var auth megolmBackupAuthData
	if err := json.Unmarshal(raw, &auth); err != nil {
		return fmt.Errorf("verify backup version: %w", err)
	}

	trustedKey, err := b.store.EdKeyForKeyID(ctx, signerUserID, keyID)
	if err != nil {
		return fmt.Errorf("verify backup version: %w", err)
	}
	if trustedKey == "" {
		if backupPrivateKey == nil {
			return fmt.Errorf("verify backup version: %w: no cross-signing key on file and no backup private key to derive from", ErrSignatureMismatch)
		}
		derivedPub, err := x25519PublicKey(backupPrivateKey[:])
		if err != nil {
			return fmt.Errorf("verify backup version: %w", err)
		}
		advertisedPub, err := decodeCurve25519(auth.PublicKey)
		if err != nil {
			return fmt.Errorf("verify backup version: %w", err)
		}
		if !bytes.Equal(derivedPub, advertisedPub) {
			return fmt.Errorf("verify backup version: %w: public_key does not match decrypted backup key", ErrSignatureMismatch)
		}
		b.log.Warn("trusting key backup by its derived public key, no cross-signing key on file", "user_id", signerUserID)
		return nil
	}

	canon, err := b.prim.CanonicalJSON(version.AuthData)
	if err != nil {
		return fmt.Errorf("verify backup version: %w", err)
	}
	sigs := auth.Signatures[string(signerUserID)]
	sigB64, ok := sigs[fmt.Sprintf("ed25519:%s", keyID)]
	if !ok {
		return fmt.Errorf("verify backup version: %w: no signature for key id %s", ErrSignatureMismatch, keyID)
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		if sig, err = base64.StdEncoding.DecodeString(sigB64); err != nil {
			return fmt.Errorf("verify backup version: decode signature: %w", err)
		}
	}
	pub, err := decodeEd25519(trustedKey)
	if err != nil {
		return fmt.Errorf("verify backup version: %w", err)
	}
	if !b.prim.Ed25519Verify(ed25519.PublicKey(pub), canon, sig) {
		return fmt.Errorf("verify backup version: %w", ErrSignatureMismatch)
	}
	return nil
}

// ImportAll fetches every backed-up session for version and installs the
// ones that decrypt successfully under backupPrivateKey, skipping (and
// logging) individual sessions that fail rather than aborting the whole
// import (spec.md §4.8 step 3; a corrupt single entry is a cryptographic
// fault on inbound data, not a reason to drop the rest).
func (b *BackupImporter) ImportAll(ctx context.Context, version *MegolmBackupVersion, backupPrivateKey [32]byte) (int, error) {
	rooms, err := b.transport.GetRoomKeys(ctx, version.Version)
	if err != nil {
		return 0, fmt.Errorf("import backup: %w", err)
	}

	imported := 0
	for roomID, sessions := range rooms {
		for sessionID, data := range sessions {
			if err := b.importOne(ctx, roomID, sessionID, data, backupPrivateKey); err != nil {
				b.log.Warn("failed to import backed-up session", "room_id", roomID, "session_id", sessionID, "error", err)
				continue
			}
			imported++
		}
	}
	return imported, nil
}

func (b *BackupImporter) importOne(ctx context.Context, roomID id.RoomID, sessionID id.SessionID, data *MegolmBackupSessionData, backupPrivateKey [32]byte) error {
	ephemeral, err := base64.StdEncoding.DecodeString(data.EphemeralKey)
	if err != nil {
		return fmt.Errorf("decode ephemeral key: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(data.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", err)
	}
	mac, err := base64.StdEncoding.DecodeString(data.MAC)
	if err != nil {
		return fmt.Errorf("decode mac: %w", err)
	}

	plaintext, err := b.prim.Curve25519AesSha2Decrypt(ciphertext, backupPrivateKey[:], ephemeral, mac)
	if err != nil {
		return fmt.Errorf("decrypt session data: %w", err)
	}

	var session megolmBackupSessionData
	if err := json.Unmarshal(plaintext, &session); err != nil {
		return fmt.Errorf("parse session data: %w", err)
	}
	if _, err := b.megolm.AddInboundSessionFromBackup(ctx, roomID, session.SenderKey, []byte(session.SessionKey)); err != nil {
		return fmt.Errorf("install session: %w", err)
	}
	return nil
}
