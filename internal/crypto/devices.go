package crypto

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"maunium.net/go/mautrix/id"
)

// DeviceKeysPayload mirrors the body of a Matrix /keys/query device entry
// (spec.md §4.4, §6): the canonical-JSON-signed object whose "keys" map
// carries "curve25519:<device_id>" and "ed25519:<device_id>" entries and
// whose "signatures" map carries the device's own self-signature.
type DeviceKeysPayload struct {
	UserID     id.UserID
	DeviceID   id.DeviceID
	Algorithms []id.Algorithm
	Keys       map[string]string
	Signatures map[string]map[string]string
	Raw        map[string]interface{} // full object, for canonical-JSON signing
}

// Directory is the C4 Device Directory: it turns a verified /keys/query
// response into DeviceRecords and enforces the one invariant the rest of the
// core relies on unconditionally — a device's Ed25519 identity key never
// changes once observed (spec.md §3, §4.4).
type Directory struct {
	store *Store
	prim  Primitives
}

func NewDirectory(store *Store, prim Primitives) *Directory {
	return &Directory{store: store, prim: prim}
}

// AdmitDevice verifies payload's self-signature and, if it passes, upserts
// the corresponding DeviceRecord. A device whose advertised Ed25519 key
// differs from one already on file is rejected with ErrDeviceReuse rather
// than silently overwritten (spec.md §3 device-list tracking, reuse
// defense). A device that advertises no algorithm this core supports is
// rejected with ErrUnsupportedDevice and never reaches the store.
func (d *Directory) AdmitDevice(ctx context.Context, payload *DeviceKeysPayload) (*DeviceRecord, error) {
	curveKey, edKey, err := extractDeviceKeys(payload)
	if err != nil {
		return nil, fmt.Errorf("admit device %s/%s: %w", payload.UserID, payload.DeviceID, err)
	}
	if !hasSupportedAlgorithm(payload.Algorithms) {
		return nil, fmt.Errorf("admit device %s/%s: %w", payload.UserID, payload.DeviceID, ErrUnsupportedDevice)
	}

	if err := d.verifySelfSignature(payload, edKey); err != nil {
		return nil, fmt.Errorf("admit device %s/%s: %w", payload.UserID, payload.DeviceID, err)
	}

	existing, err := d.store.GetTrackedDevice(ctx, DeviceKey{UserID: payload.UserID, DeviceID: payload.DeviceID})
	if err != nil {
		return nil, fmt.Errorf("admit device %s/%s: %w", payload.UserID, payload.DeviceID, err)
	}
	if existing != nil && existing.Ed25519 != edKey {
		return nil, fmt.Errorf("admit device %s/%s: %w", payload.UserID, payload.DeviceID, ErrDeviceReuse)
	}

	rec := &DeviceRecord{
		UserID:     payload.UserID,
		DeviceID:   payload.DeviceID,
		Algorithms: payload.Algorithms,
		Curve25519: curveKey,
		Ed25519:    edKey,
		Verified:   existing != nil && existing.Verified,
	}
	if err := d.store.UpsertTrackedDevice(ctx, rec); err != nil {
		return nil, fmt.Errorf("admit device %s/%s: %w", payload.UserID, payload.DeviceID, err)
	}
	return rec, nil
}

func (d *Directory) verifySelfSignature(payload *DeviceKeysPayload, edKey id.Ed25519) error {
	userSigs, ok := payload.Signatures[string(payload.UserID)]
	if !ok {
		return fmt.Errorf("%w: no self-signature block", ErrSignatureMismatch)
	}
	sigB64, ok := userSigs[fmt.Sprintf("ed25519:%s", payload.DeviceID)]
	if !ok {
		return fmt.Errorf("%w: no ed25519 self-signature", ErrSignatureMismatch)
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		if sig, err = base64.StdEncoding.DecodeString(sigB64); err != nil {
			return fmt.Errorf("decode self-signature: %w", err)
		}
	}
	canon, err := d.prim.CanonicalJSON(payload.Raw)
	if err != nil {
		return fmt.Errorf("canonicalize device keys: %w", err)
	}
	pub, err := decodeEd25519(edKey)
	if err != nil {
		return err
	}
	if !d.prim.Ed25519Verify(pub, canon, sig) {
		return ErrSignatureMismatch
	}
	return nil
}

func extractDeviceKeys(payload *DeviceKeysPayload) (curve id.Curve25519, ed id.Ed25519, err error) {
	curveRaw, ok := payload.Keys[fmt.Sprintf("curve25519:%s", payload.DeviceID)]
	if !ok {
		return "", "", fmt.Errorf("missing curve25519 key")
	}
	edRaw, ok := payload.Keys[fmt.Sprintf("ed25519:%s", payload.DeviceID)]
	if !ok {
		return "", "", fmt.Errorf("missing ed25519 key")
	}
	return id.Curve25519(curveRaw), id.Ed25519(edRaw), nil
}

func hasSupportedAlgorithm(algs []id.Algorithm) bool {
	for _, a := range algs {
		if a == id.AlgorithmOlmV1 || a == id.AlgorithmMegolmV1 {
			return true
		}
	}
	return false
}

func decodeEd25519(key id.Ed25519) (ed25519.PublicKey, error) {
	raw, err := base64.RawStdEncoding.DecodeString(string(key))
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(string(key))
		if err != nil {
			return nil, fmt.Errorf("decode ed25519 key: %w", err)
		}
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("ed25519 key has wrong length: %d", len(raw))
	}
	return ed25519.PublicKey(raw), nil
}

// decodeCurve25519 decodes a base64-encoded Curve25519 public key, accepting
// both the unpadded and padded encodings the client-server API mixes across
// endpoints (same tolerance as decodeEd25519).
func decodeCurve25519(key id.Curve25519) ([]byte, error) {
	raw, err := base64.RawStdEncoding.DecodeString(string(key))
	if err != nil {
		raw, err = base64.StdEncoding.DecodeString(string(key))
		if err != nil {
			return nil, fmt.Errorf("decode curve25519 key: %w", err)
		}
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("curve25519 key has wrong length: %d", len(raw))
	}
	return raw, nil
}

// TrackedDevices returns every device currently tracked for userID.
func (d *Directory) TrackedDevices(ctx context.Context, userID id.UserID) ([]*DeviceRecord, error) {
	return d.store.TrackedDevices(ctx, userID)
}

// StartTracking and StopTracking manage the tracked/outdated user sets
// (spec.md §3, §4.4): a newly tracked user is immediately marked outdated so
// the next QueryKeys cycle fetches its devices.
func (d *Directory) StartTracking(ctx context.Context, userID id.UserID) error {
	if err := d.store.AddTrackedUser(ctx, userID); err != nil {
		return fmt.Errorf("start tracking %s: %w", userID, err)
	}
	if err := d.store.AddOutdatedUser(ctx, userID); err != nil {
		return fmt.Errorf("start tracking %s: %w", userID, err)
	}
	return nil
}

func (d *Directory) StopTracking(ctx context.Context, userID id.UserID) error {
	if err := d.store.RemoveTrackedUser(ctx, userID); err != nil {
		return fmt.Errorf("stop tracking %s: %w", userID, err)
	}
	if err := d.store.RemoveOutdatedUser(ctx, userID); err != nil {
		return fmt.Errorf("stop tracking %s: %w", userID, err)
	}
	if err := d.store.RemoveUserDevices(ctx, userID); err != nil {
		return fmt.Errorf("stop tracking %s: %w", userID, err)
	}
	return nil
}

// DeviceForCurveKey maps a sender's Curve25519 identity key back to the
// device that advertises it, used by broken-session recovery to find the
// device to re-claim keys for (spec.md §4.7).
func (d *Directory) DeviceForCurveKey(ctx context.Context, curveKey id.Curve25519) (*DeviceRecord, error) {
	return d.store.DeviceByCurveKey(ctx, curveKey)
}

// Device looks up one tracked device's record by (userID, deviceID), used to
// recover a device's Ed25519 signing key when verifying a claimed one-time
// key (spec.md §4.5 steps 1-2).
func (d *Directory) Device(ctx context.Context, userID id.UserID, deviceID id.DeviceID) (*DeviceRecord, error) {
	return d.store.GetTrackedDevice(ctx, DeviceKey{UserID: userID, DeviceID: deviceID})
}

// verifySignedKeyObject checks that raw (e.g. a claimed signed one-time key)
// carries a valid Ed25519 self-signature from signerUserID/deviceID under
// signerEd25519 (spec.md §4.4, §4.5 steps 1-2). CanonicalJSON strips the
// signatures member itself, so raw may be passed through unmodified.
func verifySignedKeyObject(prim Primitives, signerUserID id.UserID, deviceID id.DeviceID, signerEd25519 id.Ed25519, raw map[string]interface{}) error {
	sigsRaw, ok := raw["signatures"]
	if !ok {
		return fmt.Errorf("%w: no signatures block", ErrSignatureMismatch)
	}
	sigs, ok := sigsRaw.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%w: malformed signatures block", ErrSignatureMismatch)
	}
	userSigsRaw, ok := sigs[string(signerUserID)]
	if !ok {
		return fmt.Errorf("%w: no signature from %s", ErrSignatureMismatch, signerUserID)
	}
	userSigs, ok := userSigsRaw.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%w: malformed signature block", ErrSignatureMismatch)
	}
	sigB64, ok := userSigs[fmt.Sprintf("ed25519:%s", deviceID)].(string)
	if !ok {
		return fmt.Errorf("%w: no ed25519 signature for device %s", ErrSignatureMismatch, deviceID)
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		if sig, err = base64.StdEncoding.DecodeString(sigB64); err != nil {
			return fmt.Errorf("decode signature: %w", err)
		}
	}
	canon, err := prim.CanonicalJSON(raw)
	if err != nil {
		return fmt.Errorf("canonicalize signed object: %w", err)
	}
	pub, err := decodeEd25519(signerEd25519)
	if err != nil {
		return err
	}
	if !prim.Ed25519Verify(pub, canon, sig) {
		return ErrSignatureMismatch
	}
	return nil
}

// ApplyDeviceListDelta folds a sync device_lists {changed, left} delta into
// the tracked/outdated sets (spec.md §4.4).
func (d *Directory) ApplyDeviceListDelta(ctx context.Context, changed, left []id.UserID) error {
	if err := d.store.ConsumeDeviceListDelta(ctx, changed, left); err != nil {
		return fmt.Errorf("apply device list delta: %w", err)
	}
	return nil
}

// OutdatedUsers returns the users whose device lists must be refreshed on
// the next QueryKeys cycle.
func (d *Directory) OutdatedUsers(ctx context.Context) ([]id.UserID, error) {
	return d.store.OutdatedUsers(ctx)
}
