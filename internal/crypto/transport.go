package crypto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/id"
)

// Transport is the narrow capability the core needs from the Matrix
// client-server API (spec.md §6, §9). It deliberately knows nothing about
// sync loops or retries — those are the caller's concern; Transport is
// just the handful of endpoints the nine components call directly.
type Transport interface {
	UploadDeviceKeys(ctx context.Context, signedDeviceKeys map[string]interface{}) error
	UploadOneTimeKeys(ctx context.Context, oneTimeKeys map[string]interface{}) error
	QueryKeys(ctx context.Context, users []id.UserID) (map[id.UserID]map[id.DeviceID]*DeviceKeysPayload, error)
	ClaimOneTimeKeys(ctx context.Context, devices map[id.UserID][]id.DeviceID) (map[id.UserID]map[id.DeviceID]*ClaimedOneTimeKey, error)
	SendToDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID, encryptedEventJSON string) error
	GetRoomKeysVersion(ctx context.Context) (*MegolmBackupVersion, error)
	GetRoomKeys(ctx context.Context, version string) (map[id.RoomID]map[id.SessionID]*MegolmBackupSessionData, error)
}

// ClaimedOneTimeKey is one claimed signed_curve25519 one-time key: the
// Curve25519 public key plus the full signed JSON object it was published
// in, kept so the caller can verify the device's Ed25519 self-signature
// before trusting it (spec.md §4.5 steps 1-2).
type ClaimedOneTimeKey struct {
	Key id.Curve25519
	Raw map[string]interface{}
}

// MegolmBackupVersion is the body of GET /room_keys/version (spec.md §4.8
// step 1).
type MegolmBackupVersion struct {
	Version   string                 `json:"version"`
	Algorithm string                 `json:"algorithm"`
	AuthData  map[string]interface{} `json:"auth_data"`
}

// MegolmBackupSessionData is one entry's encrypted session_data from
// GET /room_keys/keys (spec.md §4.8 step 3).
type MegolmBackupSessionData struct {
	Ciphertext string
	MAC        string
	EphemeralKey string
}

// httpTransport is a minimal net/http-backed Transport implementation for
// demonstration and integration testing against a real homeserver; it is
// not the production transport (spec.md §6 treats the transport as
// supplied externally) but gives the daemon something concrete to run.
type httpTransport struct {
	client      *http.Client
	baseURL     string
	accessToken string
}

func NewHTTPTransport(client *http.Client, baseURL, accessToken string) Transport {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpTransport{client: client, baseURL: baseURL, accessToken: accessToken}
}

func (t *httpTransport) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}
	return nil
}

func (t *httpTransport) UploadDeviceKeys(ctx context.Context, signedDeviceKeys map[string]interface{}) error {
	return t.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", map[string]interface{}{
		"device_keys": signedDeviceKeys,
	}, nil)
}

func (t *httpTransport) UploadOneTimeKeys(ctx context.Context, oneTimeKeys map[string]interface{}) error {
	return t.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/upload", map[string]interface{}{
		"one_time_keys": oneTimeKeys,
	}, nil)
}

func (t *httpTransport) QueryKeys(ctx context.Context, users []id.UserID) (map[id.UserID]map[id.DeviceID]*DeviceKeysPayload, error) {
	deviceKeys := make(map[id.UserID][]id.DeviceID, len(users))
	for _, u := range users {
		deviceKeys[u] = nil
	}
	var resp struct {
		DeviceKeys map[id.UserID]map[id.DeviceID]struct {
			Algorithms []id.Algorithm               `json:"algorithms"`
			Keys       map[string]string            `json:"keys"`
			Signatures map[string]map[string]string `json:"signatures"`
		} `json:"device_keys"`
	}
	if err := t.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/query", map[string]interface{}{
		"device_keys": deviceKeys,
	}, &resp); err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}

	out := make(map[id.UserID]map[id.DeviceID]*DeviceKeysPayload, len(resp.DeviceKeys))
	for userID, devices := range resp.DeviceKeys {
		out[userID] = make(map[id.DeviceID]*DeviceKeysPayload, len(devices))
		for deviceID, d := range devices {
			raw := map[string]interface{}{
				"user_id":    userID,
				"device_id":  deviceID,
				"algorithms": d.Algorithms,
				"keys":       d.Keys,
				"signatures": d.Signatures,
			}
			out[userID][deviceID] = &DeviceKeysPayload{
				UserID:     userID,
				DeviceID:   deviceID,
				Algorithms: d.Algorithms,
				Keys:       d.Keys,
				Signatures: d.Signatures,
				Raw:        raw,
			}
		}
	}
	return out, nil
}

func (t *httpTransport) ClaimOneTimeKeys(ctx context.Context, devices map[id.UserID][]id.DeviceID) (map[id.UserID]map[id.DeviceID]*ClaimedOneTimeKey, error) {
	oneTimeKeys := make(map[id.UserID]map[id.DeviceID]string, len(devices))
	for userID, deviceIDs := range devices {
		perDevice := make(map[id.DeviceID]string, len(deviceIDs))
		for _, d := range deviceIDs {
			perDevice[d] = "signed_curve25519"
		}
		oneTimeKeys[userID] = perDevice
	}
	var resp struct {
		OneTimeKeys map[id.UserID]map[id.DeviceID]map[string]json.RawMessage `json:"one_time_keys"`
	}
	if err := t.do(ctx, http.MethodPost, "/_matrix/client/v3/keys/claim", map[string]interface{}{
		"one_time_keys": oneTimeKeys,
	}, &resp); err != nil {
		return nil, fmt.Errorf("claim one-time keys: %w", err)
	}
	out := make(map[id.UserID]map[id.DeviceID]*ClaimedOneTimeKey, len(resp.OneTimeKeys))
	for userID, devices := range resp.OneTimeKeys {
		out[userID] = make(map[id.DeviceID]*ClaimedOneTimeKey, len(devices))
		for deviceID, keys := range devices {
			for algKeyID, raw := range keys {
				if !strings.HasPrefix(algKeyID, "signed_curve25519:") {
					continue
				}
				var obj map[string]interface{}
				if err := json.Unmarshal(raw, &obj); err != nil {
					continue
				}
				keyStr, _ := obj["key"].(string)
				if keyStr == "" {
					continue
				}
				out[userID][deviceID] = &ClaimedOneTimeKey{Key: id.Curve25519(keyStr), Raw: obj}
				break
			}
		}
	}
	return out, nil
}

func (t *httpTransport) SendToDevice(ctx context.Context, userID id.UserID, deviceID id.DeviceID, encryptedEventJSON string) error {
	var content map[string]interface{}
	if err := json.Unmarshal([]byte(encryptedEventJSON), &content); err != nil {
		return fmt.Errorf("send to device: %w", err)
	}
	// The path segment is a client-generated transaction id for idempotent
	// retry, unrelated to any event id (spec.md §6).
	path := fmt.Sprintf("/_matrix/client/v3/sendToDevice/m.room.encrypted/%s", uuid.NewString())
	return t.do(ctx, http.MethodPut, path, map[string]interface{}{
		"messages": map[id.UserID]map[id.DeviceID]interface{}{
			userID: {deviceID: content},
		},
	}, nil)
}

func (t *httpTransport) GetRoomKeysVersion(ctx context.Context) (*MegolmBackupVersion, error) {
	var resp MegolmBackupVersion
	if err := t.do(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/version", nil, &resp); err != nil {
		return nil, fmt.Errorf("get room keys version: %w", err)
	}
	return &resp, nil
}

func (t *httpTransport) GetRoomKeys(ctx context.Context, version string) (map[id.RoomID]map[id.SessionID]*MegolmBackupSessionData, error) {
	var resp struct {
		Rooms map[id.RoomID]struct {
			Sessions map[id.SessionID]struct {
				SessionData struct {
					Ciphertext   string `json:"ciphertext"`
					MAC          string `json:"mac"`
					EphemeralKey string `json:"ephemeral"`
				} `json:"session_data"`
			} `json:"sessions"`
		} `json:"rooms"`
	}
	if err := t.do(ctx, http.MethodGet, "/_matrix/client/v3/room_keys/keys?version="+version, nil, &resp); err != nil {
		return nil, fmt.Errorf("get room keys: %w", err)
	}
	out := make(map[id.RoomID]map[id.SessionID]*MegolmBackupSessionData, len(resp.Rooms))
	for roomID, room := range resp.Rooms {
		out[roomID] = make(map[id.SessionID]*MegolmBackupSessionData, len(room.Sessions))
		for sessionID, s := range room.Sessions {
			out[roomID][sessionID] = &MegolmBackupSessionData{
				Ciphertext:   s.SessionData.Ciphertext,
				MAC:          s.SessionData.MAC,
				EphemeralKey: s.SessionData.EphemeralKey,
			}
		}
	}
	return out, nil
}
