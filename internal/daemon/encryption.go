package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/n42/mautrix-e2ee/internal/crypto"
)

// CryptoHelper is the daemon-facing encrypt/decrypt gate: callers outside
// internal/crypto never touch the Session Manager's lower-level methods
// directly, only this event-shaped interface (spec.md §4.6, §4.7 send
// gate).
type CryptoHelper interface {
	// Encrypt wraps content as the inner payload of an m.room.encrypted
	// event for roomID, sharing the room's Megolm session with candidates
	// first if needed. relatesTo, if non-nil, is carried onto the outer
	// envelope's m.relates_to unchanged.
	Encrypt(ctx context.Context, roomID id.RoomID, candidates []crypto.DeviceIdentity, content map[string]interface{}, relatesTo json.RawMessage) (map[string]interface{}, error)

	// Decrypt resolves an m.room.encrypted timeline event back to its inner
	// event type and content.
	Decrypt(ctx context.Context, evt *event.Event) (*event.Event, error)
}

// cryptoHelper adapts crypto.Manager to the CryptoHelper interface (spec.md
// §4.6 encrypt, §4.6/§7 decrypt).
type cryptoHelper struct {
	manager *crypto.Manager
}

// NewCryptoHelper wraps manager as a CryptoHelper.
func NewCryptoHelper(manager *crypto.Manager) CryptoHelper {
	return &cryptoHelper{manager: manager}
}

func (c *cryptoHelper) Encrypt(ctx context.Context, roomID id.RoomID, candidates []crypto.DeviceIdentity, content map[string]interface{}, relatesTo json.RawMessage) (map[string]interface{}, error) {
	plaintext, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("encrypt room event: marshal inner content: %w", err)
	}
	return c.manager.EncryptRoomEvent(ctx, roomID, candidates, plaintext, relatesTo)
}

func (c *cryptoHelper) Decrypt(ctx context.Context, evt *event.Event) (*event.Event, error) {
	return c.manager.DecryptTimelineEvent(ctx, evt)
}
