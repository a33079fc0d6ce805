package crypto

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// State is the Session Manager's lifecycle, exactly the progression named
// in spec.md §4.7: Cold -> LoadingAccount -> PublishingKeys -> (conditionally
// UploadingOTKs) -> LoadingDevices -> Ready. A crash at any point resumes
// from Cold and replays the whole sequence; every step is idempotent.
type State int

const (
	StateCold State = iota
	StateLoadingAccount
	StatePublishingKeys
	StateUploadingOTKs
	StateLoadingDevices
	StateReady
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateLoadingAccount:
		return "loading_account"
	case StatePublishingKeys:
		return "publishing_keys"
	case StateUploadingOTKs:
		return "uploading_otks"
	case StateLoadingDevices:
		return "loading_devices"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Manager is the C7 Session Manager: the only component that drives the
// other eight from sync input and outbound send requests (spec.md §2, §4.7).
// QueryKeys is a singleton per account — a new refresh cancels any one
// in-flight — and SendSessionKeyToDevices calls made while a query is in
// flight are queued and flushed once it resolves (spec.md §4.7, §5).
type Manager struct {
	log       *slog.Logger
	store     *Store
	account   *IdentityAccount
	directory *Directory
	olm       *OlmSessions
	megolm    *GroupSessions
	prim      Primitives
	transport Transport
	userID    id.UserID
	deviceID  id.DeviceID

	mu                       sync.Mutex
	state                    State
	queryCancel              context.CancelFunc
	queryGeneration          uint64
	deferred                 []func(ctx context.Context)
	triedDevices             map[DeviceKey]bool
	metrics                  *Metrics
	encryptionUpdateRequired bool
	pendingToDevice          []*event.Event
	pendingSessionEvents     map[id.SessionID][]*event.Event
}

// SetMetrics attaches a Metrics recorder. Optional; when unset the manager
// simply does not record anything.
func (m *Manager) SetMetrics(metrics *Metrics) {
	m.metrics = metrics
}

// NewManager wires the eight supporting components into one Session
// Manager. Construction does no I/O; call Start to bring it up.
func NewManager(log *slog.Logger, store *Store, account *IdentityAccount, directory *Directory, olm *OlmSessions, megolm *GroupSessions, prim Primitives, transport Transport, userID id.UserID, deviceID id.DeviceID) *Manager {
	return &Manager{
		log:       log,
		store:     store,
		account:   account,
		directory: directory,
		olm:       olm,
		megolm:    megolm,
		prim:      prim,
		transport: transport,
		userID:    userID,
		deviceID:  deviceID,
		state:     StateCold,
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	m.log.Debug("session manager state transition", "state", s.String())
	if m.metrics != nil {
		m.metrics.SetState(s)
	}
}

// Start runs the full Cold -> Ready bootstrap sequence (spec.md §4.7).
func (m *Manager) Start(ctx context.Context) error {
	m.setState(StateLoadingAccount)
	if err := m.account.Load(ctx); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}
	if err := m.olm.Warm(ctx); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}

	m.setState(StatePublishingKeys)
	if err := m.publishDeviceKeys(ctx); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}

	if err := m.maybeUploadOneTimeKeys(ctx, 0); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}

	m.setState(StateLoadingDevices)
	if err := m.refreshOutdatedDevices(ctx); err != nil {
		return fmt.Errorf("start session manager: %w", err)
	}

	m.setState(StateReady)
	return nil
}

func (m *Manager) publishDeviceKeys(ctx context.Context) error {
	ed, curve := m.account.IdentityKeys()
	payload := map[string]interface{}{
		"user_id":    m.userID,
		"device_id":  m.deviceID,
		"algorithms": []id.Algorithm{id.AlgorithmOlmV1, id.AlgorithmMegolmV1},
		"keys": map[string]string{
			fmt.Sprintf("curve25519:%s", m.deviceID): string(curve),
			fmt.Sprintf("ed25519:%s", m.deviceID):    string(ed),
		},
	}
	canon, err := m.prim.CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("publish device keys: %w", err)
	}
	sig := m.account.SignJSON(canon)
	payload["signatures"] = map[string]map[string]string{
		string(m.userID): {fmt.Sprintf("ed25519:%s", m.deviceID): sig},
	}
	if err := m.transport.UploadDeviceKeys(ctx, payload); err != nil {
		return fmt.Errorf("publish device keys: %w", err)
	}
	return nil
}

// maybeUploadOneTimeKeys implements spec.md §4.7/§8 scenario 2: refill
// one-time keys once the server-reported unused count drops below 40% of
// the account maximum, uploading up to half of the maximum and marking
// them published only after the server has acknowledged them.
func (m *Manager) maybeUploadOneTimeKeys(ctx context.Context, serverUnusedCount uint) error {
	need, ok := m.account.NeedsOneTimeKeys(serverUnusedCount)
	if !ok {
		return nil
	}
	m.setState(StateUploadingOTKs)
	keys, err := m.account.GenerateOneTimeKeys(ctx, need)
	if err != nil {
		return fmt.Errorf("upload one-time keys: %w", err)
	}
	signed := make(map[string]interface{}, len(keys))
	for keyID, otk := range keys {
		signed[fmt.Sprintf("signed_curve25519:%s", keyID)] = otk
	}
	if err := m.transport.UploadOneTimeKeys(ctx, signed); err != nil {
		return fmt.Errorf("upload one-time keys: %w", err)
	}
	if err := m.account.MarkOneTimeKeysPublished(ctx); err != nil {
		return fmt.Errorf("upload one-time keys: %w", err)
	}
	m.setState(StateReady)
	return nil
}

// HandleSync processes one /sync response in the exact order required by
// spec.md §4.7/§9: OTK count, device-list delta, state events, timeline
// events, to-device events, account-data events. Each stage runs to
// completion (and logs, rather than aborts, per-item faults) before the
// next begins, since a later stage can depend on an earlier one having
// already updated tracked-device or session state.
func (m *Manager) HandleSync(ctx context.Context, otkCounts map[id.Algorithm]int, deviceListChanged, deviceListLeft []id.UserID, stateEvents, timelineEvents, toDeviceEvents, accountDataEvents []*event.Event) error {
	if err := m.maybeUploadOneTimeKeys(ctx, uint(otkCounts[id.AlgorithmSignedCurve25519])); err != nil {
		m.log.Error("one-time key refill failed", "error", err)
	}

	if len(deviceListChanged) > 0 || len(deviceListLeft) > 0 {
		if err := m.directory.ApplyDeviceListDelta(ctx, deviceListChanged, deviceListLeft); err != nil {
			m.log.Error("device list delta failed", "error", err)
		} else {
			m.refreshAsync(ctx)
		}
	}

	for _, evt := range stateEvents {
		m.handleStateEvent(ctx, evt)
	}
	for _, evt := range timelineEvents {
		if _, err := m.DecryptTimelineEvent(ctx, evt); err != nil {
			m.log.Warn("failed to decrypt timeline event", "event_id", evt.ID, "error", err)
		}
	}
	for _, evt := range toDeviceEvents {
		m.handleToDeviceEvent(ctx, evt)
	}
	for _, evt := range accountDataEvents {
		m.handleAccountDataEvent(ctx, evt)
	}
	return nil
}

func (m *Manager) handleStateEvent(ctx context.Context, evt *event.Event) {
	if evt.Type != event.StateEncryption {
		return
	}
	m.log.Info("room marked encrypted", "room_id", evt.RoomID)
}

func (m *Manager) handleToDeviceEvent(ctx context.Context, evt *event.Event) {
	if evt.Type != event.ToDeviceEncrypted {
		return
	}
	m.handleEncryptedToDevice(ctx, evt)
}

// queuePendingToDevice holds an encrypted to-device event whose sender
// Curve25519 key is not yet in the Device Directory: the sender is added to
// the tracked/outdated sets and a refresh is kicked off, and the event is
// redriven once that refresh completes (spec.md §4.7).
func (m *Manager) queuePendingToDevice(ctx context.Context, evt *event.Event, senderKey id.SenderKey) {
	m.mu.Lock()
	m.encryptionUpdateRequired = true
	m.pendingToDevice = append(m.pendingToDevice, evt)
	m.mu.Unlock()

	if err := m.directory.StartTracking(ctx, evt.Sender); err != nil {
		m.log.Error("failed to start tracking sender of queued to-device event", "sender", evt.Sender, "error", err)
	}
	m.log.Warn("queued encrypted to-device event from untracked sender", "event_id", evt.ID, "sender", evt.Sender, "sender_key", senderKey)
	m.refreshAsync(ctx)
}

func (m *Manager) handleAccountDataEvent(ctx context.Context, evt *event.Event) {
	// SSSS default-key rotation and key-backup version bumps are observed
	// here and acted on by the SSSS Unlocker/key-backup importer, which the
	// caller drives explicitly via Unlocker — this stage only logs arrival
	// so operators can see the account crossed an SSSS epoch.
	if evt.Type.Type == "m.secret_storage.default_key" {
		m.log.Info("secret storage default key changed")
	}
}

// refreshAsync starts (or restarts) the QueryKeys singleton: a new refresh
// cancels any one already in flight rather than letting two races clobber
// each other's results (spec.md §4.7, §5).
func (m *Manager) refreshAsync(ctx context.Context) {
	m.mu.Lock()
	if m.queryCancel != nil {
		m.queryCancel()
	}
	queryCtx, cancel := context.WithCancel(ctx)
	m.queryCancel = cancel
	m.queryGeneration++
	generation := m.queryGeneration
	m.mu.Unlock()

	go func() {
		defer cancel()
		err := m.refreshOutdatedDevices(queryCtx)
		if err != nil && queryCtx.Err() == nil {
			m.log.Error("device key refresh failed", "error", err)
		}
		m.mu.Lock()
		current := m.queryGeneration == generation
		var pending []func(ctx context.Context)
		var pendingToDevice []*event.Event
		if current {
			pending, m.deferred = m.deferred, nil
			m.queryCancel = nil
			if err == nil {
				pendingToDevice, m.pendingToDevice = m.pendingToDevice, nil
				m.encryptionUpdateRequired = false
			}
		}
		m.mu.Unlock()
		for _, fn := range pending {
			fn(ctx)
		}
		// Redrive encrypted to-device events that arrived from a sender whose
		// device was not yet tracked: the refresh that just completed may have
		// admitted it (spec.md §4.7).
		for _, evt := range pendingToDevice {
			m.handleEncryptedToDevice(ctx, evt)
		}
	}()
}

func (m *Manager) refreshOutdatedDevices(ctx context.Context) error {
	users, err := m.directory.OutdatedUsers(ctx)
	if err != nil {
		return fmt.Errorf("refresh outdated devices: %w", err)
	}
	if len(users) == 0 {
		return nil
	}
	response, err := m.transport.QueryKeys(ctx, users)
	if err != nil {
		return fmt.Errorf("refresh outdated devices: %w", err)
	}
	for userID, devices := range response {
		for deviceID, payload := range devices {
			payload.UserID = userID
			payload.DeviceID = deviceID
			if _, err := m.directory.AdmitDevice(ctx, payload); err != nil {
				m.log.Warn("rejected device", "user_id", userID, "device_id", deviceID, "error", err)
			}
		}
		if err := m.store.RemoveOutdatedUser(ctx, userID); err != nil {
			m.log.Error("failed to clear outdated flag", "user_id", userID, "error", err)
		}
	}
	return nil
}

// SendSessionKeyToDevices shares roomID's current outbound Megolm session
// with every device in candidates that has not already received it. If a
// QueryKeys refresh is in flight the send is deferred until it resolves, so
// the device list used to address it is never stale mid-query (spec.md
// §4.7).
func (m *Manager) SendSessionKeyToDevices(ctx context.Context, roomID id.RoomID, candidates []DeviceIdentity) error {
	m.mu.Lock()
	inFlight := m.queryCancel != nil
	if inFlight {
		m.deferred = append(m.deferred, func(ctx context.Context) {
			if err := m.sendSessionKeyToDevices(ctx, roomID, candidates); err != nil {
				m.log.Error("deferred session key send failed", "room_id", roomID, "error", err)
			}
		})
	}
	m.mu.Unlock()
	if inFlight {
		return nil
	}
	return m.sendSessionKeyToDevices(ctx, roomID, candidates)
}

// EncryptRoomEvent is the send gate for room messages (spec.md §4.7): ensure
// the room's outbound Megolm session is current, share it with any device
// that has not yet received it, then encrypt plaintext and wrap it as
// m.room.encrypted. relatesTo, if non-empty, is carried onto the outer
// envelope unchanged.
func (m *Manager) EncryptRoomEvent(ctx context.Context, roomID id.RoomID, candidates []DeviceIdentity, plaintext []byte, relatesTo json.RawMessage) (map[string]interface{}, error) {
	if err := m.ensureCurrentOutboundSession(ctx, roomID); err != nil {
		return nil, fmt.Errorf("encrypt room event: %w", err)
	}
	if err := m.SendSessionKeyToDevices(ctx, roomID, candidates); err != nil {
		return nil, fmt.Errorf("encrypt room event: %w", err)
	}

	ciphertext, sessionID, _, err := m.megolm.Encrypt(ctx, roomID, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt room event: %w", err)
	}

	_, ownCurve := m.account.IdentityKeys()
	content := map[string]interface{}{
		"algorithm":  id.AlgorithmMegolmV1,
		"sender_key": ownCurve,
		"device_id":  m.deviceID,
		"session_id": sessionID,
		"ciphertext": ciphertext,
	}
	if len(relatesTo) > 0 {
		content["m.relates_to"] = relatesTo
	}
	return content, nil
}

func (m *Manager) ensureCurrentOutboundSession(ctx context.Context, roomID id.RoomID) error {
	session, needsRotation, err := m.megolm.OutboundSession(ctx, roomID)
	if err != nil {
		return err
	}
	if session != nil && !needsRotation {
		return nil
	}
	rotated, err := m.megolm.RotateOutboundSession(ctx, roomID)
	if err != nil {
		return err
	}
	_, ownCurve := m.account.IdentityKeys()
	if err := m.megolm.MirrorOwnSession(ctx, roomID, m.userID, id.SenderKey(ownCurve), rotated); err != nil {
		m.log.Error("failed to mirror own outbound session", "room_id", roomID, "error", err)
	}
	return nil
}

// ensureOlmSessions returns the subset of candidates that have a usable Olm
// session, claiming one-time keys and establishing outbound sessions for
// whichever ones do not (spec.md §4.7 "Outbound room-key distribution" steps
// 1-2). A device whose claim fails or whose session cannot be established is
// logged and dropped — it will be retried on the next redistribution pass
// since it still shows up as missing the room key.
func (m *Manager) ensureOlmSessions(ctx context.Context, candidates []DeviceIdentity) []DeviceIdentity {
	ready := make([]DeviceIdentity, 0, len(candidates))
	var need map[id.UserID][]id.DeviceID
	byKey := make(map[DeviceKey]DeviceIdentity, len(candidates))
	for _, d := range candidates {
		if _, ok := m.olm.FrontSession(d.Curve25519); ok {
			ready = append(ready, d)
			continue
		}
		if need == nil {
			need = make(map[id.UserID][]id.DeviceID)
		}
		need[d.UserID] = append(need[d.UserID], d.DeviceID)
		byKey[DeviceKey{UserID: d.UserID, DeviceID: d.DeviceID}] = d
	}
	if len(need) == 0 {
		return ready
	}

	claimed, err := m.transport.ClaimOneTimeKeys(ctx, need)
	if err != nil {
		m.log.Error("claim one-time keys failed", "error", err)
		return ready
	}
	for userID, devices := range claimed {
		for deviceID, otk := range devices {
			d, ok := byKey[DeviceKey{UserID: userID, DeviceID: deviceID}]
			if !ok {
				continue
			}
			record, err := m.directory.Device(ctx, userID, deviceID)
			if err != nil {
				m.log.Warn("failed to look up device for one-time key verification", "user_id", userID, "device_id", deviceID, "error", err)
				continue
			}
			if record == nil {
				m.log.Warn("claimed one-time key for an untracked device", "user_id", userID, "device_id", deviceID)
				continue
			}
			if err := verifySignedKeyObject(m.prim, userID, deviceID, record.Ed25519, otk.Raw); err != nil {
				m.log.Warn("claimed one-time key failed signature verification", "user_id", userID, "device_id", deviceID, "error", err)
				continue
			}
			session, err := m.account.NewOutboundSession(d.Curve25519, otk.Key)
			if err != nil {
				m.log.Warn("failed to create outbound olm session", "user_id", userID, "device_id", deviceID, "error", err)
				continue
			}
			if err := m.olm.Remember(ctx, d.Curve25519, session); err != nil {
				m.log.Error("failed to persist new outbound olm session", "user_id", userID, "device_id", deviceID, "error", err)
				continue
			}
			ready = append(ready, d)
		}
	}
	return ready
}

func (m *Manager) sendSessionKeyToDevices(ctx context.Context, roomID id.RoomID, candidates []DeviceIdentity) error {
	targets, err := m.store.DevicesWithoutKey(ctx, roomID, "", candidates)
	if err != nil {
		return fmt.Errorf("send session key to devices: %w", err)
	}
	if len(targets) == 0 {
		return nil
	}
	targets = m.ensureOlmSessions(ctx, targets)
	if len(targets) == 0 {
		return nil
	}
	session, needsRotation, err := m.megolm.OutboundSession(ctx, roomID)
	if err != nil {
		return fmt.Errorf("send session key to devices: %w", err)
	}
	if session == nil || needsRotation {
		session, err = m.megolm.RotateOutboundSession(ctx, roomID)
		if err != nil {
			return fmt.Errorf("send session key to devices: %w", err)
		}
		_, ownCurve := m.account.IdentityKeys()
		if err := m.megolm.MirrorOwnSession(ctx, roomID, m.userID, id.SenderKey(ownCurve), session); err != nil {
			m.log.Error("failed to mirror own outbound session", "room_id", roomID, "error", err)
		}
	}

	for _, target := range targets {
		payload := map[string]interface{}{
			"algorithm":   id.AlgorithmMegolmV1,
			"room_id":     roomID,
			"session_id":  session.ID(),
			"session_key": session.Key(),
		}
		if err := m.encryptAndSendToDevice(ctx, target, event.ToDeviceRoomKey, payload); err != nil {
			m.log.Error("failed to send session key", "user_id", target.UserID, "device_id", target.DeviceID, "error", err)
			continue
		}
	}
	return m.store.SetDevicesReceivedKey(ctx, roomID, targets, session.ID(), session.MessageIndex())
}

func (m *Manager) encryptAndSendToDevice(ctx context.Context, target DeviceIdentity, evtType event.Type, payload map[string]interface{}) error {
	session, ok := m.olm.FrontSession(target.Curve25519)
	if !ok {
		return fmt.Errorf("encrypt to device: %w", ErrUnknownSession)
	}
	recipient, err := m.directory.Device(ctx, target.UserID, target.DeviceID)
	if err != nil {
		return fmt.Errorf("encrypt to device: %w", err)
	}
	if recipient == nil {
		return fmt.Errorf("encrypt to device: no tracked device %s/%s", target.UserID, target.DeviceID)
	}
	olmPayload := map[string]interface{}{
		"type":           evtType,
		"content":        payload,
		"sender":         m.userID,
		"sender_device":  m.deviceID,
		"keys":           map[string]string{"ed25519": string(mustEd25519(m.account))},
		"recipient":      target.UserID,
		"recipient_keys": map[string]string{"ed25519": string(recipient.Ed25519)},
	}
	plaintext, err := json.Marshal(olmPayload)
	if err != nil {
		return fmt.Errorf("encrypt to device: %w", err)
	}
	msgType, ciphertext := session.Encrypt(plaintext)
	if err := m.olm.Remember(ctx, target.Curve25519, session); err != nil {
		return fmt.Errorf("encrypt to device: %w", err)
	}

	_, ownCurve := m.account.IdentityKeys()
	envelope := olmCiphertext{
		Algorithm: id.AlgorithmOlmV1,
		SenderKey: id.SenderKey(ownCurve),
		Ciphertext: map[id.Curve25519]olmCiphertextEntry{
			target.Curve25519: {Type: msgType, Body: string(ciphertext)},
		},
	}
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encrypt to device: %w", err)
	}
	return m.transport.SendToDevice(ctx, target.UserID, target.DeviceID, string(body))
}

// recoverBrokenSession implements broken-session recovery (spec.md §4.7): when
// a General olm message fails to decrypt against every known session for a
// sender, look the sender's device up by its Curve25519 identity key, claim a
// fresh one-time key for it, establish a brand new outbound session, and send
// an m.dummy event over it to resynchronize the ratchet. Only the first
// attempt per device is made for the life of the process: triedDevices is
// never cleared.
func (m *Manager) recoverBrokenSession(ctx context.Context, senderKey id.SenderKey) {
	device, err := m.directory.DeviceForCurveKey(ctx, id.Curve25519(senderKey))
	if err != nil {
		m.log.Error("broken session recovery: device lookup failed", "sender_key", senderKey, "error", err)
		return
	}
	if device == nil {
		m.log.Warn("broken session recovery: no tracked device for sender key", "sender_key", senderKey)
		return
	}

	key := DeviceKey{UserID: device.UserID, DeviceID: device.DeviceID}
	m.mu.Lock()
	if m.triedDevices == nil {
		m.triedDevices = make(map[DeviceKey]bool)
	}
	if m.triedDevices[key] {
		m.mu.Unlock()
		return
	}
	m.triedDevices[key] = true
	m.mu.Unlock()

	claimed, err := m.transport.ClaimOneTimeKeys(ctx, map[id.UserID][]id.DeviceID{device.UserID: {device.DeviceID}})
	if err != nil {
		m.log.Error("broken session recovery: claim keys failed", "user_id", device.UserID, "device_id", device.DeviceID, "error", err)
		return
	}
	otk, ok := claimed[device.UserID][device.DeviceID]
	if !ok {
		m.log.Warn("broken session recovery: no one-time key returned", "user_id", device.UserID, "device_id", device.DeviceID)
		return
	}
	if err := verifySignedKeyObject(m.prim, device.UserID, device.DeviceID, device.Ed25519, otk.Raw); err != nil {
		m.log.Warn("broken session recovery: claimed one-time key failed signature verification", "user_id", device.UserID, "device_id", device.DeviceID, "error", err)
		return
	}

	session, err := m.account.NewOutboundSession(device.Curve25519, otk.Key)
	if err != nil {
		m.log.Warn("broken session recovery: failed to create outbound session", "user_id", device.UserID, "device_id", device.DeviceID, "error", err)
		return
	}
	if err := m.olm.Remember(ctx, device.Curve25519, session); err != nil {
		m.log.Error("broken session recovery: failed to persist session", "error", err)
		return
	}

	target := DeviceIdentity{UserID: device.UserID, DeviceID: device.DeviceID, Curve25519: device.Curve25519}
	if err := m.encryptAndSendToDevice(ctx, target, event.ToDeviceDummy, map[string]interface{}{}); err != nil {
		m.log.Error("broken session recovery: failed to send dummy event", "user_id", device.UserID, "device_id", device.DeviceID, "error", err)
		return
	}
}

func mustEd25519(account *IdentityAccount) id.Ed25519 {
	ed, _ := account.IdentityKeys()
	return ed
}
