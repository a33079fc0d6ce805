package crypto

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"maunium.net/go/mautrix/id"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("new sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewStore(db), mock
}

func TestStore_LoadOlmAccount_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pickled FROM crypto_account WHERE id = 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"pickled"}))

	pickled, result, err := store.LoadOlmAccount(context.Background())
	if err != nil {
		t.Fatalf("load olm account: %v", err)
	}
	if result != AccountCreated {
		t.Fatalf("expected AccountCreated, got %v", result)
	}
	if pickled != nil {
		t.Fatal("expected nil pickled blob when no account exists")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_LoadOlmAccount_Found(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT pickled FROM crypto_account WHERE id = 1`)).
		WillReturnRows(sqlmock.NewRows([]string{"pickled"}).AddRow([]byte("pickled-account")))

	pickled, result, err := store.LoadOlmAccount(context.Background())
	if err != nil {
		t.Fatalf("load olm account: %v", err)
	}
	if result != AccountUnchanged {
		t.Fatalf("expected AccountUnchanged, got %v", result)
	}
	if string(pickled) != "pickled-account" {
		t.Fatalf("got %q, want %q", pickled, "pickled-account")
	}
}

func TestStore_SaveOlmAccount(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO crypto_account`)).
		WithArgs([]byte("blob")).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.SaveOlmAccount(context.Background(), []byte("blob")); err != nil {
		t.Fatalf("save olm account: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_SaveMegolmSession_RejectsDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	rec := &InboundGroupSessionRecord{
		RoomID:    "!room:example.com",
		SessionID: "session1",
		SenderKey: "sender-curve-key",
		Pickled:   []byte("pickled"),
	}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO crypto_megolm_inbound_session`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SaveMegolmSession(context.Background(), rec)
	if err == nil {
		t.Fatal("expected error for duplicate session id")
	}
	if !errors.Is(err, ErrDuplicateSession) {
		t.Fatalf("expected error to wrap ErrDuplicateSession, got %v", err)
	}
}

func TestStore_SaveMegolmSession_Succeeds(t *testing.T) {
	store, mock := newMockStore(t)
	rec := &InboundGroupSessionRecord{
		RoomID:    "!room:example.com",
		SessionID: "session1",
		SenderKey: "sender-curve-key",
		Pickled:   []byte("pickled"),
	}
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO crypto_megolm_inbound_session`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.SaveMegolmSession(context.Background(), rec); err != nil {
		t.Fatalf("save megolm session: %v", err)
	}
}

func TestStore_ConsumeDeviceListDelta_TracksAndUntracksInOneTx(t *testing.T) {
	store, mock := newMockStore(t)
	changed := []id.UserID{"@alice:example.com"}
	left := []id.UserID{"@bob:example.com"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM crypto_tracked_user WHERE user_id = $1)`)).
		WithArgs(changed[0]).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO crypto_outdated_user`)).
		WithArgs(changed[0]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM crypto_tracked_user WHERE user_id = $1`)).
		WithArgs(left[0]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM crypto_outdated_user WHERE user_id = $1`)).
		WithArgs(left[0]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM crypto_device WHERE user_id = $1`)).
		WithArgs(left[0]).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.ConsumeDeviceListDelta(context.Background(), changed, left); err != nil {
		t.Fatalf("consume device list delta: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_ConsumeDeviceListDelta_SkipsUntrackedChangedUser(t *testing.T) {
	store, mock := newMockStore(t)
	changed := []id.UserID{"@nobody:example.com"}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM crypto_tracked_user WHERE user_id = $1)`)).
		WithArgs(changed[0]).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectCommit()

	if err := store.ConsumeDeviceListDelta(context.Background(), changed, nil); err != nil {
		t.Fatalf("consume device list delta: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_DevicesWithoutKey_FiltersReceived(t *testing.T) {
	store, mock := newMockStore(t)
	roomID := id.RoomID("!room:example.com")
	sessionID := id.SessionID("session1")
	candidates := []DeviceIdentity{
		{UserID: "@alice:example.com", DeviceID: "DEVICEA", Curve25519: "keyA"},
		{UserID: "@bob:example.com", DeviceID: "DEVICEB", Curve25519: "keyB"},
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT user_id, device_id FROM crypto_devices_received_key`)).
		WithArgs(roomID, sessionID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "device_id"}).
			AddRow("@alice:example.com", "DEVICEA"))

	out, err := store.DevicesWithoutKey(context.Background(), roomID, sessionID, candidates)
	if err != nil {
		t.Fatalf("devices without key: %v", err)
	}
	if len(out) != 1 || out[0].DeviceID != "DEVICEB" {
		t.Fatalf("expected only DEVICEB to remain, got %+v", out)
	}
}

func TestStore_DevicesWithoutKey_EmptyCandidates(t *testing.T) {
	store, _ := newMockStore(t)
	out, err := store.DevicesWithoutKey(context.Background(), "!room:example.com", "session1", nil)
	if err != nil {
		t.Fatalf("devices without key: %v", err)
	}
	if out != nil {
		t.Fatal("expected nil result for empty candidate list without touching the database")
	}
}

func TestStore_EdKeyForKeyID_NotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ed25519 FROM crypto_device WHERE user_id = $1 AND device_id = $2`)).
		WithArgs(id.UserID("@alice:example.com"), "some-key-id").
		WillReturnRows(sqlmock.NewRows([]string{"ed25519"}))

	key, err := store.EdKeyForKeyID(context.Background(), "@alice:example.com", "some-key-id")
	if err != nil {
		t.Fatalf("ed key for key id: %v", err)
	}
	if key != "" {
		t.Fatalf("expected empty key when not found, got %q", key)
	}
}

func TestStore_ClearRoomData_RunsAllDeletesInOneTx(t *testing.T) {
	store, mock := newMockStore(t)
	roomID := id.RoomID("!room:example.com")

	mock.ExpectBegin()
	for i := 0; i < 4; i++ {
		mock.ExpectExec(`DELETE FROM`).WithArgs(roomID).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	if err := store.ClearRoomData(context.Background(), roomID); err != nil {
		t.Fatalf("clear room data: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestStore_StoreAndLoadEncrypted(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO crypto_encrypted_kv`)).
		WithArgs("backup-etag", []byte("value")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT blob FROM crypto_encrypted_kv WHERE name = $1`)).
		WithArgs("backup-etag").
		WillReturnRows(sqlmock.NewRows([]string{"blob"}).AddRow([]byte("value")))

	if err := store.StoreEncrypted(context.Background(), "backup-etag", []byte("value")); err != nil {
		t.Fatalf("store encrypted: %v", err)
	}
	got, err := store.LoadEncrypted(context.Background(), "backup-etag")
	if err != nil {
		t.Fatalf("load encrypted: %v", err)
	}
	if string(got) != "value" {
		t.Fatalf("got %q, want %q", got, "value")
	}
}

func TestAlgorithmList_ValueScanRoundTrip(t *testing.T) {
	list := algorithmList{id.AlgorithmOlmV1, id.AlgorithmMegolmV1}
	value, err := list.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}

	var out algorithmList
	if err := out.Scan(value); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(out) != 2 || out[0] != id.AlgorithmOlmV1 || out[1] != id.AlgorithmMegolmV1 {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestAlgorithmList_ScanNil(t *testing.T) {
	var out algorithmList
	if err := out.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if out != nil {
		t.Fatal("expected nil algorithm list after scanning nil")
	}
}

func TestAlgorithmList_ScanUnsupportedType(t *testing.T) {
	var out algorithmList
	if err := out.Scan(42); err == nil {
		t.Fatal("expected error scanning an unsupported column type")
	}
}
