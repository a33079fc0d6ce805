package crypto

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"maunium.net/go/mautrix/crypto/olm"
	"maunium.net/go/mautrix/id"
)

// newEstablishedSessionPair creates two real olm accounts and an olm session
// between them via a genuine prekey message exchange, mirroring how
// handleEncryptedToDevice establishes a first session (spec.md §4.5).
func newEstablishedSessionPair(t *testing.T) (outbound olm.Session, inbound olm.Session, aliceCurve id.Curve25519) {
	t.Helper()
	alice, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("new account alice: %v", err)
	}
	bob, err := olm.NewAccount()
	if err != nil {
		t.Fatalf("new account bob: %v", err)
	}
	if err := bob.GenOneTimeKeys(1); err != nil {
		t.Fatalf("gen otk: %v", err)
	}
	var bobOTK id.Curve25519
	for _, k := range bob.OneTimeKeys() {
		bobOTK = k.Key
		break
	}
	_, bobIdentity := bob.IdentityKeys()
	_, aliceIdentity := alice.IdentityKeys()

	out, err := alice.NewOutboundSession(bobIdentity, bobOTK)
	if err != nil {
		t.Fatalf("new outbound session: %v", err)
	}
	msgType, body := out.Encrypt([]byte("hello"))
	_ = msgType
	in, err := bob.NewInboundSessionFrom(id.SenderKey(aliceIdentity), body)
	if err != nil {
		t.Fatalf("new inbound session: %v", err)
	}
	return out, in, id.Curve25519(aliceIdentity)
}

func newMockOlmSessions(t *testing.T) (*OlmSessions, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("new sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := NewStore(db)
	return NewOlmSessions(store, PickleKey{}), mock
}

func TestOlmSessions_Remember_PromotesToFront(t *testing.T) {
	outbound, _, aliceCurve := newEstablishedSessionPair(t)
	sessions, mock := newMockOlmSessions(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO crypto_olm_session`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := sessions.Remember(context.Background(), id.SenderKey(aliceCurve), outbound); err != nil {
		t.Fatalf("remember: %v", err)
	}

	front, ok := sessions.FrontSession(id.SenderKey(aliceCurve))
	if !ok {
		t.Fatal("expected a front session after remember")
	}
	if front.ID() != outbound.ID() {
		t.Fatal("front session should be the just-remembered session")
	}
}

func TestOlmSessions_Remember_ClearsBrokenFlag(t *testing.T) {
	outbound, _, aliceCurve := newEstablishedSessionPair(t)
	sessions, mock := newMockOlmSessions(t)

	sessions.MarkBroken(id.SenderKey(aliceCurve))

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO crypto_olm_session`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := sessions.Remember(context.Background(), id.SenderKey(aliceCurve), outbound); err != nil {
		t.Fatalf("remember: %v", err)
	}

	if sessions.MarkBroken(id.SenderKey(aliceCurve)) {
		t.Fatal("broken flag should have been cleared by Remember")
	}
}

func TestOlmSessions_MarkBroken_OnlyFirstCallReportsFresh(t *testing.T) {
	sessions, _ := newMockOlmSessions(t)
	senderKey := id.SenderKey("some-curve-key")

	if sessions.MarkBroken(senderKey) {
		t.Fatal("first MarkBroken call should report not-already-recovering")
	}
	if !sessions.MarkBroken(senderKey) {
		t.Fatal("second MarkBroken call should report already-recovering")
	}
}

func TestOlmSessions_ClearBroken_RearmsRecovery(t *testing.T) {
	sessions, _ := newMockOlmSessions(t)
	senderKey := id.SenderKey("some-curve-key")

	sessions.MarkBroken(senderKey)
	sessions.ClearBroken(senderKey)

	if sessions.MarkBroken(senderKey) {
		t.Fatal("MarkBroken should report fresh again after ClearBroken")
	}
}

func TestOlmSessions_SessionsFor_EmptyWhenUnknown(t *testing.T) {
	sessions, _ := newMockOlmSessions(t)
	if got := sessions.SessionsFor("unknown-key"); got != nil {
		t.Fatalf("expected nil for unknown sender key, got %v", got)
	}
	if _, ok := sessions.FrontSession("unknown-key"); ok {
		t.Fatal("expected no front session for unknown sender key")
	}
}

func TestOlmSessions_Warm_EmptyStore(t *testing.T) {
	sessions, mock := newMockOlmSessions(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT sender_key, session_id, pickled, last_received_at`)).
		WillReturnRows(sqlmock.NewRows([]string{"sender_key", "session_id", "pickled", "last_received_at"}))

	if err := sessions.Warm(context.Background()); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if got := sessions.SessionsFor("anything"); got != nil {
		t.Fatal("expected no sessions after warming an empty store")
	}
}
