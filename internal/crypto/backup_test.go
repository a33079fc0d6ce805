package crypto

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"maunium.net/go/mautrix/id"
)

func newTestBackupImporter(t *testing.T) (*BackupImporter, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("new sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := NewStore(db)
	return NewBackupImporter(discardLogger(), nil, nil, NewPrimitives(), store), mock
}

func TestVerifyBackupVersion_DerivesAndComparesWhenNoCrossSigningKey(t *testing.T) {
	importer, mock := newTestBackupImporter(t)

	var priv [32]byte
	rand.Read(priv[:])
	pub, err := x25519PublicKey(priv[:])
	if err != nil {
		t.Fatalf("derive public key: %v", err)
	}

	version := &MegolmBackupVersion{
		Version:   "1",
		Algorithm: "m.megolm_backup.v1.curve25519-aes-sha2",
		AuthData: map[string]interface{}{
			"public_key": base64.RawStdEncoding.EncodeToString(pub),
		},
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ed25519 FROM crypto_device`)).
		WithArgs(id.UserID("@alice:example.com"), "SIGNINGKEY").
		WillReturnRows(sqlmock.NewRows([]string{"ed25519"}))

	if err := importer.VerifyBackupVersion(context.Background(), version, "@alice:example.com", "SIGNINGKEY", &priv); err != nil {
		t.Fatalf("verify backup version: %v", err)
	}
}

func TestVerifyBackupVersion_RejectsMismatchedDerivedKey(t *testing.T) {
	importer, mock := newTestBackupImporter(t)

	var priv [32]byte
	rand.Read(priv[:])
	otherPub := make([]byte, 32)
	rand.Read(otherPub)

	version := &MegolmBackupVersion{
		AuthData: map[string]interface{}{
			"public_key": base64.RawStdEncoding.EncodeToString(otherPub),
		},
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ed25519 FROM crypto_device`)).
		WithArgs(id.UserID("@alice:example.com"), "SIGNINGKEY").
		WillReturnRows(sqlmock.NewRows([]string{"ed25519"}))

	err := importer.VerifyBackupVersion(context.Background(), version, "@alice:example.com", "SIGNINGKEY", &priv)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyBackupVersion_FailsWithoutCrossSigningKeyOrBackupKey(t *testing.T) {
	importer, mock := newTestBackupImporter(t)

	version := &MegolmBackupVersion{
		AuthData: map[string]interface{}{
			"public_key": base64.RawStdEncoding.EncodeToString(make([]byte, 32)),
		},
	}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ed25519 FROM crypto_device`)).
		WithArgs(id.UserID("@alice:example.com"), "SIGNINGKEY").
		WillReturnRows(sqlmock.NewRows([]string{"ed25519"}))

	err := importer.VerifyBackupVersion(context.Background(), version, "@alice:example.com", "SIGNINGKEY", nil)
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyBackupVersion_VerifiesSignatureWhenCrossSigningKeyKnown(t *testing.T) {
	importer, mock := newTestBackupImporter(t)
	prim := NewPrimitives()

	pub, priv, _ := ed25519.GenerateKey(rand.Reader)
	authData := map[string]interface{}{
		"public_key": base64.RawStdEncoding.EncodeToString(make([]byte, 32)),
	}
	canon, err := prim.CanonicalJSON(authData)
	if err != nil {
		t.Fatalf("canonical json: %v", err)
	}
	sig := ed25519.Sign(priv, canon)
	authData["signatures"] = map[string]interface{}{
		"@alice:example.com": map[string]interface{}{
			"ed25519:SIGNINGKEY": base64.RawStdEncoding.EncodeToString(sig),
		},
	}

	version := &MegolmBackupVersion{AuthData: authData}

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT ed25519 FROM crypto_device`)).
		WithArgs(id.UserID("@alice:example.com"), "SIGNINGKEY").
		WillReturnRows(sqlmock.NewRows([]string{"ed25519"}).AddRow(base64.RawStdEncoding.EncodeToString(pub)))

	if err := importer.VerifyBackupVersion(context.Background(), version, "@alice:example.com", "SIGNINGKEY", nil); err != nil {
		t.Fatalf("verify backup version: %v", err)
	}
}
