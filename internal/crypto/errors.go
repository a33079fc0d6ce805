package crypto

import "errors"

// Configuration faults (spec error class 1): the affected subsystem refuses
// to enter its Ready state.
var (
	ErrPickleKeyMissing       = errors.New("crypto: pickling key provider returned no key")
	ErrPickleKeyWrongLength   = errors.New("crypto: pickling key has the wrong length")
	ErrUnsupportedAccountData = errors.New("crypto: unsupported algorithm in account data")
)

// Cryptographic faults on inbound data (spec error class 3): the event that
// triggered them is dropped, never the whole session or account.
var (
	ErrSignatureMismatch  = errors.New("crypto: signature verification failed")
	ErrDeviceReuse        = errors.New("crypto: device identity key changed for an existing device id")
	ErrUnsupportedDevice  = errors.New("crypto: device advertises no supported algorithm")
	ErrReplayDetected     = errors.New("crypto: message index replay detected")
	ErrRoomIDMismatch     = errors.New("crypto: decrypted event room_id does not match the room it arrived in")
	ErrSenderMismatch     = errors.New("crypto: olm payload sender does not match the event sender")
	ErrRecipientMismatch  = errors.New("crypto: olm payload recipient does not match the local account")
	ErrRecipientKeyMismatch = errors.New("crypto: olm payload recipient key does not match the local identity key")
	ErrDuplicateSession   = errors.New("crypto: inbound megolm session with this id already exists")
	ErrSessionSenderMismatch = errors.New("crypto: inbound megolm session sender does not match the event sender")
)

// ErrUnknownSession is the spec error class 5 signal: the caller must queue
// the event under the session id and retry once a matching m.room_key
// arrives. It is not logged as a fault.
var ErrUnknownSession = errors.New("crypto: no inbound megolm session installed for this session id")

// ErrBrokenSession is the spec error class 4 signal: an olm General message
// failed to decrypt against every known session for the sender.
var ErrBrokenSession = errors.New("crypto: olm message did not decrypt against any known session")

// UnlockErrorCode enumerates the terminal outcomes of an SSSS unlock attempt
// (spec.md §4.8, §7). The caller retries the whole flow with different
// credentials; these are never wrapped further.
type UnlockErrorCode int

const (
	UnlockErrorNone UnlockErrorCode = iota
	UnlockErrorNoKey
	UnlockErrorUnsupportedAlgorithm
	UnlockErrorWrongKey
	UnlockErrorDecryption
	UnlockErrorInvalidSignature
)

func (c UnlockErrorCode) String() string {
	switch c {
	case UnlockErrorNoKey:
		return "no_key"
	case UnlockErrorUnsupportedAlgorithm:
		return "unsupported_algorithm"
	case UnlockErrorWrongKey:
		return "wrong_key"
	case UnlockErrorDecryption:
		return "decryption_error"
	case UnlockErrorInvalidSignature:
		return "invalid_signature"
	default:
		return "none"
	}
}

// UnlockError is returned by every SSSSUnlocker method that can fail for a
// reason the caller should surface to the user (as opposed to a bug).
type UnlockError struct {
	Code UnlockErrorCode
	Err  error
}

func (e *UnlockError) Error() string {
	if e.Err != nil {
		return "ssss: " + e.Code.String() + ": " + e.Err.Error()
	}
	return "ssss: " + e.Code.String()
}

func (e *UnlockError) Unwrap() error { return e.Err }

func newUnlockError(code UnlockErrorCode, err error) *UnlockError {
	return &UnlockError{Code: code, Err: err}
}
