package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the client and server so callers can
// dispatch on category without string matching (spec.md §7 Error taxonomy).
type ErrorKind string

const (
	KindIdentity         ErrorKind = "identity"
	KindStorage          ErrorKind = "storage"
	KindPoolExhausted    ErrorKind = "pool_exhausted"
	KindDoubleSpend      ErrorKind = "double_spend"
	KindReservationExp   ErrorKind = "reservation_expired"
	KindKeyPackageInvalid ErrorKind = "keypackage_invalid"
	KindWelcome          ErrorKind = "welcome"
	KindUnknownGroup     ErrorKind = "unknown_group"
	KindMlsProtocol      ErrorKind = "mls_protocol"
	KindNetwork          ErrorKind = "network"
)

// Error is the taxonomy's single concrete type. Op names the failing
// operation for diagnostics; Kind drives caller dispatch via errors.As and
// the Is/Unwrap methods below.
type Error struct {
	Kind ErrorKind
	Op   string
	// Username is set for KindPoolExhausted (spec.md §7 "PoolExhausted{username}").
	Username string
	Err error
}

func (e *Error) Error() string {
	if e.Username != "" {
		return fmt.Sprintf("%s: %s (user %s): %v", e.Op, e.Kind, e.Username, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same Kind, so callers can
// write errors.Is(err, &domain.Error{Kind: domain.KindPoolExhausted}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

func newErr(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IdentityError wraps a failure in UserIdentity.load_or_create: a
// credential mismatch between CryptoStore and MetadataStore, or any other
// identity load/create fault. Always fatal to the current session
// (spec.md §7 IdentityError).
func IdentityError(op string, err error) *Error { return newErr(KindIdentity, op, err) }

// StorageError wraps a CryptoStore or MetadataStore operation failure.
// Fatal to the current operation; may be fatal to the session if it
// affects core state (spec.md §7 StorageError).
func StorageError(op string, err error) *Error { return newErr(KindStorage, op, err) }

// PoolExhaustedError reports that no available KeyPackage exists for the
// named target user (spec.md §7 KeyPackageError::PoolExhausted{username}).
func PoolExhaustedError(op, username string) *Error {
	return &Error{Kind: KindPoolExhausted, Op: op, Username: username}
}

// DoubleSpendError reports the server rejected a spend because the key is
// already spent. Logged, not fatal: the add is already on the wire
// (spec.md §7 KeyPackageError::DoubleSpend).
func DoubleSpendError(op string, err error) *Error { return newErr(KindDoubleSpend, op, err) }

// ReservationExpiredError reports a reservation expired before spend; the
// caller may retry the whole invite to acquire a new one
// (spec.md §7 KeyPackageError::ReservationExpired).
func ReservationExpiredError(op string, err error) *Error {
	return newErr(KindReservationExp, op, err)
}

// KeyPackageInvalidError reports a KeyPackage that failed validation:
// signature, lifetime, ciphersuite, or credential
// (spec.md §7 KeyPackageError::Invalid).
func KeyPackageInvalidError(op string, err error) *Error {
	return newErr(KindKeyPackageInvalid, op, err)
}

// WelcomeErr reports that the private init key for a Welcome was missing,
// or its decryption/validation failed; the envelope is dropped and logged
// (spec.md §7 WelcomeError).
func WelcomeErr(op string, err error) *Error { return newErr(KindWelcome, op, err) }

// UnknownGroupError reports an envelope referencing a group_id the client
// is not a member of; dropped and logged, not fatal
// (spec.md §7 RoutingError::UnknownGroup).
func UnknownGroupError(op string, err error) *Error { return newErr(KindUnknownGroup, op, err) }

// MlsProtocolError wraps an invariant violation reported by the MLS
// primitive itself, e.g. DuplicateSignatureKey. Fatal to the operation and
// may indicate local state corruption (spec.md §7 MlsProtocolError).
func MlsProtocolError(op string, err error) *Error { return newErr(KindMlsProtocol, op, err) }

// NetworkErr wraps a transport failure. Retried at the transport layer for
// stream reads, surfaced directly for RPCs (spec.md §7 NetworkError).
func NetworkErr(op string, err error) *Error { return newErr(KindNetwork, op, err) }

// IsKind reports whether err (or any error it wraps) is a *Error of kind k.
func IsKind(err error, k ErrorKind) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Kind == k
}
