package models

import "errors"

// Error taxonomy shared by the relay services and both transports. Services
// wrap these with context; transports map them with errors.Is.
var (
	// ErrUnauthorized covers missing, invalid, expired or revoked tokens.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the caller is authenticated but not allowed, usually
	// because they are not an approved room member.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound means a room, member or identity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidPayload flags a malformed request.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrExpired rejects joins to a room past its expiry.
	ErrExpired = errors.New("room expired")
	// ErrConflict reports a uniqueness violation such as a taken username.
	ErrConflict = errors.New("conflict")
	// ErrTransport marks push dispatch failures. They are logged, never
	// returned to a sender.
	ErrTransport = errors.New("transport error")
)

// ReasonError pairs a taxonomy error with the client-facing reason text sent
// in HTTP error bodies and socket acks.
type ReasonError struct {
	Kind   error
	Reason string
}

func (e *ReasonError) Error() string {
	return e.Kind.Error() + ": " + e.Reason
}

func (e *ReasonError) Unwrap() error {
	return e.Kind
}

// Reason wraps kind with a client-facing reason.
func Reason(kind error, reason string) error {
	return &ReasonError{Kind: kind, Reason: reason}
}

// ReasonOf returns the client-facing reason carried by err, falling back to
// fallback for errors outside the taxonomy.
func ReasonOf(err error, fallback string) string {
	var re *ReasonError
	if errors.As(err, &re) {
		return re.Reason
	}
	return fallback
}
