package blob

import "errors"

// Error taxonomy for registry operations. Callers match with errors.Is; the
// HTTP layer maps these onto status codes.
var (
	// ErrNotFound indicates an unknown session id, blob id or descriptor.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates a caller identity mismatch, or a caller
	// without a commitment or lease on the blob.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an isolated or instant-app caller attempting
	// an operation that is never available to it.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidArgument indicates a malformed descriptor, an invalid lease
	// expiry ordering, or an operation on a session in the wrong state.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCorruptIndex indicates an index document that fails to parse or
	// carries an unsupported version.
	ErrCorruptIndex = errors.New("corrupt index")
)
