package av

import "github.com/Itukii/sonobus/status"

// Sentinel errors for registry operations.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrAlreadyExists indicates the handle or id is already registered.
	ErrAlreadyExists = status.New(status.ErrInvalidArgument, "endpoint already registered")

	// ErrNotFound indicates the handle is not registered.
	ErrNotFound = status.New(status.ErrNotFound, "endpoint not registered")

	// ErrNilEndpoint indicates a nil handle.
	ErrNilEndpoint = status.New(status.ErrInvalidArgument, "nil endpoint")
)
