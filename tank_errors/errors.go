// Provides common tank errors definitions.
package tank_errors

import "errors"

var (
	ErrNoSuchIndex     = errors.New("tank: no such index")
	ErrDuplicateIndex  = errors.New("tank: index already exists")
	ErrInvalidArgument = errors.New("tank: invalid argument")

	ErrUnknownType  = errors.New("tank: unknown type")
	ErrInvalidValue = errors.New("tank: invalid value for type")

	ErrCorruptStorage = errors.New("tank: corrupt index storage")
	ErrTimedOut       = errors.New("tank: operation timed out")

	ErrClosed        = errors.New("tank: no tank open")
	ErrWorkerStopped = errors.New("tank: index worker stopped")
)
