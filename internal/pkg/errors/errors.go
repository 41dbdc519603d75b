package errors

import "errors"

var (
	ErrNotFound = errors.New("not found")
	ErrInvalid  = errors.New("invalid")
	ErrConflict = errors.New("conflict")
	ErrTooMany  = errors.New("too many requests")
	ErrInternal = errors.New("internal")

	// Pipeline error taxonomy. Per-item input errors never abort a batch,
	// external service errors are retried with bounded backoff first,
	// state conflicts abort a stage before any work starts, and
	// cancellation yields partial but valid output.
	ErrInput           = errors.New("input error")
	ErrExternalService = errors.New("external service error")
	ErrStateConflict   = errors.New("state conflict")
	ErrCancelled       = errors.New("cancelled")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

func IsStateConflict(err error) bool {
	return errors.Is(err, ErrStateConflict)
}

func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}

func IsExternalService(err error) bool {
	return errors.Is(err, ErrExternalService)
}

func IsInput(err error) bool {
	return errors.Is(err, ErrInput) || errors.Is(err, ErrInvalid)
}
