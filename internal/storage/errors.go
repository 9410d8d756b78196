package storage

import (
	"errors"

	"github.com/devghori1264/aerophoenix/controlplane/internal/fault"
)

// AsFault tags a store error with the kind callers branch on. Errors
// already carrying a kind (returned from inside a transaction) pass
// through unchanged.
func AsFault(err error, format string, args ...any) error {
	switch {
	case err == nil:
		return nil
	case fault.KindOf(err) != fault.Unknown:
		return err
	case errors.Is(err, ErrNotFound):
		return fault.Wrap(err, fault.NotFound, format, args...)
	case errors.Is(err, ErrConflict):
		return fault.Wrap(err, fault.Conflict, format, args...)
	default:
		return fault.Wrap(err, fault.Internal, format, args...)
	}
}
