package store

import (
	"database/sql"
	"errors"
)

// ErrNotFound is returned by Adapter read methods when no row matches the
// request. It mirrors csql.ErrNoRows (itself sql.ErrNoRows) so adapters
// backed by database/sql can return the driver's own sentinel unchanged.
var ErrNotFound = sql.ErrNoRows

// ErrConflict is returned by Adapter.Transaction (or surfaced by a write
// inside it) when a concurrent writer won a race on a unique URI. The Store
// Engine translates this into a 412 response, per the "uri UNIQUE constraint
// is the tiebreaker" rule.
var ErrConflict = errors.New("store: conflicting concurrent write")

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict reports whether err is (or wraps) ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
