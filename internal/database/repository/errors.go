package repository

import "errors"

var (
	// ErrDuplicate signals a unique-constraint hit on insert; callers that
	// re-sync treat it as "already stored" and skip.
	ErrDuplicate = errors.New("duplicate record")

	// ErrJobConflict signals that another non-terminal job already owns the
	// (type, source) slot.
	ErrJobConflict = errors.New("job already running for source")

	// ErrNotFound signals a lookup by id that matched nothing.
	ErrNotFound = errors.New("not found")
)
