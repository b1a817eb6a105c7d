package kanban

import "errors"

// ErrNotFound is returned when a managed-session lookup misses.
var ErrNotFound = errors.New("managed session not found")
