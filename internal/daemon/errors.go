package daemon

import "errors"

var (
	// ErrAlreadyRunning is returned by Start on a daemon that is already running.
	ErrAlreadyRunning = errors.New("daemon already running")
	// ErrNotRunning is returned by Stop on a daemon that isn't running.
	ErrNotRunning = errors.New("daemon not running")
)
