package store

import "errors"

// Sentinel errors for store operations.
var (
	// ErrStore wraps every backend read or write failure.
	ErrStore = errors.New("store: operation failed")

	// ErrNotFound is returned by Get when nothing is stored at a path.
	ErrNotFound = errors.New("store: not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)
