// Package status holds the process-wide upstream connection flag.
package status

import "sync/atomic"

// Store is a single-writer, multi-reader connected flag. The zero value
// reports disconnected.
type Store struct {
	connected atomic.Bool
}

// NewStore returns a Store initialized to disconnected
func NewStore() *Store {
	return &Store{}
}

// SetConnected overwrites the flag and reports whether the value changed.
// It has no other side effects; callers notify subscribers themselves.
func (s *Store) SetConnected(connected bool) bool {
	return s.connected.Swap(connected) != connected
}

// IsConnected returns the current flag
func (s *Store) IsConnected() bool {
	return s.connected.Load()
}
