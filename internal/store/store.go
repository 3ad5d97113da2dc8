package store

import "errors"

// ErrNotFound is returned when a requested entity does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Transition history
	SaveTransition(tr *Transition) error
	// ListTransitions returns up to limit transitions, newest first.
	// A non-positive limit returns all of them.
	ListTransitions(limit int) ([]*Transition, error)

	// Runtime settings changed over the API survive restarts.
	SaveSettings(s *Settings) error
	GetSettings() (*Settings, error)

	// Close the store
	Close() error
}
