// Package storage holds the shared persistence plumbing: sentinel errors,
// Postgres connection management and embedded schema migrations. Entity
// stores live next to their domains (sessions, identity, credits, ...) and
// build on this package.
package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a uniqueness constraint is violated.
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict is returned when a conditional update loses a race, such
	// as a state transition attempted against a stale record.
	ErrConflict = errors.New("conflict")
)
