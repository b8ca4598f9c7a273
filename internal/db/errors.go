package db

import "errors"

var (
	// ErrNotFound is returned by point lookups when no row matches.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyVolunteering is returned by CreateClaim when the user
	// already holds an active claim.
	ErrAlreadyVolunteering = errors.New("user already has an active claim")
)
