package app

import "errors"

var (
	// ErrNotFound is returned when no photo exists for the given id, or
	// when the lookup entry points at a primary key that is gone.
	ErrNotFound = errors.New("photo not found")

	ErrFileRequired  = errors.New("file required")
	ErrTitleRequired = errors.New("title required")
	ErrInvalidRating = errors.New("rating must be between 0 and 5")
	ErrNoIDs         = errors.New("ids required")
)
