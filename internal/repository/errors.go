package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrStaleDeployment indicates a conditional deployment update lost against a
// concurrent writer; the caller should re-read before retrying.
var ErrStaleDeployment = errors.New("repository: stale deployment version")
