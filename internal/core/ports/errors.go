package ports

import "errors"

// ErrNotFound is returned by adapters when the requested entity does not exist.
var ErrNotFound = errors.New("not found")
