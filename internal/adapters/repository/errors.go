package repository

import "errors"

// ErrPathRequired is returned by Open for an empty database path.
var ErrPathRequired = errors.New("store path is required")
