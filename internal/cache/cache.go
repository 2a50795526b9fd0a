package cache

import "errors"

// ErrNotFound is returned by cache backends for a missing or expired key.
var ErrNotFound = errors.New("cache: key not found")
