package storage

import "errors"

// ErrStorage marks a storage-layer failure. Operations that hit it are
// fatal for the request: no entry exists without a backing row.
var ErrStorage = errors.New("storage failure")
