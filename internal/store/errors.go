package store

import "github.com/cockroachdb/errors"

var ErrLocked = errors.New("active schedule locked")
