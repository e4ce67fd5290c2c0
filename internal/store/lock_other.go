//go:build !unix

package store

// Lock is a no-op where flock is unavailable.
type Lock struct{}

func AcquireLock(path string) (*Lock, error) { return &Lock{}, nil }

func (l *Lock) Release() error { return nil }
