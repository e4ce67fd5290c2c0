package domain

import "github.com/cockroachdb/errors"

// Error classes. Concrete errors are marked with one of these so callers can
// classify them with errors.Is.
var (
	// ErrStateNotFound means the active schedule file is missing or unusable.
	ErrStateNotFound = errors.New("active schedule not found")
	// ErrTemplateRead means no schedule can be built from the template source.
	ErrTemplateRead = errors.New("template source unreadable")
	// ErrDispatch is a single event's task invocation failure.
	ErrDispatch = errors.New("dispatch failed")
	// ErrPersist means the active schedule could not be written.
	ErrPersist = errors.New("persist active schedule")
	// ErrUnknownFunction means no handler resolves a function reference.
	ErrUnknownFunction = errors.New("unknown function reference")
)
