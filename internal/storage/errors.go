package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrActiveSession is returned when a work item already has a pending or
	// running session.
	ErrActiveSession = errors.New("storage: work item has an active verification session")

	// ErrIterationLimit is returned when a work item has used every allowed
	// verification iteration.
	ErrIterationLimit = errors.New("storage: work item reached its verification iteration limit")

	// ErrSessionTerminal is returned when a completed or failed session is
	// asked to change state.
	ErrSessionTerminal = errors.New("storage: session already in a terminal state")
)
