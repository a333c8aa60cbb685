package engine

import "errors"

var (
	ErrNotStarted  = errors.New("engine not started")
	ErrStopped     = errors.New("engine stopped")
	ErrQueueFull   = errors.New("engine queue full")
	ErrOverlapSkip = errors.New("job already running")
)
