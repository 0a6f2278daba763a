package xpool

import "errors"

var (
	ErrNilHandler       = errors.New("xpool: handler cannot be nil")
	ErrPoolStopped      = errors.New("xpool: pool is stopped")
	ErrQueueFull        = errors.New("xpool: queue is full")
	ErrInvalidWorkers   = errors.New("xpool: invalid worker count")
	ErrInvalidQueueSize = errors.New("xpool: invalid queue size")
)
