package domain

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrRateLimited          = errors.New("rate limited")
	ErrValidation           = errors.New("validation error")
	ErrOutOfOrderUpdate     = errors.New("out of order update")
	ErrTransport            = errors.New("transport error")
	ErrSnapshotFetch        = errors.New("snapshot fetch failed")
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrStale                = errors.New("stale response discarded")
	ErrNoBook               = errors.New("order book not initialized")
	ErrClosed               = errors.New("connection closed")
)
