package domain

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrRateLimited     = errors.New("rate limited")
	ErrLockHeld        = errors.New("lock already held")
	ErrUnknownExchange = errors.New("unknown exchange")
	ErrUnrecognized    = errors.New("unrecognized message")
	ErrTransport       = errors.New("transport failure")
)
