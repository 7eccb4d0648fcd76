package app

import "errors"

var (
	// ErrBusy means the target endpoint is already party to a call.
	ErrBusy = errors.New("endpoint busy")
	// ErrAlreadyInCall means the sender tried to offer while in a call.
	ErrAlreadyInCall = errors.New("already in call")
	// ErrNotInCall means an answer/reject arrived for a call that does not exist.
	ErrNotInCall = errors.New("not in call")
	// ErrRateLimited means the sender exceeded the offer rate bound.
	ErrRateLimited = errors.New("offer rate limited")
)
