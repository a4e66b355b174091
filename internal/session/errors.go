package session

import "errors"

var (
	// ErrNotFound is returned by table lookups for an unknown session id.
	ErrNotFound = errors.New("session not found")
	// ErrPodNotReady is returned by Create when the pre-flight existence
	// check fails; callers map this to HTTP 404, not 500.
	ErrPodNotReady = errors.New("target pod/container not found or not running")
)
