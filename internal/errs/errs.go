package errs

import "errors"

// Domain sentinel errors, mapped to HTTP status codes in handlers.
var (
	ErrRoomNotFound      = errors.New("room not found")
	ErrGuestNotFound     = errors.New("guest not found")
	ErrRecordingNotFound = errors.New("recording not found")
	ErrRoomFinished      = errors.New("room already finished")
	ErrTooManyGuests     = errors.New("room has maximum guests")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrChunkExists       = errors.New("chunk sequence already persisted")
	ErrChunkNotFound     = errors.New("chunk not found")
	ErrHashMismatch      = errors.New("chunk hash mismatch")
	ErrRecordingSealed   = errors.New("recording already sealed")
	ErrBadSignature      = errors.New("invalid or expired signature")
)
