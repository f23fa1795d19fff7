package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConsentMissing blocks recording until consent is on record.
	ErrConsentMissing = errors.New("session: patient consent not verified")
	// ErrAlreadyRecording rejects a second concurrent capture for the session.
	ErrAlreadyRecording = errors.New("session: recording already in progress")
	// ErrNotRecording rejects pause/resume outside an active recording.
	ErrNotRecording = errors.New("session: no recording in progress")
	// ErrClosed rejects operations on a finished session.
	ErrClosed = errors.New("session: session is closed")
)

// CooldownError rejects a start attempt during cooldown, carrying the wait
// the caller should surface to the user.
type CooldownError struct {
	Remaining time.Duration
	Reason    string
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("session: cooling down for another %s (%s)", e.Remaining.Round(time.Millisecond), e.Reason)
}
