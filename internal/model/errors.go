package model

import (
	"errors"
	"fmt"
	"time"
)

// Send and scheduling error taxonomy.
//
// Callers classify with errors.Is / errors.As; transports and stores wrap
// these with %w so context survives.
var (
	ErrTransient          = errors.New("transient send failure")
	ErrFloodWait          = errors.New("flood wait")
	ErrAccountBanned      = errors.New("account banned")
	ErrPeerBlocked        = errors.New("peer blocked")
	ErrNoEligibleAccounts = errors.New("no eligible accounts")
	ErrNoAssignedAccounts = errors.New("no assigned accounts")
	ErrTemplateResolution = errors.New("template resolution failed")
	ErrPersistence        = errors.New("persistence failure")
	ErrUnavailable        = errors.New("account unavailable")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAlreadyEnrolled    = errors.New("lead already enrolled in an active sequence")
	ErrDailyCapReached    = errors.New("daily message limit reached")
)

// FloodWaitError carries the cooldown reported by the transport.
type FloodWaitError struct {
	Wait time.Duration
	Err  error
}

// FloodWait wraps err (may be nil) as a flood-wait signal lasting d.
func FloodWait(d time.Duration, err error) error {
	if d < 0 {
		d = 0
	}
	return &FloodWaitError{Wait: d, Err: err}
}

func (e *FloodWaitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("flood wait %s: %v", e.Wait, e.Err)
	}
	return fmt.Sprintf("flood wait %s", e.Wait)
}

func (e *FloodWaitError) Unwrap() error { return e.Err }

func (e *FloodWaitError) Is(target error) bool { return target == ErrFloodWait }

// AsFloodWait extracts the cooldown from err.
func AsFloodWait(err error) (time.Duration, bool) {
	var fw *FloodWaitError
	if errors.As(err, &fw) {
		return fw.Wait, true
	}
	return 0, false
}

// Transient marks err as a retryable send failure.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Reason maps an error to the short reason string used in send_failed events.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFloodWait):
		return "flood_wait"
	case errors.Is(err, ErrAccountBanned):
		return "account_banned"
	case errors.Is(err, ErrPeerBlocked):
		return "peer_blocked"
	case errors.Is(err, ErrNoEligibleAccounts):
		return "no_eligible_accounts"
	case errors.Is(err, ErrTemplateResolution):
		return "template_resolution"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "error"
	}
}
