package allocation

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable means a provider had no capacity for the request.
	ErrUnavailable = errors.New("no database instance available")
	// ErrNotPrepared is returned when a reset is requested before preparation.
	ErrNotPrepared = errors.New("allocation not prepared")
	// ErrReleased is returned when a released lease is used again.
	ErrReleased = errors.New("allocation already released")
	// ErrUnknownProfile is returned for profile names the registry cannot resolve.
	ErrUnknownProfile = errors.New("unknown profile")
	// ErrNoProvider is returned when no provider is configured for a profile.
	ErrNoProvider = errors.New("no allocation provider for profile")
	// ErrRegistryClosed is returned by GetAllocation after ReleaseAll.
	ErrRegistryClosed = errors.New("allocation registry closed")
)

// UnavailableError carries the details of an ErrUnavailable failure.
type UnavailableError struct {
	Profile  string
	Provider string
	Reason   string
}

func (e *UnavailableError) Error() string {
	msg := fmt.Sprintf("provider %s has no database instance for profile %s", e.Provider, e.Profile)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *UnavailableError) Is(target error) bool {
	return target == ErrUnavailable
}

// PreparationError is fatal to the node whose allocation failed to prepare.
type PreparationError struct {
	Profile string
	Err     error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("prepare allocation for profile %s: %v", e.Profile, e.Err)
}

func (e *PreparationError) Unwrap() error { return e.Err }

// ResetError is reported but does not stop the run.
type ResetError struct {
	Profile string
	Attempt int
	Err     error
}

func (e *ResetError) Error() string {
	return fmt.Sprintf("reset allocation for profile %s (attempt %d): %v", e.Profile, e.Attempt, e.Err)
}

func (e *ResetError) Unwrap() error { return e.Err }

// ReleaseError is reported once; releases are never retried.
type ReleaseError struct {
	Profile string
	Err     error
}

func (e *ReleaseError) Error() string {
	return fmt.Sprintf("release allocation for profile %s: %v", e.Profile, e.Err)
}

func (e *ReleaseError) Unwrap() error { return e.Err }
