package profile

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotResolved is returned when resolved profiles are read before Resolve ran.
	ErrNotResolved = errors.New("profiles accessed before resolution")
	// ErrScopeResolved is returned by configuration mutators once the scope is resolved.
	ErrScopeResolved = errors.New("scope already resolved")
	// ErrScopeCycle is returned when a scope would become its own ancestor.
	ErrScopeCycle = errors.New("scope cannot be its own ancestor")
)

// ResolutionError reports that none of the existing search roots could be read.
type ResolutionError struct {
	Scope string
	Roots []string
	Err   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve profiles for scope %q: no readable search root in [%s]: %v",
		e.Scope, strings.Join(e.Roots, ", "), e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}
