package devicemanager

import (
	"fmt"

	"github.com/moby/devicemanager/devices"
)

// AllowCoveredByDenyError is returned by Configure when a deny entry
// encompasses an allow entry, which would make the allow entry dead on
// arrival. The store is left untouched.
type AllowCoveredByDenyError struct {
	Allow devices.Entry
	Deny  devices.Entry
}

func (e AllowCoveredByDenyError) Error() string {
	return fmt.Sprintf("allow entry '%s' cannot be encompassed by deny entry '%s'", e.Allow, e.Deny)
}

// InvalidParameter marks the error as an invalid argument for errdefs
// matching.
func (AllowCoveredByDenyError) InvalidParameter() {}

// AdditionCoveredByRemovalError is returned by Reconfigure when a removal
// encompasses an addition in the same request. The store is left
// untouched.
type AdditionCoveredByRemovalError struct {
	Addition devices.NonWildcardEntry
	Removal  devices.NonWildcardEntry
}

func (e AdditionCoveredByRemovalError) Error() string {
	return fmt.Sprintf("addition '%s' cannot be encompassed by removal '%s'", e.Addition, e.Removal)
}

// InvalidParameter marks the error as an invalid argument for errdefs
// matching.
func (AdditionCoveredByRemovalError) InvalidParameter() {}

// CommitError is returned by Configure and Reconfigure when the cgroup
// driver rejects the new policy. The in-memory state keeps the attempted
// policy; see the Manager documentation for the no-rollback contract.
type CommitError struct {
	Cgroup string
	Err    error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("failed to commit device access changes for cgroup %q: %v", e.Cgroup, e.Err)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

// Unavailable marks the error for errdefs matching.
func (*CommitError) Unavailable() {}
