// Package driver defines the interface between the device manager and
// the kernel-facing mechanism that installs a control group's device
// access policy.
package driver

import (
	"context"

	"github.com/moby/devicemanager/devices"
)

// Driver installs a device access policy for a control group, replacing
// whatever policy was previously installed there.
//
// Allow entries may contain wildcards. Deny entries are guaranteed free
// of wildcards by the device manager.
type Driver interface {
	Configure(ctx context.Context, cgroup string, allow, deny []devices.Entry) error
}
