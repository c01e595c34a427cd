// Package systemddriver commits device access policies through the
// systemd unit properties DevicePolicy and DeviceAllow.
//
// systemd has no notion of a deny list: in strict mode everything not
// granted by DeviceAllow is denied. Deny entries therefore cannot be
// expressed; they are ignored with a warning, so the installed policy
// grants everything the allow entries grant. The manager's diff
// algorithm only produces deny entries to narrow wildcard grants, which
// this driver cannot represent.
package systemddriver

import (
	"context"
	"fmt"

	"github.com/containerd/log"
	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	dbus "github.com/godbus/dbus/v5"

	"github.com/moby/devicemanager/devices"
)

// Driver commits device access policies by setting unit properties on
// the system bus.
type Driver struct {
	conn *systemdDbus.Conn
}

// New connects to the system bus and returns a Driver.
func New(ctx context.Context) (*Driver, error) {
	conn, err := systemdDbus.NewWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to systemd: %w", err)
	}
	return &Driver{conn: conn}, nil
}

// Close releases the bus connection.
func (d *Driver) Close() error {
	d.conn.Close()
	return nil
}

// Configure replaces the DeviceAllow rules of the systemd unit named by
// cgroup with rules equivalent to allow, running the unit in strict
// device policy mode.
//
// Entries systemd cannot express are skipped with a warning rather than
// failing the whole commit: any-type selectors with a concrete major or
// minor, wildcard-major selectors with a concrete minor, major-only
// selectors whose major has no device group in /proc/devices, and any
// deny entry.
func (d *Driver) Configure(ctx context.Context, cgroup string, allow, deny []devices.Entry) error {
	if len(deny) > 0 {
		log.G(ctx).WithFields(log.Fields{
			"unit":    cgroup,
			"entries": len(deny),
		}).Warn("systemd does not support deny rules, policy will be wider than requested")
	}

	properties, err := deviceProperties(ctx, allow)
	if err != nil {
		return err
	}
	if err := d.conn.SetUnitPropertiesContext(ctx, cgroup, true, properties...); err != nil {
		return fmt.Errorf("failed to set device properties on unit %q: %w", cgroup, err)
	}
	return nil
}

// deviceAllowEntry is the dbus type "a(ss)" element of the DeviceAllow
// property.
type deviceAllowEntry struct {
	Path  string
	Perms string
}

func newProp(name string, value interface{}) systemdDbus.Property {
	return systemdDbus.Property{
		Name:  name,
		Value: dbus.MakeVariant(value),
	}
}

// deviceProperties translates allow entries into the DevicePolicy and
// DeviceAllow unit properties.
func deviceProperties(ctx context.Context, allow []devices.Entry) ([]systemdDbus.Property, error) {
	// An empty DeviceAllow in strict mode denies everything, so the
	// empty policy needs no special casing.
	var allowList []deviceAllowEntry
	for _, e := range allow {
		entry := deviceAllowEntry{Perms: e.Access.String()}

		switch {
		case e.Selector.Type == devices.WildcardDevice:
			if e.Selector.Major != devices.Wildcard || e.Selector.Minor != devices.Wildcard {
				log.G(ctx).WithField("entry", e.String()).Warn("systemd cannot restrict an any-type rule by device number, skipping")
				continue
			}
			// "a *:*" matches every device; two glob rules cover it.
			allowList = append(allowList,
				deviceAllowEntry{Path: "char-*", Perms: entry.Perms},
				deviceAllowEntry{Path: "block-*", Perms: entry.Perms},
			)
			continue
		case e.Selector.Major == devices.Wildcard:
			if e.Selector.Minor != devices.Wildcard {
				// "*:n" has no systemd spelling.
				log.G(ctx).WithField("entry", e.String()).Warn("systemd does not support wildcard-major device rules, skipping")
				continue
			}
			prefix, err := groupPrefix(e.Selector.Type)
			if err != nil {
				return nil, err
			}
			entry.Path = prefix + "*"
		case e.Selector.Minor == devices.Wildcard:
			// "n:*" needs the device group name from /proc/devices.
			group, err := findDeviceGroup(e.Selector.Type, e.Selector.Major)
			if err != nil {
				return nil, fmt.Errorf("cannot resolve device group for %q: %w", e.String(), err)
			}
			if group == "" {
				log.G(ctx).WithField("entry", e.String()).Warn("no device group in /proc/devices for entry, skipping")
				continue
			}
			entry.Path = group
		default:
			switch e.Selector.Type {
			case devices.BlockDevice:
				entry.Path = fmt.Sprintf("/dev/block/%d:%d", e.Selector.Major, e.Selector.Minor)
			case devices.CharDevice:
				entry.Path = fmt.Sprintf("/dev/char/%d:%d", e.Selector.Major, e.Selector.Minor)
			}
		}
		allowList = append(allowList, entry)
	}

	return []systemdDbus.Property{
		newProp("DevicePolicy", "strict"),
		newProp("DeviceAllow", allowList),
	}, nil
}

func groupPrefix(t devices.Type) (string, error) {
	switch t {
	case devices.BlockDevice:
		return "block-", nil
	case devices.CharDevice:
		return "char-", nil
	}
	return "", fmt.Errorf("device type %q has no group prefix", string(t))
}
