package devices

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// FromOCI converts an OCI runtime-spec device cgroup rule into an Entry.
// A nil major or minor and an empty or "a" type are wildcards, matching
// the runtime-spec defaulting rules.
func FromOCI(rule specs.LinuxDeviceCgroup) (Entry, error) {
	var typ Type
	switch rule.Type {
	case "", "a":
		typ = WildcardDevice
	case "b":
		typ = BlockDevice
	case "c":
		typ = CharDevice
	default:
		return Entry{}, fmt.Errorf("unknown device type %q in OCI device cgroup rule", rule.Type)
	}

	access, err := ParseAccess(rule.Access)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid access in OCI device cgroup rule: %w", err)
	}

	sel := Selector{Type: typ, Major: Wildcard, Minor: Wildcard}
	if rule.Major != nil {
		if *rule.Major < 0 {
			return Entry{}, fmt.Errorf("negative major number %d in OCI device cgroup rule", *rule.Major)
		}
		sel.Major = *rule.Major
	}
	if rule.Minor != nil {
		if *rule.Minor < 0 {
			return Entry{}, fmt.Errorf("negative minor number %d in OCI device cgroup rule", *rule.Minor)
		}
		sel.Minor = *rule.Minor
	}

	return Entry{Selector: sel, Access: access}, nil
}

// ToOCI converts the entry into an OCI runtime-spec device cgroup rule.
// allow selects between an allow and a deny rule.
func (e Entry) ToOCI(allow bool) specs.LinuxDeviceCgroup {
	rule := specs.LinuxDeviceCgroup{
		Allow:  allow,
		Type:   string(e.Selector.Type),
		Access: e.Access.String(),
	}
	if e.Selector.Major != Wildcard {
		major := e.Selector.Major
		rule.Major = &major
	}
	if e.Selector.Minor != Wildcard {
		minor := e.Selector.Minor
		rule.Minor = &minor
	}
	return rule
}
