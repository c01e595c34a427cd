package devices

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseEntry parses the cgroup text form "<type> <major>:<minor> <access>",
// e.g. "c 3:1 rwm" or "a *:* m". The type is one of "a", "b" or "c", each
// number is a decimal integer or "*", and the access is a nonempty subset
// of "rwm".
func ParseEntry(s string) (Entry, error) {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return Entry{}, fmt.Errorf("invalid device entry %q: expected '<type> <major>:<minor> <access>'", s)
	}

	var typ Type
	switch fields[0] {
	case "a":
		typ = WildcardDevice
	case "b":
		typ = BlockDevice
	case "c":
		typ = CharDevice
	default:
		return Entry{}, fmt.Errorf("invalid device entry %q: unknown device type %q", s, fields[0])
	}

	majorStr, minorStr, ok := strings.Cut(fields[1], ":")
	if !ok {
		return Entry{}, fmt.Errorf("invalid device entry %q: expected '<major>:<minor>'", s)
	}
	major, err := parseDeviceNumber(majorStr)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid device entry %q: %w", s, err)
	}
	minor, err := parseDeviceNumber(minorStr)
	if err != nil {
		return Entry{}, fmt.Errorf("invalid device entry %q: %w", s, err)
	}

	access, err := ParseAccess(fields[2])
	if err != nil {
		return Entry{}, fmt.Errorf("invalid device entry %q: %w", s, err)
	}

	return Entry{
		Selector: Selector{Type: typ, Major: major, Minor: minor},
		Access:   access,
	}, nil
}

// ParseAccess parses a nonempty subset of "rwm" into an Access bit set.
func ParseAccess(s string) (Access, error) {
	if s == "" {
		return 0, fmt.Errorf("empty device access")
	}
	var a Access
	for _, c := range s {
		switch c {
		case 'r':
			a |= Read
		case 'w':
			a |= Write
		case 'm':
			a |= Mknod
		default:
			return 0, fmt.Errorf("unknown device access mode %q", string(c))
		}
	}
	return a, nil
}

func parseDeviceNumber(s string) (int64, error) {
	if s == "*" {
		return Wildcard, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid device number %q", s)
	}
	return n, nil
}
