package devices

import (
	"encoding/json"
	"fmt"
)

// The JSON form mirrors the cgroup text form: types are "a"/"b"/"c"
// strings and access is an "rwm" subset, so state dumps read the same as
// the entries fed to the parser.

func (t Type) MarshalJSON() ([]byte, error) {
	switch t {
	case WildcardDevice, BlockDevice, CharDevice:
		return json.Marshal(string(t))
	}
	return nil, fmt.Errorf("invalid device type %q", string(t))
}

func (t *Type) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "a":
		*t = WildcardDevice
	case "b":
		*t = BlockDevice
	case "c":
		*t = CharDevice
	default:
		return fmt.Errorf("unknown device type %q", s)
	}
	return nil
}

func (a Access) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Access) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*a = 0
		return nil
	}
	parsed, err := ParseAccess(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
