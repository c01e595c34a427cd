package devices

import (
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

func int64Ptr(n int64) *int64 { return &n }

func TestFromOCI(t *testing.T) {
	for _, tc := range []struct {
		name string
		rule specs.LinuxDeviceCgroup
		want string
	}{
		{
			name: "concrete char device",
			rule: specs.LinuxDeviceCgroup{Type: "c", Major: int64Ptr(3), Minor: int64Ptr(1), Access: "rwm"},
			want: "c 3:1 rwm",
		},
		{
			name: "nil numbers are wildcards",
			rule: specs.LinuxDeviceCgroup{Type: "b", Access: "w"},
			want: "b *:* w",
		},
		{
			name: "empty type is the any type",
			rule: specs.LinuxDeviceCgroup{Access: "m"},
			want: "a *:* m",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := FromOCI(tc.rule)
			assert.NilError(t, err)
			assert.Check(t, is.Equal(got.String(), tc.want))
		})
	}
}

func TestFromOCIErrors(t *testing.T) {
	_, err := FromOCI(specs.LinuxDeviceCgroup{Type: "z", Access: "r"})
	assert.Check(t, is.ErrorContains(err, "unknown device type"))

	_, err = FromOCI(specs.LinuxDeviceCgroup{Type: "c", Access: ""})
	assert.Check(t, is.ErrorContains(err, "invalid access"))

	_, err = FromOCI(specs.LinuxDeviceCgroup{Type: "c", Major: int64Ptr(-3), Access: "r"})
	assert.Check(t, is.ErrorContains(err, "negative major"))
}

func TestToOCI(t *testing.T) {
	e := mustParse(t, "c 3:1 rw")
	rule := e.ToOCI(true)
	assert.Check(t, is.DeepEqual(rule, specs.LinuxDeviceCgroup{
		Allow:  true,
		Type:   "c",
		Major:  int64Ptr(3),
		Minor:  int64Ptr(1),
		Access: "rw",
	}))

	wild := mustParse(t, "a *:* m").ToOCI(false)
	assert.Check(t, wild.Major == nil)
	assert.Check(t, wild.Minor == nil)
	assert.Check(t, is.Equal(wild.Type, "a"))
	assert.Check(t, !wild.Allow)
}

func TestOCIRoundTrip(t *testing.T) {
	for _, in := range []string{"c 3:1 rwm", "b 8:* w", "a *:* m"} {
		e := mustParse(t, in)
		back, err := FromOCI(e.ToOCI(true))
		assert.NilError(t, err)
		assert.Check(t, is.Equal(back, e), in)
	}
}
