package devicemanager

import (
	"context"
	"errors"
	"sync"
	"testing"

	cerrdefs "github.com/containerd/errdefs"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/moby/devicemanager/devices"
)

// recordingDriver captures every Configure call and can be primed to
// fail.
type recordingDriver struct {
	mu      sync.Mutex
	commits []commit
	err     error
}

type commit struct {
	cgroup      string
	allow, deny []devices.Entry
}

func (d *recordingDriver) Configure(_ context.Context, cgroup string, allow, deny []devices.Entry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.commits = append(d.commits, commit{
		cgroup: cgroup,
		allow:  append([]devices.Entry(nil), allow...),
		deny:   append([]devices.Entry(nil), deny...),
	})
	return nil
}

func (d *recordingDriver) commitCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.commits)
}

func (d *recordingDriver) lastCommit(t *testing.T) commit {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Assert(t, len(d.commits) > 0, "no commits recorded")
	return d.commits[len(d.commits)-1]
}

func (d *recordingDriver) fail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.err = err
}

func newTestManager(t *testing.T) (*Manager, *recordingDriver) {
	t.Helper()
	d := &recordingDriver{}
	m, err := New(t.TempDir(), d)
	assert.NilError(t, err)
	t.Cleanup(func() { m.Close() })
	return m, d
}

func TestConfigureRejectsCoveredAllow(t *testing.T) {
	ctx := context.Background()
	m, d := newTestManager(t)

	err := m.Configure(ctx, "ctr1", entries(t, "c 1:3 w"), nonWildcards(t, "c 1:3 w", "c 21:1 w"))
	assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))
	var covered AllowCoveredByDenyError
	assert.Check(t, errors.As(err, &covered))

	// The store is untouched and nothing reached the driver.
	policy, stateErr := m.CgroupState(ctx, "ctr1")
	assert.NilError(t, stateErr)
	assert.Check(t, is.DeepEqual(policy, CgroupDeviceAccess{}))
	assert.Check(t, is.Equal(d.commitCount(), 0))
}

func TestConfigureStoresVerbatim(t *testing.T) {
	ctx := context.Background()
	m, d := newTestManager(t)

	allow := entries(t, "a *:* m")
	deny := nonWildcards(t, "c 3:1 m")
	assert.NilError(t, m.Configure(ctx, "ctr1", allow, deny))

	policy, err := m.CgroupState(ctx, "ctr1")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(policy, CgroupDeviceAccess{
		Allow: entries(t, "a *:* m"),
		Deny:  entries(t, "c 3:1 m"),
	}))

	last := d.lastCommit(t)
	assert.Check(t, is.Equal(last.cgroup, "ctr1"))
	assert.Check(t, is.DeepEqual(last.allow, entries(t, "a *:* m")))
	assert.Check(t, is.DeepEqual(last.deny, entries(t, "c 3:1 m")))
}

func TestConfigureReplacesPolicy(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	assert.NilError(t, m.Configure(ctx, "ctr1", entries(t, "c 3:1 rwm"), nil))
	assert.NilError(t, m.Configure(ctx, "ctr1", entries(t, "b 8:0 w"), nil))

	policy, err := m.CgroupState(ctx, "ctr1")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(policy, CgroupDeviceAccess{
		Allow: entries(t, "b 8:0 w"),
	}))
}

func TestReconfigureRejectsCoveredAddition(t *testing.T) {
	ctx := context.Background()
	m, d := newTestManager(t)
	assert.NilError(t, m.Configure(ctx, "ctr1", entries(t, "c 3:1 rwm"), nil))

	err := m.Reconfigure(ctx, "ctr1", nonWildcards(t, "c 1:9 r"), nonWildcards(t, "c 1:9 rw"))
	assert.Check(t, is.ErrorType(err, cerrdefs.IsInvalidArgument))
	var covered AdditionCoveredByRemovalError
	assert.Check(t, errors.As(err, &covered))

	policy, stateErr := m.CgroupState(ctx, "ctr1")
	assert.NilError(t, stateErr)
	assert.Check(t, is.DeepEqual(policy, CgroupDeviceAccess{
		Allow: entries(t, "c 3:1 rwm"),
	}))
	assert.Check(t, is.Equal(d.commitCount(), 1))
}

func TestReconfigureAppliesDiff(t *testing.T) {
	ctx := context.Background()
	m, d := newTestManager(t)
	assert.NilError(t, m.Configure(ctx, "ctr1", entries(t, "c 3:* rwm"), nil))

	assert.NilError(t, m.Reconfigure(ctx, "ctr1", nonWildcards(t, "b 8:0 w"), nonWildcards(t, "c 3:1 rw")))

	policy, err := m.CgroupState(ctx, "ctr1")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(policy, CgroupDeviceAccess{
		Allow: entries(t, "c 3:* rwm", "b 8:0 w"),
		Deny:  entries(t, "c 3:1 rw"),
	}))

	last := d.lastCommit(t)
	assert.Check(t, is.DeepEqual(last.deny, entries(t, "c 3:1 rw")))
}

func TestEmptyReconfigureRecommits(t *testing.T) {
	ctx := context.Background()
	m, d := newTestManager(t)
	assert.NilError(t, m.Configure(ctx, "ctr1", entries(t, "c 3:1 rwm"), nil))

	before, err := m.CgroupState(ctx, "ctr1")
	assert.NilError(t, err)

	assert.NilError(t, m.Reconfigure(ctx, "ctr1", nil, nil))

	after, err := m.CgroupState(ctx, "ctr1")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(before, after))
	assert.Check(t, is.Equal(d.commitCount(), 2))
}

func TestCommitFailureKeepsAttemptedState(t *testing.T) {
	ctx := context.Background()
	m, d := newTestManager(t)

	driverErr := errors.New("bpf program rejected")
	d.fail(driverErr)

	err := m.Configure(ctx, "ctr1", entries(t, "c 3:1 rwm"), nil)
	var commitErr *CommitError
	assert.Check(t, errors.As(err, &commitErr))
	assert.Check(t, is.Equal(commitErr.Cgroup, "ctr1"))
	assert.Check(t, errors.Is(err, driverErr))
	assert.Check(t, is.ErrorType(err, cerrdefs.IsUnavailable))

	// No rollback: the attempted policy remains the stored state.
	policy, stateErr := m.CgroupState(ctx, "ctr1")
	assert.NilError(t, stateErr)
	assert.Check(t, is.DeepEqual(policy, CgroupDeviceAccess{
		Allow: entries(t, "c 3:1 rwm"),
	}))
}

func TestUnknownCgroupReadsEmpty(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	policy, err := m.CgroupState(ctx, "never-seen")
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(policy, CgroupDeviceAccess{}))
}

func TestStateSnapshotsAllCgroups(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	assert.NilError(t, m.Configure(ctx, "ctr1", entries(t, "c 3:1 rwm"), nil))
	assert.NilError(t, m.Configure(ctx, "ctr2", entries(t, "b 8:0 w"), nil))

	state, err := m.State(ctx)
	assert.NilError(t, err)
	assert.Check(t, is.DeepEqual(state, map[string]CgroupDeviceAccess{
		"ctr1": {Allow: entries(t, "c 3:1 rwm")},
		"ctr2": {Allow: entries(t, "b 8:0 w")},
	}))
}

func TestOperationsAfterClose(t *testing.T) {
	ctx := context.Background()
	d := &recordingDriver{}
	m, err := New(t.TempDir(), d)
	assert.NilError(t, err)
	assert.NilError(t, m.Close())
	assert.NilError(t, m.Close())

	err = m.Configure(ctx, "ctr1", entries(t, "c 3:1 rwm"), nil)
	assert.Check(t, is.ErrorIs(err, ErrClosed))

	_, err = m.State(ctx)
	assert.Check(t, is.ErrorIs(err, ErrClosed))
}

func TestDispatchHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m, _ := newTestManager(t)
	// Stall the actor so the cancelled enqueue is observed.
	block := make(chan struct{})
	started := make(chan struct{})
	go m.dispatch(context.Background(), func() {
		close(started)
		<-block
	})
	<-started

	err := m.Configure(ctx, "ctr1", entries(t, "c 3:1 rwm"), nil)
	assert.Check(t, is.ErrorIs(err, context.Canceled))
	close(block)
}

func TestAllows(t *testing.T) {
	policy := CgroupDeviceAccess{
		Allow: entries(t, "c 3:* rw", "b 8:0 m"),
		Deny:  entries(t, "c 3:1 w"),
	}
	for _, tc := range []struct {
		entry string
		want  bool
	}{
		{"c 3:2 rw", true},
		{"c 3:2 r", true},
		{"c 3:1 r", true},
		// The deny entry revokes w for 3:1 even though the wildcard grants it.
		{"c 3:1 w", false},
		{"c 3:1 rw", false},
		{"b 8:0 m", true},
		{"b 8:0 w", false},
		{"c 3:2 rwm", false},
		{"c 1:9 r", false},
	} {
		nw := nonWildcards(t, tc.entry)
		assert.Check(t, is.Equal(policy.Allows(nw[0]), tc.want), tc.entry)
	}
}
