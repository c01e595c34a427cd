// Package devicemanager maintains per-cgroup device access policies and
// commits them to the kernel through a pluggable cgroup driver.
//
// On cgroup v2 hosts device access is enforced by a BPF program rather
// than control files, so a cgroup's device access state cannot be read
// back from the filesystem. The manager is the source of truth for that
// state: it keeps a canonical (allow, deny) entry pair per cgroup,
// computes wildcard-correct incremental updates, and regenerates the
// full policy for the driver on every change.
package devicemanager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/containerd/log"
	metrics "github.com/docker/go-metrics"

	"github.com/moby/devicemanager/devices"
	"github.com/moby/devicemanager/driver"
)

// ErrClosed is returned for operations dispatched after Close.
var ErrClosed = errors.New("device manager is closed")

// CgroupDeviceAccess is the device access policy of a single cgroup:
// the entries granting access and the entries revoking it.
//
// Invariants maintained by the Manager for every stored policy:
//   - Deny entries are free of wildcards.
//   - No entry in either list has an empty access mode set.
//   - No deny entry encompasses an allow entry at commit time.
//
// Insertion order within each list is preserved; new entries are
// appended at the tail. Equal allow entries are not deduplicated, so
// repeated grants of the same device accumulate. Drivers may merge
// entries when constructing the kernel representation.
type CgroupDeviceAccess struct {
	Allow []devices.Entry `json:"allow"`
	Deny  []devices.Entry `json:"deny"`
}

// Allows reports whether the policy grants every requested access mode
// for the given device. A request is granted when some allow entry
// matches the device and covers all requested modes, and no deny entry
// matching the device revokes any of them. This mirrors the enforcement
// behaviour of the generated cgroup device programs.
func (c CgroupDeviceAccess) Allows(e devices.NonWildcardEntry) bool {
	entry := e.Entry()
	for _, deny := range c.Deny {
		if deny.Selector.Encompasses(entry.Selector) && deny.Access&entry.Access != 0 {
			return false
		}
	}
	for _, allow := range c.Allow {
		if allow.Selector.Encompasses(entry.Selector) && allow.Access.Contains(entry.Access) {
			return true
		}
	}
	return false
}

// Manager mediates which block and character devices the containers on
// a node may open, by maintaining per-cgroup device access policies and
// committing them through a cgroup driver.
//
// All policy state is owned by a single goroutine; every public
// operation is dispatched to it and serviced in FIFO order, including
// reads, so a read dispatched after a write observes the write's
// post-state. Operations run to completion once enqueued and are not
// cancellable.
//
// Commits are not rolled back on driver failure: a failed commit is
// terminal for the affected container, which the caller is expected to
// destroy, so the manager keeps the attempted policy and returns a
// CommitError.
type Manager struct {
	workDir string
	driver  driver.Driver

	requests chan func()
	stop     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	// Owned by the actor goroutine. Never read or written outside it.
	policies map[string]CgroupDeviceAccess
}

// New creates a Manager committing policies through d.
//
// workDir is reserved for durable manager state in a future revision;
// it is created if missing and otherwise unused.
func New(workDir string, d driver.Driver) (*Manager, error) {
	if err := os.MkdirAll(workDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create device manager work dir: %w", err)
	}
	m := &Manager{
		workDir:  workDir,
		driver:   d,
		requests: make(chan func()),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
		policies: make(map[string]CgroupDeviceAccess),
	}
	go m.run()
	return m, nil
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case <-m.stop:
			return
		case req := <-m.requests:
			req()
		}
	}
}

// Close terminates the actor goroutine and waits for it to exit. The
// currently running operation, if any, completes first.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
	<-m.stopped
	return nil
}

// dispatch hands fn to the actor goroutine and waits for it to finish.
// ctx cancellation is honoured while enqueueing only; an enqueued
// operation always runs to completion.
func (m *Manager) dispatch(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	select {
	case m.requests <- func() {
		defer close(done)
		fn()
	}:
		<-done
		return nil
	case <-m.stopped:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Configure replaces the device access policy for cgroup with the given
// allow and deny lists and commits it through the driver.
//
// Allow entries may contain wildcards; deny entries may not. The request
// fails with an AllowCoveredByDenyError, leaving the store untouched,
// when a deny entry encompasses an allow entry.
func (m *Manager) Configure(ctx context.Context, cgroup string, allow []devices.Entry, deny []devices.NonWildcardEntry) error {
	defer metrics.StartTimer(policyActions.WithValues("configure"))()

	var denyEntries []devices.Entry
	if len(deny) > 0 {
		denyEntries = devices.FromNonWildcards(deny)
	}
	for _, allowEntry := range allow {
		for _, denyEntry := range denyEntries {
			if denyEntry.Encompasses(allowEntry) {
				return AllowCoveredByDenyError{Allow: allowEntry, Deny: denyEntry}
			}
		}
	}

	allowEntries := append([]devices.Entry(nil), allow...)

	var commitErr error
	err := m.dispatch(ctx, func() {
		m.policies[cgroup] = CgroupDeviceAccess{
			Allow: allowEntries,
			Deny:  denyEntries,
		}
		trackedCgroups.Set(float64(len(m.policies)))
		commitErr = m.commit(ctx, cgroup)
	})
	if err != nil {
		return err
	}
	return commitErr
}

// Reconfigure incrementally adjusts the device access policy for cgroup,
// granting additions and revoking removals, and commits the result
// through the driver. Wildcards are not permitted in either argument.
//
// The request fails with an AdditionCoveredByRemovalError, leaving the
// store untouched, when a removal encompasses an addition. An empty
// reconfiguration is a no-op on the state but still re-commits the
// current policy.
func (m *Manager) Reconfigure(ctx context.Context, cgroup string, additions, removals []devices.NonWildcardEntry) error {
	defer metrics.StartTimer(policyActions.WithValues("reconfigure"))()

	for _, addition := range additions {
		for _, removal := range removals {
			if removal.Entry().Encompasses(addition.Entry()) {
				return AdditionCoveredByRemovalError{Addition: addition, Removal: removal}
			}
		}
	}

	var commitErr error
	err := m.dispatch(ctx, func() {
		m.policies[cgroup] = ApplyDiff(m.policies[cgroup], additions, removals)
		trackedCgroups.Set(float64(len(m.policies)))
		commitErr = m.commit(ctx, cgroup)
	})
	if err != nil {
		return err
	}
	return commitErr
}

// State returns a snapshot of the device access policies of every
// tracked cgroup.
func (m *Manager) State(ctx context.Context) (map[string]CgroupDeviceAccess, error) {
	var snapshot map[string]CgroupDeviceAccess
	err := m.dispatch(ctx, func() {
		snapshot = make(map[string]CgroupDeviceAccess, len(m.policies))
		for cgroup, policy := range m.policies {
			snapshot[cgroup] = policy
		}
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

// CgroupState returns the device access policy for cgroup. A cgroup the
// manager has never seen reads as the empty policy, not an error.
func (m *Manager) CgroupState(ctx context.Context, cgroup string) (CgroupDeviceAccess, error) {
	var policy CgroupDeviceAccess
	err := m.dispatch(ctx, func() {
		policy = m.policies[cgroup]
	})
	if err != nil {
		return CgroupDeviceAccess{}, err
	}
	return policy, nil
}

// commit pushes the stored policy for cgroup to the driver. Runs on the
// actor goroutine.
func (m *Manager) commit(ctx context.Context, cgroup string) error {
	// The driver call must not be interrupted by the caller going away;
	// the kernel-side policy is a side effect that outlives the request.
	ctx = context.WithoutCancel(ctx)

	policy := m.policies[cgroup]
	if err := m.driver.Configure(ctx, cgroup, policy.Allow, policy.Deny); err != nil {
		commitFailures.Inc()
		log.G(ctx).WithFields(log.Fields{
			"cgroup": cgroup,
			"error":  err,
		}).Warn("failed to commit device access changes")
		return &CommitError{Cgroup: cgroup, Err: err}
	}
	return nil
}
