package ebpfdriver

import (
	"context"
	"fmt"
	"path/filepath"
	"unsafe"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/containerd/cgroups/v3"
	"github.com/containerd/log"
	"golang.org/x/sys/unix"

	"github.com/moby/devicemanager/devices"
)

// defaultMountpoint is where the unified cgroup hierarchy is mounted on
// a cgroup v2 host.
const defaultMountpoint = "/sys/fs/cgroup"

// Driver commits device access policies as BPF_CGROUP_DEVICE programs
// on the unified cgroup hierarchy.
type Driver struct {
	mountpoint string
}

// New returns a Driver rooted at the default cgroup2 mountpoint. It
// fails when the host is not running in unified cgroup mode, since
// device programs can only be attached to cgroup v2 directories.
func New() (*Driver, error) {
	if cgroups.Mode() != cgroups.Unified {
		return nil, fmt.Errorf("ebpf device driver requires cgroup v2 in unified mode")
	}
	return &Driver{mountpoint: defaultMountpoint}, nil
}

// Configure compiles (allow, deny) into a device program and attaches
// it to cgroup, replacing the program installed by a previous call.
//
// The attachment uses BPF_F_ALLOW_MULTI so that the program composes
// with programs on ancestor cgroups, and replaces the existing program
// in the same syscall so there is no window with zero or two programs
// attached. A cgroup that already carries more than one device program
// was configured by someone else and is rejected rather than clobbered.
func (d *Driver) Configure(ctx context.Context, cgroup string, allow, deny []devices.Entry) error {
	insts, license, err := DeviceFilter(allow, deny)
	if err != nil {
		return fmt.Errorf("failed to generate device program for cgroup %q: %w", cgroup, err)
	}

	path := filepath.Join(d.mountpoint, cgroup)
	dirFD, err := unix.Open(path, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return fmt.Errorf("cannot open cgroup directory %s: %w", path, err)
	}
	defer unix.Close(dirFD)

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Type:         ebpf.CGroupDevice,
		Instructions: insts,
		License:      license,
	})
	if err != nil {
		return fmt.Errorf("failed to load device program: %w", err)
	}
	defer prog.Close()

	oldProgs, err := queryAttachedPrograms(dirFD)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range oldProgs {
			p.Close()
		}
	}()
	if len(oldProgs) > 1 {
		return fmt.Errorf("cgroup %q has %d device programs attached, expected at most one", cgroup, len(oldProgs))
	}

	opts := link.RawAttachProgramOptions{
		Target:  dirFD,
		Program: prog,
		Attach:  ebpf.AttachCGroupDevice,
		Flags:   unix.BPF_F_ALLOW_MULTI,
	}
	if len(oldProgs) == 1 {
		opts.Anchor = link.ReplaceProgram(oldProgs[0])
		opts.Flags |= unix.BPF_F_REPLACE
	}
	if err := link.RawAttachProgram(opts); err != nil {
		return fmt.Errorf("failed to attach device program to cgroup %q: %w", cgroup, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"cgroup":   cgroup,
		"replaced": len(oldProgs) == 1,
	}).Debug("attached cgroup device program")
	return nil
}

// Detach removes the device program attached to cgroup, if any,
// restoring unrestricted device access.
func (d *Driver) Detach(ctx context.Context, cgroup string) error {
	path := filepath.Join(d.mountpoint, cgroup)
	dirFD, err := unix.Open(path, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return fmt.Errorf("cannot open cgroup directory %s: %w", path, err)
	}
	defer unix.Close(dirFD)

	progs, err := queryAttachedPrograms(dirFD)
	if err != nil {
		return err
	}
	defer func() {
		for _, p := range progs {
			p.Close()
		}
	}()

	for _, p := range progs {
		if err := link.RawDetachProgram(link.RawDetachProgramOptions{
			Target:  dirFD,
			Program: p,
			Attach:  ebpf.AttachCGroupDevice,
		}); err != nil {
			return fmt.Errorf("failed to detach device program from cgroup %q: %w", cgroup, err)
		}
	}
	log.G(ctx).WithFields(log.Fields{
		"cgroup":   cgroup,
		"detached": len(progs),
	}).Debug("detached cgroup device programs")
	return nil
}

// queryAttachedPrograms returns the BPF_CGROUP_DEVICE programs attached
// to the cgroup directory referred to by dirFD.
func queryAttachedPrograms(dirFD int) ([]*ebpf.Program, error) {
	ids, err := deviceProgramIDs(dirFD)
	if err != nil {
		return nil, fmt.Errorf("failed to query attached device programs: %w", err)
	}
	progs := make([]*ebpf.Program, 0, len(ids))
	for _, id := range ids {
		p, err := ebpf.NewProgramFromID(ebpf.ProgramID(id))
		if err != nil {
			for _, opened := range progs {
				opened.Close()
			}
			return nil, fmt.Errorf("cannot open attached device program %d: %w", id, err)
		}
		progs = append(progs, p)
	}
	return progs, nil
}

// bpfAttrQuery mirrors the query branch of union bpf_attr for the
// BPF_PROG_QUERY command.
type bpfAttrQuery struct {
	TargetFd    uint32
	AttachType  uint32
	QueryFlags  uint32
	AttachFlags uint32
	ProgIds     uint64 // pointer to a []uint32
	ProgCnt     uint32
}

func deviceProgramIDs(dirFD int) ([]uint32, error) {
	// First query learns the count, second fills the id buffer. A
	// program attached in between surfaces as ENOSPC and is retried by
	// the caller's next commit.
	attr := bpfAttrQuery{
		TargetFd:   uint32(dirFD),
		AttachType: uint32(unix.BPF_CGROUP_DEVICE),
	}
	if err := bpfProgQuery(&attr); err != nil {
		return nil, err
	}
	if attr.ProgCnt == 0 {
		return nil, nil
	}

	ids := make([]uint32, attr.ProgCnt)
	attr = bpfAttrQuery{
		TargetFd:   uint32(dirFD),
		AttachType: uint32(unix.BPF_CGROUP_DEVICE),
		ProgIds:    uint64(uintptr(unsafe.Pointer(&ids[0]))),
		ProgCnt:    attr.ProgCnt,
	}
	if err := bpfProgQuery(&attr); err != nil {
		return nil, err
	}
	return ids[:attr.ProgCnt], nil
}

func bpfProgQuery(attr *bpfAttrQuery) error {
	_, _, errno := unix.Syscall(unix.SYS_BPF,
		uintptr(unix.BPF_PROG_QUERY),
		uintptr(unsafe.Pointer(attr)),
		unsafe.Sizeof(*attr))
	if errno != 0 {
		return errno
	}
	return nil
}
