// Package ebpfdriver commits device access policies to cgroup v2
// control groups. The policy is compiled into a BPF_CGROUP_DEVICE
// program which is attached to the cgroup, atomically replacing the
// previously installed program so that exactly one program remains the
// source of truth for the cgroup's device access.
package ebpfdriver

import (
	"fmt"

	"github.com/cilium/ebpf/asm"
	"golang.org/x/sys/unix"

	"github.com/moby/devicemanager/devices"
)

const license = "Apache"

// DeviceFilter compiles an (allow, deny) device entry pair into a
// cgroup device program and its license.
//
// The generated program checks deny entries first: a request touching
// any revoked access mode of a matching deny entry is rejected without
// consulting the allow list. A request is then granted by the first
// allow entry that matches the device and covers every requested access
// mode. Anything else is rejected.
//
// Deny entries must be free of wildcards.
func DeviceFilter(allow, deny []devices.Entry) (asm.Instructions, string, error) {
	// The context argument (struct bpf_cgroup_dev_ctx) holds the packed
	// u32 access_type (device type in the lower 16 bits, access mode in
	// the upper 16) followed by u32 major and u32 minor.
	insts := asm.Instructions{
		// R2 <- device type
		asm.LoadMem(asm.R2, asm.R1, 0, asm.Half),
		// R3 <- access mode
		asm.LoadMem(asm.R3, asm.R1, 0, asm.Word),
		asm.RSh.Imm32(asm.R3, 16),
		// R4 <- major
		asm.LoadMem(asm.R4, asm.R1, 4, asm.Word),
		// R5 <- minor
		asm.LoadMem(asm.R5, asm.R1, 8, asm.Word),
	}

	var blocks []asm.Instructions
	rejectSym := func() string {
		return fmt.Sprintf("block-%d", len(deny)+len(allow))
	}

	for _, e := range deny {
		if e.Selector.HasWildcard() {
			return nil, "", fmt.Errorf("deny entry '%s' contains a wildcard", e)
		}
		next := fmt.Sprintf("block-%d", len(blocks)+1)
		bpfType, err := bpfDeviceType(e.Selector.Type)
		if err != nil {
			return nil, "", err
		}
		blocks = append(blocks, asm.Instructions{
			asm.JNE.Imm(asm.R2, bpfType, next),
			asm.JNE.Imm(asm.R4, int32(e.Selector.Major), next),
			asm.JNE.Imm(asm.R5, int32(e.Selector.Minor), next),
			// Reject when the request touches any revoked mode.
			asm.JSet.Imm(asm.R3, bpfAccess(e.Access), rejectSym()),
		})
	}

	for _, e := range allow {
		next := fmt.Sprintf("block-%d", len(blocks)+1)
		var blk asm.Instructions
		if e.Selector.Type != devices.WildcardDevice {
			bpfType, err := bpfDeviceType(e.Selector.Type)
			if err != nil {
				return nil, "", err
			}
			blk = append(blk, asm.JNE.Imm(asm.R2, bpfType, next))
		}
		if e.Selector.Major != devices.Wildcard {
			blk = append(blk, asm.JNE.Imm(asm.R4, int32(e.Selector.Major), next))
		}
		if e.Selector.Minor != devices.Wildcard {
			blk = append(blk, asm.JNE.Imm(asm.R5, int32(e.Selector.Minor), next))
		}
		if granted := bpfAccess(e.Access); granted != accessAll {
			// Skip unless the entry covers every requested mode.
			blk = append(blk,
				asm.Mov.Reg32(asm.R1, asm.R3),
				asm.And.Imm32(asm.R1, granted),
				asm.JNE.Reg(asm.R1, asm.R3, next),
			)
		}
		blk = append(blk,
			asm.Mov.Imm32(asm.R0, 1),
			asm.Return(),
		)
		blocks = append(blocks, blk)
	}

	for i, blk := range blocks {
		blk[0] = blk[0].WithSymbol(fmt.Sprintf("block-%d", i))
		insts = append(insts, blk...)
	}

	insts = append(insts,
		asm.Mov.Imm32(asm.R0, 0).WithSymbol(rejectSym()),
		asm.Return(),
	)

	return insts, license, nil
}

// accessAll is the packed access mask covering every mode; entries
// granting it need no access check in their block.
const accessAll = unix.BPF_DEVCG_ACC_READ | unix.BPF_DEVCG_ACC_WRITE | unix.BPF_DEVCG_ACC_MKNOD

func bpfDeviceType(t devices.Type) (int32, error) {
	switch t {
	case devices.BlockDevice:
		return unix.BPF_DEVCG_DEV_BLOCK, nil
	case devices.CharDevice:
		return unix.BPF_DEVCG_DEV_CHAR, nil
	}
	return 0, fmt.Errorf("device type %q cannot be expressed in a device program block", string(t))
}

func bpfAccess(a devices.Access) int32 {
	var v int32
	if a&devices.Read != 0 {
		v |= unix.BPF_DEVCG_ACC_READ
	}
	if a&devices.Write != 0 {
		v |= unix.BPF_DEVCG_ACC_WRITE
	}
	if a&devices.Mknod != 0 {
		v |= unix.BPF_DEVCG_ACC_MKNOD
	}
	return v
}
