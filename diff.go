package devicemanager

import "github.com/moby/devicemanager/devices"

// ApplyDiff returns the device access state resulting from granting
// additions and revoking removals on top of state. It is a pure function
// and can be used to preview the outcome of a Reconfigure call without a
// Manager instance.
//
// Non-wildcard allow entries matching a removal are shrunk in place.
// Wildcard allow entries cannot be shrunk without widening their effect
// on other devices, so a revocation that hits one is encoded positively
// as a deny entry instead, restricted to the access modes the wildcards
// actually grant. Entries left without any access mode are dropped from
// both lists.
func ApplyDiff(state CgroupDeviceAccess, additions, removals []devices.NonWildcardEntry) CgroupDeviceAccess {
	newState := CgroupDeviceAccess{
		Allow: append([]devices.Entry(nil), state.Allow...),
		Deny:  append([]devices.Entry(nil), state.Deny...),
	}

	for _, addition := range additions {
		add := addition.Entry()

		// Invariant: the deny list holds no wildcards, so exact selector
		// equality is the right match.
		for i := range newState.Deny {
			revokeAccesses(&newState.Deny[i], add)
		}

		newState.Allow = append(newState.Allow, add)
	}

	for _, removal := range removals {
		rm := removal.Entry()

		// Access modes granted to the removal's device by wildcard allow
		// entries. These cannot be revoked by editing the entries
		// themselves.
		var wildcardGranted devices.Access

		for i := range newState.Allow {
			allow := &newState.Allow[i]
			if !allow.Selector.HasWildcard() {
				revokeAccesses(allow, rm)
				continue
			}
			if allow.Selector.Type != devices.WildcardDevice && allow.Selector.Type != rm.Selector.Type {
				continue
			}
			if allow.Selector.Major != devices.Wildcard && allow.Selector.Major != rm.Selector.Major {
				continue
			}
			if allow.Selector.Minor != devices.Wildcard && allow.Selector.Minor != rm.Selector.Minor {
				continue
			}
			wildcardGranted |= allow.Access
		}

		// Deny only what a wildcard actually grants. Denying modes that
		// were never granted would be harmless at enforcement time but
		// would not round-trip through state comparisons.
		if residual := rm.Access & wildcardGranted; !residual.None() {
			newState.Deny = append(newState.Deny, devices.Entry{
				Selector: rm.Selector,
				Access:   residual,
			})
		}
	}

	newState.Allow = stripEmpties(newState.Allow)
	newState.Deny = stripEmpties(newState.Deny)

	return newState
}

// revokeAccesses subtracts diff's access modes from entry when both name
// exactly the same device. Both entries must be free of wildcards.
func revokeAccesses(entry *devices.Entry, diff devices.Entry) {
	if entry.Selector == diff.Selector {
		entry.Access &^= diff.Access
	}
}

func stripEmpties(entries []devices.Entry) []devices.Entry {
	var res []devices.Entry
	for _, e := range entries {
		if !e.Access.None() {
			res = append(res, e)
		}
	}
	return res
}
