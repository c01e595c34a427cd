package devices

import "fmt"

// NonWildcardSelector is a selector that matches exactly one device
// node: a concrete block or character device with concrete major and
// minor numbers.
type NonWildcardSelector struct {
	Type  Type  `json:"type"` // BlockDevice or CharDevice
	Major int64 `json:"major"`
	Minor int64 `json:"minor"`
}

// NonWildcardEntry is an entry whose selector is guaranteed free of
// wildcards. Deny lists and incremental reconfiguration arguments are
// restricted to this form.
type NonWildcardEntry struct {
	Selector NonWildcardSelector `json:"selector"`
	Access   Access              `json:"access"`
}

// Entry widens the non-wildcard entry back to the general form.
func (e NonWildcardEntry) Entry() Entry {
	return Entry{
		Selector: Selector(e.Selector),
		Access:   e.Access,
	}
}

func (e NonWildcardEntry) String() string {
	return e.Entry().String()
}

// HasWildcardError is returned when an entry that must be free of
// wildcards contains one.
type HasWildcardError struct {
	Entry Entry
}

func (e HasWildcardError) Error() string {
	return fmt.Sprintf("device entry '%s' contains a wildcard", e.Entry)
}

// InvalidParameter marks the error as an invalid argument for
// errdefs matching.
func (HasWildcardError) InvalidParameter() {}

// ToNonWildcard narrows an entry, failing with HasWildcardError if its
// selector contains any wildcard.
func ToNonWildcard(e Entry) (NonWildcardEntry, error) {
	if e.Selector.HasWildcard() {
		return NonWildcardEntry{}, HasWildcardError{Entry: e}
	}
	return NonWildcardEntry{
		Selector: NonWildcardSelector(e.Selector),
		Access:   e.Access,
	}, nil
}

// ToNonWildcards narrows a list of entries, failing on the first entry
// whose selector contains a wildcard.
func ToNonWildcards(entries []Entry) ([]NonWildcardEntry, error) {
	out := make([]NonWildcardEntry, 0, len(entries))
	for _, e := range entries {
		nw, err := ToNonWildcard(e)
		if err != nil {
			return nil, err
		}
		out = append(out, nw)
	}
	return out, nil
}

// FromNonWildcards widens a list of non-wildcard entries.
func FromNonWildcards(entries []NonWildcardEntry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Entry())
	}
	return out
}
