package watcher

import "strings"

// ChangeKind is a bit mask describing what happened to a filesystem entry.
// The numeric values are part of the wire protocol.
type ChangeKind int

const (
	// Created indicates a new file or directory appeared.
	Created ChangeKind = 1
	// Deleted indicates an entry was removed.
	Deleted ChangeKind = 2
	// Changed indicates content or metadata was modified.
	Changed ChangeKind = 4
	// Renamed indicates an entry was moved within the watched tree.
	Renamed ChangeKind = 8
	// All is the union of every kind. It marks the synthetic init event
	// that confirms a subscription.
	All = Created | Deleted | Changed | Renamed
)

// String returns a human-readable representation of the kind.
func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "created"
	case Deleted:
		return "deleted"
	case Changed:
		return "changed"
	case Renamed:
		return "renamed"
	case All:
		return "all"
	}
	parts := make([]string, 0, 4)
	for _, kind := range []ChangeKind{Created, Deleted, Changed, Renamed} {
		if k&kind != 0 {
			parts = append(parts, kind.String())
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// Event is a single raw filesystem change observed below a watched directory.
type Event struct {
	Kind ChangeKind
	// FullPath is the watched directory joined with Name.
	FullPath string
	// Name is the path relative to the watched directory.
	Name string
	// OldFullPath and OldName are only set for Renamed events.
	OldFullPath string
	OldName     string
}

// InitEvent returns the sentinel event sent once a subscription to dir is live.
func InitEvent(dir string) Event {
	return Event{Kind: All, FullPath: dir}
}

// IsRename reports whether the event describes a rename.
func (e Event) IsRename() bool {
	return e.Kind == Renamed
}

// Equivalent reports whether two events describe the same change for
// deduplication purposes. The relation is symmetric and reflexive but not
// transitive.
func Equivalent(a, b Event) bool {
	return isDelayedCreate(a, b) || isSameChange(a, b)
}

func samePath(a, b Event) bool {
	return a.FullPath == b.FullPath && a.Name == b.Name
}

// isDelayedCreate absorbs the double create notifications some platforms emit.
func isDelayedCreate(a, b Event) bool {
	return a.Kind&Created != 0 && b.Kind&Created != 0 && samePath(a, b)
}

func isSameChange(a, b Event) bool {
	if a.Kind&b.Kind == 0 || !samePath(a, b) {
		return false
	}
	if a.IsRename() && b.IsRename() {
		return a.OldFullPath == b.OldFullPath && a.OldName == b.OldName
	}
	return true
}
