package watcher

import "testing"

func TestEquivalent(t *testing.T) {
	tests := []struct {
		name string
		a, b Event
		want bool
	}{
		{
			name: "same change",
			a:    Event{Kind: Changed, FullPath: "/tmp/d/a.txt", Name: "a.txt"},
			b:    Event{Kind: Changed, FullPath: "/tmp/d/a.txt", Name: "a.txt"},
			want: true,
		},
		{
			name: "overlapping kinds",
			a:    Event{Kind: Changed, FullPath: "/tmp/d/a.txt", Name: "a.txt"},
			b:    Event{Kind: Changed | Deleted, FullPath: "/tmp/d/a.txt", Name: "a.txt"},
			want: true,
		},
		{
			name: "disjoint kinds",
			a:    Event{Kind: Changed, FullPath: "/tmp/d/a.txt", Name: "a.txt"},
			b:    Event{Kind: Deleted, FullPath: "/tmp/d/a.txt", Name: "a.txt"},
			want: false,
		},
		{
			name: "different path",
			a:    Event{Kind: Changed, FullPath: "/tmp/d/a.txt", Name: "a.txt"},
			b:    Event{Kind: Changed, FullPath: "/tmp/d/b.txt", Name: "b.txt"},
			want: false,
		},
		{
			name: "same full path different name",
			a:    Event{Kind: Changed, FullPath: "/tmp/d/a.txt", Name: "a.txt"},
			b:    Event{Kind: Changed, FullPath: "/tmp/d/a.txt", Name: "d/a.txt"},
			want: false,
		},
		{
			name: "delayed create",
			a:    Event{Kind: Created, FullPath: "/tmp/d/a.txt", Name: "a.txt"},
			b:    Event{Kind: Created | Changed, FullPath: "/tmp/d/a.txt", Name: "a.txt"},
			want: true,
		},
		{
			name: "renames from same source",
			a:    Event{Kind: Renamed, FullPath: "/tmp/d/b.txt", Name: "b.txt", OldFullPath: "/tmp/d/a.txt", OldName: "a.txt"},
			b:    Event{Kind: Renamed, FullPath: "/tmp/d/b.txt", Name: "b.txt", OldFullPath: "/tmp/d/a.txt", OldName: "a.txt"},
			want: true,
		},
		{
			name: "renames from different sources",
			a:    Event{Kind: Renamed, FullPath: "/tmp/d/b.txt", Name: "b.txt", OldFullPath: "/tmp/d/a.txt", OldName: "a.txt"},
			b:    Event{Kind: Renamed, FullPath: "/tmp/d/b.txt", Name: "b.txt", OldFullPath: "/tmp/d/c.txt", OldName: "c.txt"},
			want: false,
		},
		{
			name: "rename and create of same target",
			a:    Event{Kind: Renamed, FullPath: "/tmp/d/b.txt", Name: "b.txt", OldFullPath: "/tmp/d/a.txt", OldName: "a.txt"},
			b:    Event{Kind: Created, FullPath: "/tmp/d/b.txt", Name: "b.txt"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Equivalent(tt.a, tt.b); got != tt.want {
				t.Fatalf("Equivalent(a, b) = %v, want %v", got, tt.want)
			}
			if got := Equivalent(tt.b, tt.a); got != tt.want {
				t.Fatalf("Equivalent(b, a) = %v, want %v", got, tt.want)
			}
			if !Equivalent(tt.a, tt.a) {
				t.Fatalf("event is not equivalent to itself")
			}
		})
	}
}

func TestChangeKindString(t *testing.T) {
	tests := map[ChangeKind]string{
		Created:           "created",
		Deleted:           "deleted",
		Changed:           "changed",
		Renamed:           "renamed",
		All:               "all",
		Created | Changed: "created|changed",
		0:                 "unknown",
	}
	for kind, want := range tests {
		if got := kind.String(); got != want {
			t.Errorf("ChangeKind(%d).String() = %q, want %q", int(kind), got, want)
		}
	}
}

func TestInitEvent(t *testing.T) {
	event := InitEvent("/srv/data")
	if event.Kind != All || event.FullPath != "/srv/data" {
		t.Fatalf("unexpected init event: %+v", event)
	}
	if int(event.Kind) != 15 {
		t.Fatalf("init kind = %d, want 15", int(event.Kind))
	}
}
