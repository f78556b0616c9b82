// Package schema fetches the device schema and keeps group hosts in sync with it.
package schema

import (
	"cmp"
	"slices"
	"strings"

	"github.com/dokzlo13/roomd/internal/backend"
	"github.com/dokzlo13/roomd/internal/group"
)

// Descriptor is one schema entry.
type Descriptor struct {
	ID       string
	Type     string
	Group    string // empty when the device belongs to no group
	Priority int
	Starred  bool
}

// Descriptors converts the raw schema into descriptors ordered by id.
func Descriptors(raw map[string]backend.SchemaEntry) []Descriptor {
	out := make([]Descriptor, 0, len(raw))
	for id, e := range raw {
		d := Descriptor{ID: id, Type: e.Type, Priority: e.Priority, Starred: e.Starred}
		if e.Group != nil {
			d.Group = strings.TrimSpace(*e.Group)
		}
		out = append(out, d)
	}
	slices.SortFunc(out, func(a, b Descriptor) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Partition splits the schema into the buckets the dashboard shows.
// Starred is not exclusive: a starred device also appears in its group or
// in Ungrouped. Every bucket is ordered by priority, then id.
type Partition struct {
	Starred   []Descriptor
	Groups    map[string][]Descriptor
	Ungrouped []Descriptor
}

// Split partitions descriptors.
func Split(descs []Descriptor) Partition {
	p := Partition{Groups: make(map[string][]Descriptor)}
	for _, d := range descs {
		if d.Starred {
			p.Starred = append(p.Starred, d)
		}
		if d.Group == "" {
			p.Ungrouped = append(p.Ungrouped, d)
		} else {
			p.Groups[d.Group] = append(p.Groups[d.Group], d)
		}
	}

	sortBucket(p.Starred)
	sortBucket(p.Ungrouped)
	for _, bucket := range p.Groups {
		sortBucket(bucket)
	}
	return p
}

func sortBucket(ds []Descriptor) {
	slices.SortFunc(ds, func(a, b Descriptor) int {
		if c := cmp.Compare(a.Priority, b.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

// GroupNames returns the named groups in sorted order.
func (p Partition) GroupNames() []string {
	names := make([]string, 0, len(p.Groups))
	for name := range p.Groups {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of distinct devices.
func (p Partition) Len() int {
	n := len(p.Ungrouped)
	for _, bucket := range p.Groups {
		n += len(bucket)
	}
	return n
}

func members(ds []Descriptor) []group.Member {
	out := make([]group.Member, len(ds))
	for i, d := range ds {
		out[i] = group.Member{ID: d.ID, Priority: d.Priority}
	}
	return out
}
