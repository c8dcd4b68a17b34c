// Package delta computes the method-level change set between two archives,
// used by print mode to explain what a save or merge changed.
package delta

import (
	"encoding/binary"
	"fmt"
	"io"
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"

	"codearchive/internal/archive"
)

// Entry is one method record reduced to its identity and content.
type Entry struct {
	Env      string // short environment fingerprint
	Method   string
	Hash     uint64 // over the sorted version content hashes
	Versions int
}

// Key identifies the entry across archives.
func (e Entry) Key() string { return e.Env + "/" + e.Method }

// Change is a method present in both archives with different versions.
type Change struct {
	Key            string
	HashBefore     uint64
	HashAfter      uint64
	VersionsBefore int
	VersionsAfter  int
}

// Rename is a method whose versions moved unchanged to another key, for
// example when a container's environment changed.
type Rename struct {
	From string
	To   string
	Hash uint64
}

// Delta describes the change from a previous archive to the current one.
// After rename matching the sets are disjoint.
type Delta struct {
	Added   []Entry
	Removed []Entry
	Changed []Change
	Renamed []Rename
}

// Empty reports whether the archives hold the same methods.
func (d Delta) Empty() bool {
	return len(d.Added)+len(d.Removed)+len(d.Changed)+len(d.Renamed) == 0
}

// Entries lists every method record of a.
func Entries(a *archive.Archive) []Entry {
	if a == nil {
		return nil
	}
	var out []Entry
	for _, c := range a.Containers {
		env := c.Env.Short()
		c.Each(func(m *archive.MethodRecord) bool {
			out = append(out, Entry{Env: env, Method: m.ID.String(), Hash: recordHash(m), Versions: len(m.Versions)})
			return true
		})
	}
	return out
}

func recordHash(m *archive.MethodRecord) uint64 {
	hs := make([]uint64, len(m.Versions))
	for i, v := range m.Versions {
		hs[i] = v.ContentHash()
	}
	slices.Sort(hs)
	d := xxhash.New()
	var buf [8]byte
	for _, h := range hs {
		binary.LittleEndian.PutUint64(buf[:], h)
		_, _ = d.Write(buf[:])
	}
	return d.Sum64()
}

// Build computes the change set between two archives. Either may be nil.
func Build(prev, curr *archive.Archive) Delta {
	prevMap := indexByKey(Entries(prev))
	currMap := indexByKey(Entries(curr))

	var d Delta
	for key, pe := range prevMap {
		ce, ok := currMap[key]
		if !ok {
			d.Removed = append(d.Removed, pe)
			continue
		}
		if pe.Hash != ce.Hash {
			d.Changed = append(d.Changed, Change{
				Key:            key,
				HashBefore:     pe.Hash,
				HashAfter:      ce.Hash,
				VersionsBefore: pe.Versions,
				VersionsAfter:  ce.Versions,
			})
		}
	}
	for key, ce := range currMap {
		if _, ok := prevMap[key]; !ok {
			d.Added = append(d.Added, ce)
		}
	}
	sortDelta(&d)
	d.Renamed, d.Removed, d.Added = matchExactRenames(d.Removed, d.Added)
	return d
}

func indexByKey(entries []Entry) map[string]Entry {
	m := make(map[string]Entry, len(entries))
	for _, e := range entries {
		m[e.Key()] = e
	}
	return m
}

// matchExactRenames pairs removed and added entries with equal content.
// Inputs are sorted by key, so pairing is deterministic.
func matchExactRenames(removed, added []Entry) ([]Rename, []Entry, []Entry) {
	if len(removed) == 0 || len(added) == 0 {
		return nil, removed, added
	}
	byHash := make(map[uint64][]int, len(removed))
	for i, r := range removed {
		byHash[r.Hash] = append(byHash[r.Hash], i)
	}
	usedRemoved := make(map[int]bool)
	usedAdded := make(map[int]bool)
	var renamed []Rename
	for j, a := range added {
		cands := byHash[a.Hash]
		if len(cands) == 0 {
			continue
		}
		i := cands[0]
		byHash[a.Hash] = cands[1:]
		usedRemoved[i] = true
		usedAdded[j] = true
		renamed = append(renamed, Rename{From: removed[i].Key(), To: a.Key(), Hash: a.Hash})
	}
	return renamed, filter(removed, usedRemoved), filter(added, usedAdded)
}

func filter(entries []Entry, used map[int]bool) []Entry {
	if len(used) == 0 {
		return entries
	}
	out := make([]Entry, 0, len(entries)-len(used))
	for i, e := range entries {
		if !used[i] {
			out = append(out, e)
		}
	}
	return out
}

func sortDelta(d *Delta) {
	sort.Slice(d.Removed, func(i, j int) bool { return d.Removed[i].Key() < d.Removed[j].Key() })
	sort.Slice(d.Added, func(i, j int) bool { return d.Added[i].Key() < d.Added[j].Key() })
	sort.Slice(d.Changed, func(i, j int) bool { return d.Changed[i].Key < d.Changed[j].Key })
}

// Write prints the delta one line per method.
func (d Delta) Write(w io.Writer) error {
	var err error
	p := func(format string, args ...any) {
		if err == nil {
			_, err = fmt.Fprintf(w, format, args...)
		}
	}
	for _, e := range d.Added {
		p("+ %s versions=%d\n", e.Key(), e.Versions)
	}
	for _, e := range d.Removed {
		p("- %s versions=%d\n", e.Key(), e.Versions)
	}
	for _, c := range d.Changed {
		p("~ %s versions=%d->%d\n", c.Key, c.VersionsBefore, c.VersionsAfter)
	}
	for _, r := range d.Renamed {
		p("> %s -> %s\n", r.From, r.To)
	}
	if d.Empty() {
		p("no method changes\n")
	}
	return err
}
