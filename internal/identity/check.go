package identity

import (
	"fmt"
	"path"
	"strings"
)

// CheckResult is the outcome of comparing a saved classpath with the
// current one.
type CheckResult int

const (
	Compatible CheckResult = iota
	LongerButPrefixCompatible
	ShorterThanSaved
	Mismatch
	DirectoryNotMergeable
)

// OK reports whether the archive may be used.
func (r CheckResult) OK() bool {
	return r == Compatible || r == LongerButPrefixCompatible
}

func (r CheckResult) String() string {
	switch r {
	case Compatible:
		return "compatible"
	case LongerButPrefixCompatible:
		return "longer but prefix compatible"
	case ShorterThanSaved:
		return "shorter than saved"
	case Mismatch:
		return "classpath mismatch"
	case DirectoryNotMergeable:
		return "directory classpath cannot be merged"
	default:
		return fmt.Sprintf("result(%d)", int(r))
	}
}

// CheckOptions tunes CheckClasspath.
type CheckOptions struct {
	// Merge is set when the caller is the merge tool, which has no running
	// classloader to re-validate directory entries against.
	Merge bool
	// DirectoryCheck enables the directory rejection on merge.
	DirectoryCheck bool
	// WildcardOverride names a directory. A wildcard entry whose current
	// directory is that one compares by jar name and content only; the saved
	// directory and timestamps are ignored.
	WildcardOverride string
}

// Check is a CheckResult plus where and why it was decided.
type Check struct {
	Result CheckResult
	Entry  int // index of the first offending entry, -1 if none
	Detail string
}

func (c Check) Error() string {
	if c.Detail == "" {
		return c.Result.String()
	}
	return c.Result.String() + ": " + c.Detail
}

// CheckClasspath compares the descriptor stored at save time with the
// current one.
func CheckClasspath(saved, current ClasspathDescriptor, opts CheckOptions) Check {
	if opts.Merge && opts.DirectoryCheck {
		for i, e := range saved {
			if e.Kind == EntryDir {
				return Check{Result: DirectoryNotMergeable, Entry: i, Detail: e.Path}
			}
		}
	}
	n := min(len(saved), len(current))
	for i := 0; i < n; i++ {
		if why := entryDiff(saved[i], current[i], opts); why != "" {
			return Check{Result: Mismatch, Entry: i, Detail: why}
		}
	}
	switch {
	case len(current) < len(saved):
		return Check{Result: ShorterThanSaved, Entry: len(current),
			Detail: fmt.Sprintf("saved %d entries, current %d", len(saved), len(current))}
	case len(current) > len(saved):
		return Check{Result: LongerButPrefixCompatible, Entry: -1}
	default:
		return Check{Result: Compatible, Entry: -1}
	}
}

func entryDiff(saved, cur ClasspathEntry, opts CheckOptions) string {
	if saved.Kind != cur.Kind {
		return fmt.Sprintf("%s is a %s, was a %s", cur.Path, cur.Kind, saved.Kind)
	}
	switch saved.Kind {
	case EntryWildcard:
		if overridden(cur.Path, opts.WildcardOverride) {
			return expansionDiff(saved.Expansion, cur.Expansion, false)
		}
		if !samePath(saved.Path, cur.Path) {
			return fmt.Sprintf("%s != %s", cur.Path, saved.Path)
		}
		return expansionDiff(saved.Expansion, cur.Expansion, true)
	case EntryDir:
		if !samePath(saved.Path, cur.Path) {
			return fmt.Sprintf("%s != %s", cur.Path, saved.Path)
		}
		return ""
	default:
		if !samePath(saved.Path, cur.Path) {
			return fmt.Sprintf("%s != %s", cur.Path, saved.Path)
		}
		return jarDiff(saved, cur, true)
	}
}

func expansionDiff(saved, cur []ClasspathEntry, withTime bool) string {
	if len(saved) != len(cur) {
		return fmt.Sprintf("wildcard expands to %d jars, was %d", len(cur), len(saved))
	}
	for i := range saved {
		if !withTime && path.Base(saved[i].Path) != path.Base(cur[i].Path) {
			return fmt.Sprintf("%s != %s", path.Base(cur[i].Path), path.Base(saved[i].Path))
		}
		if withTime && !samePath(saved[i].Path, cur[i].Path) {
			return fmt.Sprintf("%s != %s", cur[i].Path, saved[i].Path)
		}
		if why := jarDiff(saved[i], cur[i], withTime); why != "" {
			return why
		}
	}
	return ""
}

func overridden(wildcard, override string) bool {
	if override == "" {
		return false
	}
	dir := strings.TrimSuffix(CanonicalPath(wildcard), "/*")
	return dir == strings.TrimSuffix(CanonicalPath(override), "/*")
}

func samePath(a, b string) bool {
	return CanonicalPath(a) == CanonicalPath(b)
}

func jarDiff(saved, cur ClasspathEntry, withTime bool) string {
	if saved.ContentHash != cur.ContentHash {
		return fmt.Sprintf("%s content changed", cur.Path)
	}
	if withTime && saved.ModTime != cur.ModTime {
		return fmt.Sprintf("%s timestamp changed", cur.Path)
	}
	return ""
}
