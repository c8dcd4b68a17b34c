package identity

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EntryKind tells how a classpath entry is compared.
type EntryKind uint8

const (
	EntryJar      EntryKind = iota + 1 // content hash + timestamp
	EntryDir                           // marker only; restore-only
	EntryWildcard                      // "dir/*" with an expansion snapshot
)

func (k EntryKind) String() string {
	switch k {
	case EntryJar:
		return "jar"
	case EntryDir:
		return "dir"
	case EntryWildcard:
		return "wildcard"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ClasspathEntry is one element of a ClasspathDescriptor.
type ClasspathEntry struct {
	Kind        EntryKind
	Path        string // cleaned, slash-separated
	ContentHash Fingerprint
	ModTime     int64 // unix nanoseconds
	Expansion   []ClasspathEntry
}

// ClasspathDescriptor is the ordered classpath recorded in an archive.
type ClasspathDescriptor []ClasspathEntry

// HasDirectory reports whether any entry is a plain directory.
func (d ClasspathDescriptor) HasDirectory() bool {
	for _, e := range d {
		if e.Kind == EntryDir {
			return true
		}
	}
	return false
}

// Paths lists the entry paths in order.
func (d ClasspathDescriptor) Paths() []string {
	out := make([]string, len(d))
	for i, e := range d {
		out[i] = e.Path
	}
	return out
}

// CanonicalPath normalizes a classpath element so equivalent spellings
// ("./lib//a.jar", "lib/a.jar") compare equal.
func CanonicalPath(p string) string {
	return filepath.ToSlash(filepath.Clean(p))
}

// SplitClasspath splits a list separated by the OS list separator or commas.
func SplitClasspath(s string) []string {
	if s == "" {
		return nil
	}
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == filepath.ListSeparator || r == ','
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Describe builds the descriptor for the given classpath, hashing every jar.
func Describe(paths []string) (ClasspathDescriptor, error) {
	desc := make(ClasspathDescriptor, 0, len(paths))
	for _, p := range paths {
		e, err := describeEntry(p)
		if err != nil {
			return nil, fmt.Errorf("classpath entry %s: %w", p, err)
		}
		desc = append(desc, e)
	}
	return desc, nil
}

func describeEntry(p string) (ClasspathEntry, error) {
	if dir, ok := strings.CutSuffix(filepath.ToSlash(p), "/*"); ok {
		return describeWildcard(dir)
	}
	info, err := os.Stat(p)
	if err != nil {
		return ClasspathEntry{}, err
	}
	if info.IsDir() {
		return ClasspathEntry{Kind: EntryDir, Path: CanonicalPath(p)}, nil
	}
	return describeJar(p, info)
}

func describeJar(p string, info os.FileInfo) (ClasspathEntry, error) {
	sum, err := hashFile(p)
	if err != nil {
		return ClasspathEntry{}, err
	}
	return ClasspathEntry{
		Kind:        EntryJar,
		Path:        CanonicalPath(p),
		ContentHash: sum,
		ModTime:     info.ModTime().UnixNano(),
	}, nil
}

func describeWildcard(dir string) (ClasspathEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ClasspathEntry{}, err
	}
	e := ClasspathEntry{Kind: EntryWildcard, Path: CanonicalPath(dir) + "/*"}
	names := make([]string, 0, len(entries))
	for _, de := range entries {
		if de.IsDir() || !strings.EqualFold(filepath.Ext(de.Name()), ".jar") {
			continue
		}
		names = append(names, de.Name())
	}
	sort.Strings(names)
	for _, n := range names {
		full := filepath.Join(dir, n)
		info, err := os.Stat(full)
		if err != nil {
			return ClasspathEntry{}, err
		}
		jar, err := describeJar(full, info)
		if err != nil {
			return ClasspathEntry{}, err
		}
		e.Expansion = append(e.Expansion, jar)
	}
	return e, nil
}

func hashFile(path string) (Fingerprint, error) {
	var f Fingerprint
	fh, err := os.Open(path)
	if err != nil {
		return f, err
	}
	defer fh.Close()
	h := sha256.New()
	if _, err := io.Copy(h, fh); err != nil {
		return f, err
	}
	copy(f[:], h.Sum(nil))
	return f, nil
}
