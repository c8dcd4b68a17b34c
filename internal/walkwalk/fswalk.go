// Package walkwalk discovers merge input archives: an explicit file list, a
// directory (recursive on request), or a list file with one path per line.
// Results are deterministic: explicit and listed paths keep their order,
// directory results are sorted by relative path.
package walkwalk

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DefaultExt is the archive file extension picked up from directories.
const DefaultExt = ".csa"

// Input is one discovered archive file.
type Input struct {
	Path    string // as given or joined with the directory
	AbsPath string
	Size    int64
}

// Source describes where merge inputs come from. Any combination may be set;
// files come first, then the directory, then the list file.
type Source struct {
	Files     []string
	Dir       string
	Recursive bool
	ListFile  string
	// Ext filters directory entries; empty means DefaultExt.
	Ext string
	// Exclude skips directory entries whose base name starts with any key.
	Exclude        map[string]struct{}
	FollowSymlinks bool
}

// ErrNoInputs is returned when a source yields nothing.
var ErrNoInputs = errors.New("no merge inputs found")

// Discover resolves src into a de-duplicated list of existing archive files.
func Discover(src Source) ([]Input, error) {
	var out []Input
	seen := map[string]bool{}
	add := func(p string) error {
		in, err := stat(p)
		if err != nil {
			return err
		}
		if !seen[in.AbsPath] {
			seen[in.AbsPath] = true
			out = append(out, in)
		}
		return nil
	}
	for _, f := range src.Files {
		if err := add(f); err != nil {
			return nil, err
		}
	}
	if src.Dir != "" {
		files, err := scanDir(src)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if err := add(f); err != nil {
				return nil, err
			}
		}
	}
	if src.ListFile != "" {
		files, err := ReadList(src.ListFile)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			if err := add(f); err != nil {
				return nil, err
			}
		}
	}
	if len(out) == 0 {
		return nil, ErrNoInputs
	}
	return out, nil
}

func stat(p string) (Input, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return Input{}, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Input{}, fmt.Errorf("merge input: %w", err)
	}
	if !info.Mode().IsRegular() {
		return Input{}, fmt.Errorf("merge input %s is not a regular file", p)
	}
	return Input{Path: p, AbsPath: abs, Size: info.Size()}, nil
}

// ReadList reads one path per line. Blank lines and '#' comments are
// skipped; relative paths are resolved against the list file's directory.
func ReadList(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	base := filepath.Dir(path)
	var out []string
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if !filepath.IsAbs(line) {
			line = filepath.Join(base, line)
		}
		out = append(out, line)
	}
	return out, s.Err()
}

type walkState struct {
	src   Source
	root  string
	ext   string
	files []string
}

func scanDir(src Source) ([]string, error) {
	root, err := filepath.Abs(src.Dir)
	if err != nil {
		return nil, err
	}
	ws := &walkState{src: src, root: root, ext: strings.ToLower(src.Ext)}
	if ws.ext == "" {
		ws.ext = DefaultExt
	}
	if err := filepath.WalkDir(root, ws.visit); err != nil {
		return nil, err
	}
	sort.Strings(ws.files)
	return ws.files, nil
}

func (ws *walkState) visit(path string, d fs.DirEntry, err error) error {
	if err != nil {
		if path == ws.root {
			return err
		}
		return nil
	}
	if path == ws.root {
		return nil
	}
	if hasExcludedPrefix(d.Name(), ws.src.Exclude) {
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	}
	if d.IsDir() {
		if !ws.src.Recursive {
			return filepath.SkipDir
		}
		return nil
	}
	if !ws.src.FollowSymlinks && isSymlink(d) {
		return nil
	}
	if strings.ToLower(filepath.Ext(path)) != ws.ext {
		return nil
	}
	ws.files = append(ws.files, path)
	return nil
}

// isSymlink reports whether the DirEntry is a symlink (file or directory).
func isSymlink(d fs.DirEntry) bool {
	return d.Type()&fs.ModeSymlink != 0
}

// hasExcludedPrefix reports whether base begins with any of the exclude keys.
func hasExcludedPrefix(base string, exclude map[string]struct{}) bool {
	for k := range exclude {
		if strings.HasPrefix(base, k) {
			return true
		}
	}
	return false
}
