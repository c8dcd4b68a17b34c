package walkwalk

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func names(in []Input) []string {
	var out []string
	for _, i := range in {
		out = append(out, filepath.Base(i.Path))
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestDiscoverDirectory(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "b.csa"))
	touch(t, filepath.Join(dir, "a.csa"))
	touch(t, filepath.Join(dir, "notes.txt"))
	touch(t, filepath.Join(dir, "nested", "c.csa"))
	touch(t, filepath.Join(dir, "tmp-skip", "d.csa"))

	got, err := Discover(Source{Dir: dir})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if want := []string{"a.csa", "b.csa"}; !equal(names(got), want) {
		t.Fatalf("flat: got %v, want %v", names(got), want)
	}

	got, err = Discover(Source{Dir: dir, Recursive: true, Exclude: map[string]struct{}{"tmp-": {}}})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if want := []string{"a.csa", "b.csa", "c.csa"}; !equal(names(got), want) {
		t.Fatalf("recursive: got %v, want %v", names(got), want)
	}
}

func TestDiscoverListFileAndOrder(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "one.csa"))
	touch(t, filepath.Join(dir, "two.csa"))
	list := filepath.Join(dir, "inputs.lst")
	if err := os.WriteFile(list, []byte("# merge order\ntwo.csa\n\none.csa\ntwo.csa\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Discover(Source{ListFile: list})
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if want := []string{"two.csa", "one.csa"}; !equal(names(got), want) {
		t.Fatalf("got %v, want %v", names(got), want)
	}
}

func TestDiscoverErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := Discover(Source{Dir: dir}); err != ErrNoInputs {
		t.Fatalf("empty dir: got %v, want ErrNoInputs", err)
	}
	if _, err := Discover(Source{Files: []string{filepath.Join(dir, "missing.csa")}}); err == nil {
		t.Fatal("missing file: expected error")
	}
	if _, err := Discover(Source{Files: []string{dir}}); err == nil {
		t.Fatal("directory as file: expected error")
	}
}
