package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codearchive/internal/config"
)

// worldYAML describes a process where Parent.foo()V was devirtualized for
// receiver and the live profile sees seen.
func worldYAML(receiver, seen string, addr uint64) string {
	return fmt.Sprintf(`
environment: {gc: g1, compressed_oops: true}
classpath: [app.jar]
types:
  - {name: Parent, loader: app}
  - {name: Child1, loader: app, super: Parent}
  - {name: Child2, loader: app, super: Parent}
symbols:
  - {kind: type, name: Child1, addr: %#x}
  - {kind: type, name: Child2, addr: %#x}
profile:
  "Parent.foo()V":
    receivers:
      4: [{type: %s, count: 100}]
units:
  - method: "Parent.foo()V"
    base: 0x7f0000100000
    size: 16
    sites:
      - {offset: 0, kind: type, symbol: %s}
    deps:
      - {type: %s}
    records:
      - {kind: devirtualize, bci: 4, receivers: [%s]}
`, addr, addr+0x1000, seen, receiver, receiver, receiver)
}

type fixture struct {
	dir string
	env string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "app.jar"), []byte("PK jar bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return &fixture{dir: dir, env: filepath.Join(dir, "none.env")}
}

func (f *fixture) file(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(f.dir, name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func (f *fixture) run(t *testing.T, args ...string) (string, string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"-env-file", f.env, "-no-color"}, args...), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

func TestParseFlagsBasic(t *testing.T) {
	args := []string{"-mode", "merge", "-archive", "out.csa", "-max-versions", "7", "-policy", "appoint=2", "a.csa", "b.csa"}
	cfg, err := parseFlags(args, os.Stderr)
	if err != nil {
		t.Fatalf("parseFlags error: %v", err)
	}
	if cfg.MaxVersions != 7 {
		t.Fatalf("MaxVersions got %d", cfg.MaxVersions)
	}
	if cfg.Policy != "appoint=2" {
		t.Fatalf("Policy got %q", cfg.Policy)
	}
	if len(cfg.Inputs) != 2 || cfg.Inputs[1] != "b.csa" {
		t.Fatalf("Inputs got %v", cfg.Inputs)
	}
}

func TestParseFlagsMissingMode(t *testing.T) {
	if _, err := parseFlags([]string{"-archive", "a.csa"}, os.Stderr); err == nil {
		t.Fatalf("expected error for missing -mode")
	}
}

func TestSelectMode(t *testing.T) {
	for _, m := range []string{config.ModeSave, config.ModeRestore, config.ModeMerge, config.ModePrint} {
		if fn, err := selectMode(&config.Config{Mode: m}); err != nil || fn == nil {
			t.Fatalf("mode %s: %v", m, err)
		}
	}
	if _, err := selectMode(&config.Config{Mode: "compile"}); err == nil {
		t.Fatalf("expected error on unknown mode")
	}
}

func TestSaveRestorePrint(t *testing.T) {
	f := newFixture(t)
	saveWorld := f.file(t, "save.yaml", worldYAML("Child1", "Child1", 0x10000))
	restoreWorld := f.file(t, "restore.yaml", worldYAML("Child1", "Child1", 0x50000))
	arch := filepath.Join(f.dir, "app.csa")

	out, errOut, code := f.run(t, "-mode", "save", "-world", saveWorld, "-archive", arch)
	if code != 0 {
		t.Fatalf("save exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "Wrote archive") || !strings.Contains(out, "methods=1") {
		t.Fatalf("save output: %q", out)
	}

	out, errOut, code = f.run(t, "-mode", "restore", "-world", restoreWorld, "-archive", arch, "-stats")
	if code != 0 {
		t.Fatalf("restore exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "Parent.foo()V selected version=0") {
		t.Fatalf("restore output: %q", out)
	}
	if !strings.Contains(errOut, `codearchive_restore_total{outcome="installed"} 1`) {
		t.Fatalf("stats output: %q", errOut)
	}

	out, _, code = f.run(t, "-mode", "print", "-archive", arch)
	if code != 0 || !strings.Contains(out, "Parent.foo()V versions=1") {
		t.Fatalf("print exit %d: %q", code, out)
	}
}

func TestRestoreWithChangedProfile(t *testing.T) {
	f := newFixture(t)
	arch := filepath.Join(f.dir, "app.csa")
	if _, e, code := f.run(t, "-mode", "save", "-world", f.file(t, "s.yaml", worldYAML("Child1", "Child1", 0x10000)), "-archive", arch); code != 0 {
		t.Fatalf("save: %s", e)
	}
	restoreWorld := f.file(t, "r.yaml", worldYAML("Child1", "Child2", 0x10000))

	out, _, code := f.run(t, "-mode", "restore", "-world", restoreWorld, "-archive", arch)
	if code != 0 || !strings.Contains(out, "all_unusable") || !strings.Contains(out, "rejected:") {
		t.Fatalf("restore exit %d: %q", code, out)
	}
	if _, _, code := f.run(t, "-mode", "restore", "-world", restoreWorld, "-archive", arch, "-fail-hard"); code != 1 {
		t.Fatalf("fail-hard exit %d", code)
	}
	out, _, _ = f.run(t, "-mode", "restore", "-world", restoreWorld, "-archive", arch, "-skip-validation")
	if !strings.Contains(out, "selected version=0") {
		t.Fatalf("skip-validation output: %q", out)
	}
}

func TestRestoreDisabledArchive(t *testing.T) {
	f := newFixture(t)
	w := f.file(t, "w.yaml", worldYAML("Child1", "Child1", 0x10000))
	bad := f.file(t, "bad.csa", "JCSA but nothing else")

	out, _, code := f.run(t, "-mode", "restore", "-world", w, "-archive", bad)
	if code != 0 || !strings.Contains(out, "disabled") || !strings.Contains(out, "not_found") {
		t.Fatalf("restore exit %d: %q", code, out)
	}
	if _, _, code := f.run(t, "-mode", "restore", "-world", w, "-archive", bad, "-fail-hard"); code != 1 {
		t.Fatalf("fail-hard exit %d", code)
	}
}

func TestMergeAndPrintAgainst(t *testing.T) {
	f := newFixture(t)
	first := filepath.Join(f.dir, "run1.csa")
	second := filepath.Join(f.dir, "run2.csa")
	merged := filepath.Join(f.dir, "merged.csa")
	if _, e, code := f.run(t, "-mode", "save", "-world", f.file(t, "1.yaml", worldYAML("Child1", "Child1", 0x10000)), "-archive", first); code != 0 {
		t.Fatalf("save 1: %s", e)
	}
	if _, e, code := f.run(t, "-mode", "save", "-world", f.file(t, "2.yaml", worldYAML("Child2", "Child2", 0x10000)), "-archive", second); code != 0 {
		t.Fatalf("save 2: %s", e)
	}
	f.file(t, "junk.csa", "not an archive")

	out, errOut, code := f.run(t, "-mode", "merge", "-archive", merged, "-input-dir", f.dir)
	if code != 0 {
		t.Fatalf("merge exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "inputs=2, excluded=1") || !strings.Contains(out, "Excluded") {
		t.Fatalf("merge output: %q", out)
	}

	restoreWorld := f.file(t, "r.yaml", worldYAML("Child2", "Child2", 0x90000))
	out, _, _ = f.run(t, "-mode", "restore", "-world", restoreWorld, "-archive", merged, "-policy", "appoint=1")
	if !strings.Contains(out, "selected version=1") {
		t.Fatalf("appoint=1 output: %q", out)
	}

	out, _, code = f.run(t, "-mode", "print", "-archive", merged, "-against", first)
	if code != 0 {
		t.Fatalf("print exit %d", code)
	}
	if !strings.Contains(out, "versions=1->2") || !strings.Contains(out, "+++ "+merged) {
		t.Fatalf("print -against output: %q", out)
	}
}
