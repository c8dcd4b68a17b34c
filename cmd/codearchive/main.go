// Package main provides the codearchive CLI. It saves compiled code described
// by a world file into an archive, restores it into another (possibly
// different) world, merges archives from several runs, and prints them.
//
// Modes:
//   - SAVE    : codearchive -mode save -world w.yaml -archive app.csa [flags]
//   - RESTORE : codearchive -mode restore -world w.yaml -archive app.csa [flags]
//   - MERGE   : codearchive -mode merge -archive out.csa [flags] <input.csa>...
//   - PRINT   : codearchive -mode print -archive app.csa [-against other.csa]
//
// Options come from -config (YAML), -env-file and CODEARCHIVE_* variables,
// then flags; see internal/config.
package main

import (
	"bytes"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"codearchive/internal/archive"
	"codearchive/internal/config"
	"codearchive/internal/delta"
	"codearchive/internal/diff"
	"codearchive/internal/engine"
	"codearchive/internal/identity"
	"codearchive/internal/logging"
	"codearchive/internal/merge"
	"codearchive/internal/metrics"
	"codearchive/internal/selector"
	"codearchive/internal/walkwalk"
	"codearchive/internal/world"
)

// Exit codes.
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// maxListingDiff bounds the -against listing diff.
const maxListingDiff = 4_000_000

// app is one run of the tool.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	stdout  io.Writer
	stderr  io.Writer
}

type runFunc func(*app) error

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintln(stderr, "ERROR:", err)
		return exitUsage
	}
	mode, err := selectMode(cfg)
	if err != nil {
		fmt.Fprintln(stderr, "ERROR:", err)
		return exitUsage
	}
	sel, _ := logging.ParseSelector(cfg.Log) // checked by config.Validate
	a := &app{
		cfg:     cfg,
		log:     logging.New(stderr, logging.Options{Selector: sel, NoColor: cfg.NoColor}),
		metrics: metrics.New(),
		stdout:  stdout,
		stderr:  stderr,
	}

	code := exitOK
	if err := mode(a); err != nil {
		fmt.Fprintln(stderr, "ERROR:", err)
		code = exitFailure
	}
	if cfg.Stats {
		if err := a.metrics.Dump(stderr); err != nil {
			fmt.Fprintln(stderr, "ERROR: stats:", err)
		}
	}
	return code
}

func parseFlags(args []string, stderr io.Writer) (*config.Config, error) {
	return config.Load(args, stderr)
}

func selectMode(cfg *config.Config) (runFunc, error) {
	switch cfg.Mode {
	case config.ModeSave:
		return runSave, nil
	case config.ModeRestore:
		return runRestore, nil
	case config.ModeMerge:
		return runMerge, nil
	case config.ModePrint:
		return runPrint, nil
	}
	return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
}

// classpath describes the process classpath: -classpath when given,
// otherwise the world file's.
func (a *app) classpath(w *world.World) (identity.ClasspathDescriptor, error) {
	paths := identity.SplitClasspath(a.cfg.Classpath)
	if len(paths) == 0 && w != nil {
		paths = w.Classpath
	}
	return identity.Describe(paths)
}

// ----- save ----------------------------------------------------------------

func runSave(a *app) error {
	w, err := world.Load(a.cfg.World)
	if err != nil {
		return err
	}
	cp, err := a.classpath(w)
	if err != nil {
		return err
	}
	units, err := w.Units()
	if err != nil {
		return err
	}
	codec, _ := archive.ParseCodec(a.cfg.Compression)
	s := engine.NewSaver(w.Env, cp, w, w, engine.SaveOptions{
		DisableConstantOpt: a.cfg.DisableConstantOpt,
		FailHard:           a.cfg.FailHard,
		Codec:              codec,
	}, a.log, a.metrics)

	// Compiler threads hand units over concurrently.
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, u := range units {
		wg.Add(1)
		go func(u engine.CompilationUnit) {
			defer wg.Done()
			if err := s.Add(u); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	n, err := s.Flush(a.cfg.Archive, archive.WriteOptions{
		MaxSize:     int64(a.cfg.MaxArchiveSize),
		Probability: int(a.cfg.SaveProbability),
		Preserve:    a.cfg.Preserve,
	})
	if err != nil {
		if a.cfg.FailHard {
			return err
		}
		// The host keeps running without an archive.
		a.log.Error("archive not written", "path", a.cfg.Archive, "error", err)
		return nil
	}
	if n == 0 {
		fmt.Fprintf(a.stdout, "Skipped archive %s (save probability %d%%)\n", a.cfg.Archive, int(a.cfg.SaveProbability))
		return nil
	}
	fmt.Fprintf(a.stdout, "Wrote archive %s (methods=%d, failed=%d, size=%s)\n",
		a.cfg.Archive, s.Archive().MethodCount(), s.Failed(), config.Size(n).Human())
	return nil
}

// ----- restore -------------------------------------------------------------

func runRestore(a *app) error {
	w, err := world.Load(a.cfg.World)
	if err != nil {
		return err
	}
	cp, err := a.classpath(w)
	if err != nil {
		return err
	}
	policy, _ := selector.Parse(a.cfg.Policy)
	r, err := engine.Open(a.cfg.Archive, w.Env, cp, w, w, engine.RestoreOptions{
		Policy:           policy,
		SkipValidation:   a.cfg.SkipValidation,
		WildcardOverride: a.cfg.WildcardOverride,
		FailHard:         a.cfg.FailHard,
	}, a.log, a.metrics)
	if err != nil {
		if a.cfg.FailHard {
			return err
		}
		fmt.Fprintf(a.stdout, "Archive %s disabled: %v\n", a.cfg.Archive, err)
	}

	methods := w.Methods()
	if a.cfg.Method != "" {
		id, err := archive.ParseMethodID(a.cfg.Method)
		if err != nil {
			return err
		}
		methods = []archive.MethodID{id}
	}

	var installed, failed int
	for _, m := range methods {
		res := r.Restore(engine.Request{Method: m, Base: w.InstallBase, Profile: w.Profile(m)})
		switch res.State {
		case engine.Selected:
			installed++
			fmt.Fprintf(a.stdout, "%s selected version=%d trusted=%t base=%#x\n",
				m, res.Unit.Version, res.Unit.Trusted, res.Unit.Base)
		default:
			fmt.Fprintf(a.stdout, "%s %s\n", m, res.State)
		}
		for _, e := range res.Rejected {
			fmt.Fprintf(a.stdout, "  rejected: %v\n", e)
		}
		if res.State == engine.AllUnusable {
			failed++
		}
	}
	fmt.Fprintf(a.stdout, "Restored %d of %d methods\n", installed, len(methods))
	if failed > 0 && a.cfg.FailHard {
		return fmt.Errorf("%d methods had no usable version", failed)
	}
	return nil
}

// ----- merge ---------------------------------------------------------------

func runMerge(a *app) error {
	found, err := walkwalk.Discover(walkwalk.Source{
		Files:     a.cfg.Inputs,
		Dir:       a.cfg.InputDir,
		Recursive: a.cfg.Recursive,
		ListFile:  a.cfg.InputList,
		Exclude:   map[string]struct{}{filepath.Base(a.cfg.Archive): {}},
	})
	if err != nil {
		return err
	}
	inputs := make([]string, 0, len(found))
	for _, in := range found {
		inputs = append(inputs, in.Path)
	}

	var cp identity.ClasspathDescriptor
	if a.cfg.Classpath != "" {
		if cp, err = a.classpath(nil); err != nil {
			return err
		}
	}
	codec, _ := archive.ParseCodec(a.cfg.Compression)
	out, rep, err := merge.Merge(inputs, merge.Options{
		Classpath:        cp,
		WildcardOverride: a.cfg.WildcardOverride,
		DirectoryCheck:   a.cfg.DirectoryCheck,
		MaxVersions:      a.cfg.MaxVersions,
		MinCoverage:      a.cfg.MinCoverage,
		MaxSize:          int64(a.cfg.MaxMergeSize),
		Codec:            codec,
	}, a.log, a.metrics)
	for _, r := range rep.Rejected {
		fmt.Fprintf(a.stdout, "Excluded %s: %v\n", r.Path, r.Err)
	}
	if err != nil {
		return err
	}
	n, err := archive.Write(a.cfg.Archive, out, archive.WriteOptions{Preserve: a.cfg.Preserve})
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout,
		"Wrote merged archive %s (inputs=%d, excluded=%d, containers=%d, methods=%d, duplicates=%d, evicted=%d, size=%s)\n",
		a.cfg.Archive, len(rep.Accepted), len(rep.Rejected), len(out.Containers), out.MethodCount(),
		rep.Duplicates, rep.Evicted, config.Size(n).Human())
	return nil
}

// ----- print ---------------------------------------------------------------

func runPrint(a *app) error {
	arch, err := archive.Load(a.cfg.Archive)
	if err != nil {
		return err
	}
	if a.cfg.Against == "" {
		return archive.Dump(a.stdout, arch, archive.DumpOptions{Verbose: true})
	}

	other, err := archive.Load(a.cfg.Against)
	if err != nil {
		return err
	}
	if err := delta.Build(other, arch).Write(a.stdout); err != nil {
		return err
	}
	before, err := listing(other)
	if err != nil {
		return err
	}
	after, err := listing(arch)
	if err != nil {
		return err
	}
	patch, omitted := diff.Listings(
		diff.Listing{Name: a.cfg.Against, Text: before},
		diff.Listing{Name: a.cfg.Archive, Text: after},
		diff.Options{MaxBytes: maxListingDiff})
	if omitted {
		a.log.Warn("listing diff omitted", "limit", config.Size(maxListingDiff).Human())
	}
	_, err = io.WriteString(a.stdout, patch)
	return err
}

func listing(a *archive.Archive) ([]byte, error) {
	var buf bytes.Buffer
	if err := archive.Dump(&buf, a, archive.DumpOptions{Verbose: true, Stable: true}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
