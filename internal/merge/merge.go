// Package merge combines several archives into one. Inputs that are not
// compatible with the merge classpath are excluded one by one; overlapping
// method records become multi-version groups.
package merge

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"

	units "github.com/docker/go-units"

	"codearchive/internal/archive"
	"codearchive/internal/core"
	"codearchive/internal/identity"
	"codearchive/internal/logging"
	"codearchive/internal/metrics"
)

// DefaultMaxVersions caps the versions kept per method.
const DefaultMaxVersions = 4

// Options tune Merge.
type Options struct {
	// Classpath is the merging process's classpath. When empty, inputs are
	// only required to be prefix compatible with each other.
	Classpath        identity.ClasspathDescriptor
	WildcardOverride string
	// DirectoryCheck rejects inputs whose classpath holds a directory.
	DirectoryCheck bool
	MaxVersions    int
	// MinCoverage is the fraction of accepted inputs a method must appear in.
	MinCoverage float64
	// MaxSize stops admitting containers once the output would exceed it.
	MaxSize  int64
	Eviction EvictionPolicy
	Codec    archive.Codec
}

// Rejection is one excluded input.
type Rejection struct {
	Path string
	Err  error
}

// Report summarizes a merge.
type Report struct {
	Accepted   []string
	Rejected   []Rejection
	Duplicates int // identical versions collapsed
	Evicted    int // versions dropped by the cap
	Unusable   int // versions skipped because they were marked unusable
	Uncovered  int // methods dropped by the coverage threshold
	Truncated  int // containers not admitted by the size cap
}

type dedupKey struct {
	env    identity.Fingerprint
	method archive.MethodID
	hash   uint64
}

type coverKey struct {
	env    identity.Fingerprint
	method archive.MethodID
}

type merger struct {
	opts    Options
	log     *slog.Logger
	metrics *metrics.Metrics

	out     *archive.Archive
	ref     identity.ClasspathDescriptor
	haveRef bool
	longest identity.ClasspathDescriptor
	seen    map[dedupKey]bool
	covered map[coverKey]int
	report  Report
}

// Merge reads inputs in order and returns the merged archive with a fresh
// id. It fails only when no input is accepted.
func Merge(inputs []string, opts Options, log *slog.Logger, m *metrics.Metrics) (*archive.Archive, Report, error) {
	if opts.MaxVersions <= 0 {
		opts.MaxVersions = DefaultMaxVersions
	}
	if opts.Eviction == nil {
		opts.Eviction = LeastRecentlyAdded{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	mg := &merger{
		opts:    opts,
		log:     logging.For(log, logging.Merge),
		metrics: m,
		ref:     opts.Classpath,
		seen:    make(map[dedupKey]bool),
		covered: make(map[coverKey]int),
	}
	for _, path := range inputs {
		a, err := mg.accept(path)
		if err != nil {
			mg.reject(path, err)
			continue
		}
		mg.add(a)
		if len(a.Classpath) > len(mg.longest) || len(mg.report.Accepted) == 0 {
			mg.longest = a.Classpath
		}
		mg.report.Accepted = append(mg.report.Accepted, path)
		m.MergeInputs.WithLabelValues(metrics.ResultAccepted).Inc()
		mg.log.Info("input accepted", "path", path, "methods", a.MethodCount(), "containers", len(a.Containers))
	}
	if len(mg.report.Accepted) == 0 {
		errs := make([]error, 0, len(mg.report.Rejected))
		for _, r := range mg.report.Rejected {
			errs = append(errs, r.Err)
		}
		return nil, mg.report, core.NewMergeInputRejected("", "no compatible merge inputs", errors.Join(errs...))
	}
	mg.out.Classpath = mg.longest
	mg.applyCoverage()
	if err := mg.applySizeCap(); err != nil {
		return nil, mg.report, err
	}
	mg.log.Info("merge done", "accepted", len(mg.report.Accepted), "rejected", len(mg.report.Rejected),
		"containers", len(mg.out.Containers), "methods", mg.out.MethodCount(),
		"duplicates", mg.report.Duplicates, "evicted", mg.report.Evicted)
	return mg.out, mg.report, nil
}

func (mg *merger) reject(path string, err error) {
	var ce *core.Error
	if !errors.As(err, &ce) || ce.Type != core.ErrorTypeMergeInputRejected {
		err = core.NewMergeInputRejected(path, "cannot load input", err)
	}
	mg.report.Rejected = append(mg.report.Rejected, Rejection{Path: path, Err: err})
	mg.metrics.MergeInputs.WithLabelValues(metrics.ResultRejected).Inc()
	mg.log.Warn("input rejected", "path", path, "error", err)
}

// accept loads one input and reconciles its classpath with the reference.
// With a process classpath the reference is fixed; otherwise it is the
// longest classpath accepted so far and inputs may extend it.
func (mg *merger) accept(path string) (*archive.Archive, error) {
	a, err := archive.Load(path)
	if err != nil {
		return nil, err
	}
	copts := identity.CheckOptions{Merge: true, DirectoryCheck: mg.opts.DirectoryCheck, WildcardOverride: mg.opts.WildcardOverride}
	fixed := len(mg.opts.Classpath) > 0
	if !fixed && !mg.haveRef {
		if check := identity.CheckClasspath(a.Classpath, a.Classpath, copts); !check.Result.OK() {
			return nil, core.NewMergeInputRejected(path, check.Error(), nil)
		}
		mg.ref, mg.haveRef = a.Classpath, true
		return a, nil
	}
	check := identity.CheckClasspath(a.Classpath, mg.ref, copts)
	if !fixed && check.Result == identity.ShorterThanSaved {
		if rev := identity.CheckClasspath(mg.ref, a.Classpath, copts); rev.Result.OK() {
			mg.ref = a.Classpath
			return a, nil
		}
	}
	if !check.Result.OK() {
		return nil, core.NewMergeInputRejected(path, check.Error(), nil)
	}
	return a, nil
}

func (mg *merger) add(a *archive.Archive) {
	for _, c := range a.Containers {
		if mg.out == nil {
			mg.out = archive.New(c.Env, nil)
			mg.out.Codec = mg.opts.Codec
		}
		dst := mg.out.EnsureContainer(c.Env)
		c.Each(func(rec *archive.MethodRecord) bool {
			mg.addRecord(dst, rec)
			return true
		})
	}
	if mg.out == nil {
		mg.out = archive.New(a.Env, nil)
		mg.out.Codec = mg.opts.Codec
	}
}

func (mg *merger) addRecord(dst *archive.Container, rec *archive.MethodRecord) {
	present := false
	out, ok := dst.Get(rec.ID)
	if !ok {
		out = &archive.MethodRecord{ID: rec.ID}
	}
	for _, v := range rec.Versions {
		if !v.Usable {
			mg.report.Unusable++
			mg.metrics.VersionsRejected.WithLabelValues(metrics.RejectNotUsable).Inc()
			continue
		}
		present = true
		key := dedupKey{dst.Env, rec.ID, v.ContentHash()}
		if mg.seen[key] {
			mg.report.Duplicates++
			continue
		}
		mg.seen[key] = true
		out.Versions = append(out.Versions, v)
		if len(out.Versions) > mg.opts.MaxVersions {
			i := mg.opts.Eviction.Evict(out.Versions)
			out.Versions = slices.Delete(out.Versions, i, i+1)
			mg.report.Evicted++
			mg.metrics.VersionsRejected.WithLabelValues(metrics.RejectMergeCovered).Inc()
			mg.log.Debug("version evicted", "method", rec.ID.String(), "policy", mg.opts.Eviction.String())
		}
	}
	if present {
		mg.covered[coverKey{dst.Env, rec.ID}]++
	}
	if len(out.Versions) > 0 && !ok {
		dst.Put(out)
	}
}

func (mg *merger) applyCoverage() {
	if mg.opts.MinCoverage <= 0 {
		return
	}
	total := float64(len(mg.report.Accepted))
	for _, c := range mg.out.Containers {
		for _, rec := range c.Methods() {
			if float64(mg.covered[coverKey{c.Env, rec.ID}])/total < mg.opts.MinCoverage {
				c.Delete(rec.ID)
				mg.report.Uncovered++
				mg.log.Debug("method below coverage", "method", rec.ID.String(),
					"inputs", mg.covered[coverKey{c.Env, rec.ID}], "of", len(mg.report.Accepted))
			}
		}
	}
}

func (mg *merger) applySizeCap() error {
	if mg.opts.MaxSize <= 0 {
		return nil
	}
	all := mg.out.Containers
	for k := range all {
		mg.out.Containers = all[:k+1]
		data, err := archive.Encode(mg.out)
		if err != nil {
			return fmt.Errorf("size merged archive: %w", err)
		}
		if int64(len(data)) > mg.opts.MaxSize {
			mg.out.Containers = all[:k]
			mg.report.Truncated = len(all) - k
			mg.log.Warn("size cap reached", "cap", units.BytesSize(float64(mg.opts.MaxSize)),
				"admitted", k, "dropped", mg.report.Truncated)
			return nil
		}
	}
	return nil
}
