package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"codearchive/internal/archive"
	"codearchive/internal/core"
	"codearchive/internal/identity"
	"codearchive/internal/logging"
	"codearchive/internal/metrics"
	"codearchive/internal/optrec"
	"codearchive/internal/reloc"
)

type versionKey struct {
	method archive.MethodID
	hash   uint64
}

type added struct {
	method  archive.MethodID
	version *archive.Version
}

// SaveOptions tune the saver.
type SaveOptions struct {
	// DisableConstantOpt drops ConstantReplace records at capture.
	DisableConstantOpt bool
	// FailHard turns a per-method failure into an error from Add.
	FailHard bool
	Reloc    reloc.Options
	Codec    archive.Codec
}

// Saver collects compilation units into an in-memory archive. Add is safe
// for concurrent use by compiler workers.
type Saver struct {
	types    identity.TypeSource
	resolver reloc.Resolver
	opts     SaveOptions
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu     sync.Mutex
	arch   *archive.Archive
	into   *archive.Container
	hashes map[versionKey]bool
	order  []added
	failed int
}

// NewSaver starts an empty archive for the given environment and classpath.
// A nil logger discards, nil metrics are private.
func NewSaver(env identity.Fingerprint, cp identity.ClasspathDescriptor, types identity.TypeSource,
	res reloc.Resolver, opts SaveOptions, log *slog.Logger, m *metrics.Metrics) *Saver {
	if m == nil {
		m = metrics.Nop()
	}
	a := archive.New(env, cp)
	a.Codec = opts.Codec
	return &Saver{
		types:    types,
		resolver: res,
		opts:     opts,
		log:      logging.For(log, logging.Save),
		metrics:  m,
		arch:     a,
		into:     a.EnsureContainer(env),
		hashes:   make(map[versionKey]bool),
	}
}

// Add archives one unit. A unit whose content was already added is dropped.
// Failures are logged and skipped unless FailHard is set.
func (s *Saver) Add(u CompilationUnit) error {
	v, err := s.version(u)
	if err != nil {
		s.metrics.SaveVersions.WithLabelValues(metrics.ResultFailed).Inc()
		s.mu.Lock()
		s.failed++
		s.mu.Unlock()
		perr := core.NewPerMethodUnusable(u.Method.String(), "cannot archive", err)
		if s.opts.FailHard {
			return perr
		}
		s.log.Warn("method not archived", "method", u.Method.String(), "error", err)
		return nil
	}
	h := v.ContentHash()
	key := versionKey{u.Method, h}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hashes[key] {
		s.metrics.SaveVersions.WithLabelValues(metrics.ResultDuplicate).Inc()
		s.log.Debug("duplicate version", "method", u.Method.String(), "hash", fmt.Sprintf("%016x", h))
		return nil
	}
	s.hashes[key] = true
	m, ok := s.into.Get(u.Method)
	if !ok {
		m = &archive.MethodRecord{ID: u.Method}
		s.into.Put(m)
	}
	m.Versions = append(m.Versions, v)
	s.order = append(s.order, added{u.Method, v})
	s.metrics.SaveVersions.WithLabelValues(metrics.ResultWritten).Inc()
	s.log.Debug("version archived", "method", u.Method.String(), "version", len(m.Versions)-1,
		"relocs", len(v.Relocs), "records", len(v.Records))
	return nil
}

func (s *Saver) version(u CompilationUnit) (*archive.Version, error) {
	out, err := reloc.Externalize(u.Code, u.Base, u.Candidates, s.resolver, s.opts.Reloc)
	if err != nil {
		return nil, err
	}
	deps := make([]archive.Dependency, 0, len(u.Deps))
	for _, d := range u.Deps {
		id, ok := identity.LookupIdentity(s.types, d.Type)
		if !ok {
			return nil, &reloc.UnresolvedError{Class: reloc.ClassUnresolvedIdentity, Kind: reloc.KindType, Name: d.Type}
		}
		deps = append(deps, archive.Dependency{Kind: d.Kind, Type: d.Type, Method: d.Method, Identity: id})
	}
	return &archive.Version{
		Usable:  true,
		Code:    out.Code,
		Symbols: out.Symbols,
		Relocs:  out.Relocs,
		Deps:    deps,
		Records: optrec.Capture(u.Records, optrec.CaptureOptions{DisableConstantOpt: s.opts.DisableConstantOpt}),
	}, nil
}

// Failed is the number of units that could not be archived.
func (s *Saver) Failed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

// Archive returns the archive built so far. It must not be used
// concurrently with Add.
func (s *Saver) Archive() *archive.Archive {
	return s.arch
}

// Flush writes the archive to path. A skipped write (save probability) is
// not an error. With a size cap, versions are admitted in the order they
// were added until the next one would exceed it; the rest are skipped.
func (s *Saver) Flush(path string, wo archive.WriteOptions) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.arch
	if wo.MaxSize > 0 {
		fitted, skipped, err := s.fit(wo.MaxSize)
		if err != nil {
			return 0, err
		}
		if skipped > 0 {
			s.metrics.SaveVersions.WithLabelValues(metrics.ResultSkipped).Add(float64(skipped))
			s.log.Warn("archive size cap reached", "cap", wo.MaxSize, "skipped", skipped, "kept", len(s.order)-skipped)
		}
		out = fitted
	}
	n, err := archive.Write(path, out, wo)
	switch {
	case errors.Is(err, archive.ErrSkipped):
		s.log.Info("archive write skipped", "path", path, "probability", wo.Probability)
		return 0, nil
	case err != nil:
		return 0, err
	}
	s.log.Info("archive written", "path", path, "bytes", n, "methods", out.MethodCount())
	return n, nil
}

// fit returns the archive holding the longest prefix of added versions that
// encodes within limit bytes, and how many versions were left out.
func (s *Saver) fit(limit int64) (*archive.Archive, int, error) {
	size := func(k int) (int64, error) {
		data, err := archive.Encode(s.prefix(k))
		return int64(len(data)), err
	}
	n, err := size(len(s.order))
	if err != nil || n <= limit {
		return s.arch, 0, err
	}
	// prefix(lo) is the best candidate so far; prefix(hi) is known too big.
	lo, hi := 0, len(s.order)
	for lo+1 < hi {
		mid := (lo + hi) / 2
		n, err := size(mid)
		if err != nil {
			return nil, 0, err
		}
		if n <= limit {
			lo = mid
		} else {
			hi = mid
		}
	}
	return s.prefix(lo), len(s.order) - lo, nil
}

func (s *Saver) prefix(k int) *archive.Archive {
	a := archive.New(s.arch.Env, s.arch.Classpath)
	a.ID, a.Created, a.Codec = s.arch.ID, s.arch.Created, s.arch.Codec
	c := a.EnsureContainer(s.arch.Env)
	for _, e := range s.order[:k] {
		m, ok := c.Get(e.method)
		if !ok {
			m = &archive.MethodRecord{ID: e.method}
			c.Put(m)
		}
		m.Versions = append(m.Versions, e.version)
	}
	return a
}
