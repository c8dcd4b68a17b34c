package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"codearchive/internal/archive"
	"codearchive/internal/core"
	"codearchive/internal/identity"
	"codearchive/internal/logging"
	"codearchive/internal/metrics"
	"codearchive/internal/optrec"
	"codearchive/internal/reloc"
	"codearchive/internal/selector"
)

// State is where a restore request ended.
type State int

const (
	NotFound State = iota
	Candidate
	AllUnusable
	Selected
)

func (s State) String() string {
	switch s {
	case NotFound:
		return "not_found"
	case Candidate:
		return "candidate"
	case AllUnusable:
		return "all_unusable"
	case Selected:
		return "selected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Request asks for one method.
type Request struct {
	Method archive.MethodID
	// Base is where the installed code will live.
	Base uint64
	// Profile is the live profile of the method. With a nil profile every
	// record scores as inconclusive.
	Profile optrec.Profile
}

// Result is the terminal state of a request. Unit is set only when
// State is Selected; Rejected explains every version that was dropped.
type Result struct {
	State    State
	Unit     *InstallableUnit
	Rejected []error
	Cached   bool // answered from the per-run memo
}

// Err summarizes why no unit was installed, or nil.
func (r Result) Err() error {
	if r.State == Selected {
		return nil
	}
	return errors.Join(r.Rejected...)
}

// RestoreOptions tune the restorer.
type RestoreOptions struct {
	Policy selector.Policy
	// SkipValidation bypasses opt record checks.
	SkipValidation   bool
	WildcardOverride string
	// FailHard makes Open return an error instead of a disabled restorer.
	FailHard bool
}

// Restorer answers restore requests against one loaded archive for the
// rest of a process run. It is safe for concurrent use.
type Restorer struct {
	path     string
	types    identity.TypeSource
	resolver reloc.Resolver
	opts     RestoreOptions
	log      *slog.Logger
	metrics  *metrics.Metrics

	arch      *archive.Archive
	container *archive.Container
	disabled  error

	mu   sync.Mutex
	memo map[archive.MethodID]*Result
}

// Open loads the archive at path and checks it against the running
// process. It always returns a usable *Restorer; when the archive cannot be
// used the restorer is disabled, answers NotFound, and the reason is also
// returned as the error. With FailHard the restorer is nil on error.
func Open(path string, env identity.Fingerprint, cp identity.ClasspathDescriptor, types identity.TypeSource,
	res reloc.Resolver, opts RestoreOptions, log *slog.Logger, m *metrics.Metrics) (*Restorer, error) {
	if opts.Policy == nil {
		opts.Policy = selector.First{}
	}
	if m == nil {
		m = metrics.Nop()
	}
	r := &Restorer{
		path:     path,
		types:    types,
		resolver: res,
		opts:     opts,
		log:      logging.For(log, logging.Restore),
		metrics:  m,
		memo:     make(map[archive.MethodID]*Result),
	}
	err := r.open(env, cp, log)
	if err != nil {
		r.disabled = err
		r.log.Warn("archive disabled", "path", path, "error", err)
		if opts.FailHard {
			return nil, err
		}
	}
	return r, err
}

func (r *Restorer) open(env identity.Fingerprint, cp identity.ClasspathDescriptor, log *slog.Logger) error {
	a, err := archive.Load(r.path)
	if err != nil {
		return err
	}
	r.arch = a
	ilog := logging.For(log, logging.Identity)
	c, ok := a.Container(env)
	if !ok {
		ilog.Info("environment mismatch", "path", r.path, "current", env.Short(), "saved", a.Env.Short())
		return core.NewIdentityMismatch(r.path, "environment fingerprint mismatch")
	}
	check := identity.CheckClasspath(a.Classpath, cp, identity.CheckOptions{WildcardOverride: r.opts.WildcardOverride})
	if !check.Result.OK() {
		ilog.Info("classpath rejected", "path", r.path, "result", check.Result.String(), "detail", check.Detail)
		return core.NewIdentityMismatch(r.path, check.Error())
	}
	r.container = c
	r.log.Info("archive opened", "path", r.path, "methods", c.Len(), "classpath", check.Result.String())
	return nil
}

// Disabled returns why the archive is not used, or nil.
func (r *Restorer) Disabled() error {
	return r.disabled
}

// Archive returns the loaded archive, nil when loading failed.
func (r *Restorer) Archive() *archive.Archive {
	return r.arch
}

// Restore runs one request through the state machine
// NotFound -> Candidate -> {AllUnusable | Selected}. Terminal results are
// memoized per method for the rest of the run.
func (r *Restorer) Restore(req Request) Result {
	id := req.Method.String()
	if r.disabled != nil {
		r.metrics.Restores.WithLabelValues(metrics.RestoreDisabled).Inc()
		return Result{State: NotFound, Rejected: []error{r.disabled}}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if memo, ok := r.memo[req.Method]; ok {
		res := *memo
		res.Cached = true
		if res.State == Selected && res.Unit.Base != req.Base {
			res.Unit = r.relocate(req, res.Unit.Version, res.Unit.Trusted)
			if res.Unit == nil {
				res.State = AllUnusable
			}
		}
		r.log.Debug("memoized decision", "method", id, "state", res.State.String())
		return res
	}

	rec, ok := r.container.Get(req.Method)
	if !ok {
		r.metrics.Restores.WithLabelValues(metrics.RestoreNotFound).Inc()
		r.log.Debug("method not in archive", "method", id)
		res := Result{State: NotFound}
		r.memo[req.Method] = &res
		return res
	}
	r.log.Debug("candidate", "method", id, "versions", len(rec.Versions))

	var (
		survivors []int
		units     = map[int]*InstallableUnit{}
		rejected  []error
	)
	for i, v := range rec.Versions {
		u, err := r.admit(req, i, v)
		if err != nil {
			rejected = append(rejected, err)
			continue
		}
		survivors = append(survivors, i)
		units[i] = u
	}

	var res Result
	if len(survivors) == 0 {
		res = Result{State: AllUnusable, Rejected: rejected}
		r.metrics.Restores.WithLabelValues(metrics.RestoreAllUnusable).Inc()
		r.log.Debug("all versions unusable", "method", id, "rejected", len(rejected))
	} else {
		pick := r.opts.Policy.Select(survivors)
		res = Result{State: Selected, Unit: units[pick], Rejected: rejected}
		r.metrics.Restores.WithLabelValues(metrics.RestoreInstalled).Inc()
		logging.For(r.log, logging.Select).Debug("version selected", "method", id, "policy", r.opts.Policy.String(),
			"survivors", fmt.Sprint(survivors), "version", pick, "trusted", res.Unit.Trusted)
	}
	r.memo[req.Method] = &res
	return res
}

// admit runs one version through dependency, opt record and relocation
// checks. A version that fails is marked unusable for the rest of the run.
func (r *Restorer) admit(req Request, i int, v *archive.Version) (*InstallableUnit, error) {
	id := req.Method.String()
	reject := func(reason, msg string, err error) (*InstallableUnit, error) {
		v.Usable = false
		r.metrics.VersionsRejected.WithLabelValues(reason).Inc()
		r.log.Debug("version rejected", "method", id, "version", i, "reason", reason, "error", err)
		return nil, core.NewPerMethodUnusable(id, fmt.Sprintf("version %d: %s", i, msg), err)
	}
	if !v.Usable {
		r.metrics.VersionsRejected.WithLabelValues(metrics.RejectNotUsable).Inc()
		return nil, core.NewPerMethodUnusable(id, fmt.Sprintf("version %d: marked unusable", i), nil)
	}
	if err := r.checkDeps(v.Deps); err != nil {
		return reject(metrics.RejectDependency, "dependency changed", err)
	}

	trusted := false
	if !r.opts.SkipValidation {
		d := optrec.Check(v.Records, req.Profile)
		olog := logging.For(r.log, logging.OptRec)
		for _, o := range d.Outcomes {
			olog.Debug("opt record", "method", id, "version", i, "record", o.Record.String(), "score", o.Score, "trap", o.Trap, "reason", o.Reason)
		}
		if d.Kind == optrec.Unusable {
			return reject(metrics.RejectOptRecords, "opt record validation failed", failures(d))
		}
		trusted = d.Kind == optrec.UseAsTrusted
		r.log.Debug("opt records checked", "method", id, "version", i, "decision", d.Kind.String(), "score", d.Score)
	}

	code, err := reloc.Internalize(append([]byte(nil), v.Code...), req.Base, v.Relocs, v.Symbols, r.resolver)
	if err != nil {
		var ue *reloc.UnresolvedError
		if errors.As(err, &ue) {
			logging.For(r.log, logging.Reloc).Debug("unresolved reference", "method", id, "version", i, "class", ue.Class, "name", ue.Name)
			return reject(metrics.RejectUnresolved, ue.Class, err)
		}
		return reject(metrics.RejectUnresolved, "relocation failed", err)
	}
	return &InstallableUnit{
		Method:  req.Method,
		Version: i,
		Base:    req.Base,
		Code:    code,
		Deps:    v.Deps,
		Trusted: trusted,
	}, nil
}

func (r *Restorer) relocate(req Request, i int, trusted bool) *InstallableUnit {
	rec, _ := r.container.Get(req.Method)
	v := rec.Versions[i]
	code, err := reloc.Internalize(append([]byte(nil), v.Code...), req.Base, v.Relocs, v.Symbols, r.resolver)
	if err != nil {
		// Resolved at the first request; the resolver is not expected to
		// forget symbols within a run.
		r.log.Error("relocation failed on memoized version", "method", req.Method.String(), "error", err)
		return nil
	}
	return &InstallableUnit{Method: req.Method, Version: i, Base: req.Base, Code: code, Deps: v.Deps, Trusted: trusted}
}

func (r *Restorer) checkDeps(deps []archive.Dependency) error {
	for _, d := range deps {
		id, ok := identity.LookupIdentity(r.types, d.Type)
		if !ok {
			return &reloc.UnresolvedError{Class: reloc.ClassUnresolvedIdentity, Kind: reloc.KindType, Name: d.Type}
		}
		if id != d.Identity {
			return fmt.Errorf("%s identity changed from %s to %s", d.Type, d.Identity.Short(), id.Short())
		}
	}
	return nil
}

func failures(d optrec.Decision) error {
	var msgs []string
	for _, o := range d.Failures() {
		if o.Trap {
			msgs = append(msgs, o.Reason)
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
