package optrec

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"codearchive/internal/identity"
)

// ReceiverCount is one row of a type profile.
type ReceiverCount struct {
	Type  string
	Count uint64
}

// Profile is the live profiling signal of the method being restored.
type Profile interface {
	// Receivers returns the types observed at a call, type-check or
	// array-store site.
	Receivers(bci int) []ReceiverCount
	// Branch returns whether the branch at bci is taken, if it was profiled.
	Branch(bci int) (taken bool, ok bool)
	// Constant returns the current value of a field folded into code.
	Constant(field string) (PrimKind, uint64, bool)
	// ResolveCallee returns the identity of the type a callee currently binds to.
	ResolveCallee(callee string) (identity.Fingerprint, bool)
}

// Outcome is the score of a single record. Negative corroborates the cached
// assumption, positive contradicts it, zero is inconclusive. Trap marks a
// contradiction that would hit an uncommon trap in the installed code.
type Outcome struct {
	Record Record
	Score  int
	Trap   bool
	Reason string
}

func corroborated(r Record) Outcome { return Outcome{Record: r, Score: -1} }
func inconclusive(r Record, why string) Outcome {
	return Outcome{Record: r, Reason: why}
}
func contradicted(r Record, format string, args ...any) Outcome {
	return Outcome{Record: r, Score: 1, Reason: fmt.Sprintf(format, args...)}
}
func trap(r Record, format string, args ...any) Outcome {
	return Outcome{Record: r, Score: 1, Trap: true, Reason: fmt.Sprintf(format, args...)}
}

// Score checks one record against p.
func Score(r Record, p Profile) Outcome {
	if p == nil {
		return inconclusive(r, "no profile")
	}
	switch rec := r.(type) {
	case DeVirtualize:
		return scoreDeVirtualize(rec, p.Receivers(rec.BCI))
	case Inline:
		id, ok := p.ResolveCallee(rec.Callee)
		if !ok {
			return trap(rec, "inlined callee %s no longer resolves", rec.Callee)
		}
		if id != rec.HolderIdentity {
			return trap(rec, "inlined callee %s binds to %s, was %s", rec.Callee, id.Short(), rec.HolderIdentity.Short())
		}
		return corroborated(rec)
	case ProfiledReceiver:
		return scoreDominant(rec, rec.Type, p.Receivers(rec.BCI))
	case ProfiledArrayStore:
		return scoreDominant(rec, rec.ElementType, p.Receivers(rec.BCI))
	case ProfiledUnstableIf:
		taken, ok := p.Branch(rec.BCI)
		if !ok {
			return inconclusive(rec, "branch not profiled")
		}
		if taken != rec.Taken {
			return trap(rec, "branch at %d flipped to taken=%t", rec.BCI, taken)
		}
		return corroborated(rec)
	case ConstantReplace:
		kind, bits, ok := p.Constant(rec.Field)
		if !ok {
			return trap(rec, "constant %s is gone", rec.Field)
		}
		if kind != rec.Kind {
			return trap(rec, "constant %s is now %s, was %s", rec.Field, kind, rec.Kind)
		}
		if bits != rec.Bits {
			return trap(rec, "constant %s changed from %#x to %#x", rec.Field, rec.Bits, bits)
		}
		return corroborated(rec)
	default:
		return inconclusive(r, "unknown record")
	}
}

func scoreDeVirtualize(rec DeVirtualize, live []ReceiverCount) Outcome {
	if len(live) == 0 {
		return inconclusive(rec, "call site not profiled")
	}
	if rec.Arity() == 0 {
		if major, ok := majority(live); ok {
			return contradicted(rec, "virtual call site now dominated by %s", major)
		}
		return corroborated(rec)
	}
	var extra []string
	for _, rc := range live {
		if rc.Count > 0 && !slices.Contains(rec.Receivers, rc.Type) {
			extra = append(extra, rc.Type)
		}
	}
	if len(extra) == 0 {
		return corroborated(rec)
	}
	sort.Strings(extra)
	if rec.Default == ActionVirtualCall {
		return contradicted(rec, "unexpected receivers %s fall back to virtual call", strings.Join(extra, ","))
	}
	return trap(rec, "unexpected receivers %s at %d", strings.Join(extra, ","), rec.BCI)
}

func scoreDominant(rec Record, want string, live []ReceiverCount) Outcome {
	dom, n, ok := dominant(live)
	if !ok {
		return inconclusive(rec, "site not profiled")
	}
	if dom != want || n != 1 {
		return trap(rec, "type count mismatch at %d: expected only %s, observed %d types (dominant %s)", rec.Site(), want, n, dom)
	}
	return corroborated(rec)
}

// dominant returns the most frequent type, ties broken by name, and the
// number of distinct types seen.
func dominant(live []ReceiverCount) (string, int, bool) {
	var best ReceiverCount
	seen := 0
	for _, rc := range live {
		if rc.Count == 0 {
			continue
		}
		seen++
		if rc.Count > best.Count || (rc.Count == best.Count && rc.Type < best.Type) {
			best = rc
		}
	}
	return best.Type, seen, seen > 0
}

func majority(live []ReceiverCount) (string, bool) {
	var total uint64
	for _, rc := range live {
		total += rc.Count
	}
	dom, _, ok := dominant(live)
	if !ok {
		return "", false
	}
	for _, rc := range live {
		if rc.Type == dom {
			return dom, rc.Count*2 > total
		}
	}
	return "", false
}
