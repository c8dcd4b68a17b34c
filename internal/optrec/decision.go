package optrec

import "fmt"

// DecisionKind is the aggregate verdict over all records of a version.
type DecisionKind int

const (
	// UseAsCandidate installs the version but keeps normal recompilation
	// speculation going.
	UseAsCandidate DecisionKind = iota
	// UseAsTrusted installs the version and trusts it over a fresh
	// speculative compile.
	UseAsTrusted
	// Unusable marks the version unusable for the rest of the run.
	Unusable
)

func (k DecisionKind) String() string {
	switch k {
	case UseAsTrusted:
		return "trusted"
	case UseAsCandidate:
		return "candidate"
	case Unusable:
		return "unusable"
	default:
		return fmt.Sprintf("decision(%d)", int(k))
	}
}

// Decision is the result of Check.
type Decision struct {
	Kind     DecisionKind
	Score    int
	Outcomes []Outcome
}

// Failures returns the outcomes that contradicted their record.
func (d Decision) Failures() []Outcome {
	var out []Outcome
	for _, o := range d.Outcomes {
		if o.Score > 0 {
			out = append(out, o)
		}
	}
	return out
}

// Check scores every record and aggregates: any trap makes the version
// unusable, a negative sum makes it trusted, anything else a candidate.
func Check(records []Record, p Profile) Decision {
	d := Decision{Outcomes: make([]Outcome, 0, len(records))}
	trapped := false
	for _, r := range records {
		o := Score(r, p)
		d.Score += o.Score
		trapped = trapped || o.Trap
		d.Outcomes = append(d.Outcomes, o)
	}
	switch {
	case trapped:
		d.Kind = Unusable
	case d.Score < 0:
		d.Kind = UseAsTrusted
	default:
		d.Kind = UseAsCandidate
	}
	return d
}

// CaptureOptions tunes which records are kept at save time.
type CaptureOptions struct {
	// DisableConstantOpt drops every ConstantReplace record so restores are
	// insensitive to constant values.
	DisableConstantOpt bool
}

// Capture filters the records a compilation reported down to the ones that
// are stored with the version.
func Capture(records []Record, opts CaptureOptions) []Record {
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if _, ok := r.(ConstantReplace); ok && opts.DisableConstantOpt {
			continue
		}
		out = append(out, r)
	}
	return out
}
