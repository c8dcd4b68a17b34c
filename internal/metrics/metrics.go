// Package metrics counts save, restore and merge outcomes on a private
// prometheus registry so that tools can dump them at exit.
package metrics

import (
	"fmt"
	"io"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Restore outcomes.
const (
	RestoreInstalled   = "installed"
	RestoreNotFound    = "not_found"
	RestoreAllUnusable = "all_unusable"
	RestoreDisabled    = "disabled"
)

// Version rejection reasons.
const (
	RejectOptRecords   = "opt_records"
	RejectDependency   = "dependency"
	RejectUnresolved   = "unresolved"
	RejectNotUsable    = "not_usable"
	RejectMergeCovered = "covered"
)

// Save and merge results.
const (
	ResultWritten   = "written"
	ResultDuplicate = "duplicate"
	ResultFailed    = "failed"
	ResultSkipped   = "skipped"
	ResultAccepted  = "accepted"
	ResultRejected  = "rejected"
)

// Metrics holds the counters of one tool invocation.
type Metrics struct {
	Registry *prometheus.Registry

	Restores         *prometheus.CounterVec
	VersionsRejected *prometheus.CounterVec
	SaveVersions     *prometheus.CounterVec
	MergeInputs      *prometheus.CounterVec
}

// New registers all counters on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		Restores: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codearchive_restore_total",
			Help: "Restore requests by outcome",
		}, []string{"outcome"}),
		VersionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codearchive_versions_rejected_total",
			Help: "Archived versions rejected during restore or merge, by reason",
		}, []string{"reason"}),
		SaveVersions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codearchive_save_versions_total",
			Help: "Compilation units offered to the saver, by result",
		}, []string{"result"}),
		MergeInputs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "codearchive_merge_inputs_total",
			Help: "Merge input archives by result",
		}, []string{"result"}),
	}
}

// Nop returns counters that are never read. Components accept a nil
// *Metrics and substitute this.
func Nop() *Metrics { return New() }

// Value returns the current value of one labelled counter.
func Value(c *prometheus.CounterVec, label string) float64 {
	var m dto.Metric
	if err := c.WithLabelValues(label).Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Dump writes every non-zero counter as "name{label} value", sorted.
func (m *Metrics) Dump(w io.Writer) error {
	families, err := m.Registry.Gather()
	if err != nil {
		return err
	}
	var lines []string
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			v := metric.GetCounter().GetValue()
			if v == 0 {
				continue
			}
			label := ""
			for _, lp := range metric.GetLabel() {
				label = fmt.Sprintf("%s=%q", lp.GetName(), lp.GetValue())
			}
			lines = append(lines, fmt.Sprintf("%s{%s} %g", mf.GetName(), label, v))
		}
	}
	sort.Strings(lines)
	for _, l := range lines {
		if _, err := fmt.Fprintln(w, l); err != nil {
			return err
		}
	}
	return nil
}
