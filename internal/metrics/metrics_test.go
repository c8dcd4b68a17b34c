package metrics

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndDump(t *testing.T) {
	m := New()
	m.Restores.WithLabelValues(RestoreInstalled).Inc()
	m.Restores.WithLabelValues(RestoreInstalled).Inc()
	m.VersionsRejected.WithLabelValues(RejectOptRecords).Inc()

	assert.Equal(t, 2.0, Value(m.Restores, RestoreInstalled))
	assert.Equal(t, 0.0, Value(m.Restores, RestoreNotFound))

	var buf bytes.Buffer
	require.NoError(t, m.Dump(&buf))
	assert.Equal(t,
		"codearchive_restore_total{outcome=\"installed\"} 2\n"+
			"codearchive_versions_rejected_total{reason=\"opt_records\"} 1\n",
		buf.String())
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.MergeInputs.WithLabelValues(ResultAccepted).Inc()
	assert.Equal(t, 0.0, Value(b.MergeInputs, ResultAccepted))
}
