package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionGauge(t *testing.T) {
	m := New()

	m.SessionOpened()
	m.SessionOpened()
	m.SessionClosed()

	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ActiveSessions), 0.001)
}

func TestRecordConnect(t *testing.T) {
	m := New()

	m.RecordConnect(true)
	m.RecordConnect(true)
	m.RecordConnect(false)

	assert.InDelta(t, 2.0, testutil.ToFloat64(m.ConnectsTotal.WithLabelValues("success")), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.ConnectsTotal.WithLabelValues("error")), 0.001)
}

func TestRecordQuery(t *testing.T) {
	m := New()

	m.RecordQuery("SELECT", true, 0.05)
	m.RecordQuery("SELECT", false, 0.01)
	m.RecordQuery("DDL", true, 0.002)

	assert.InDelta(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("SELECT", "success")), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("SELECT", "error")), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.QueriesTotal.WithLabelValues("DDL", "success")), 0.001)
	assert.Equal(t, 2, testutil.CollectAndCount(m.QueryDurationSeconds))
}

func TestAdmissionCollectors(t *testing.T) {
	m := New()

	m.SetAdmissionInUse("gpu_memory", 2048)
	m.SetAdmissionInUse("gpu_memory", 1024)
	m.RecordAdmissionDenied("render_sessions")

	assert.InDelta(t, 1024.0, testutil.ToFloat64(m.AdmissionInUse.WithLabelValues("gpu_memory")), 0.001)
	assert.InDelta(t, 1.0, testutil.ToFloat64(m.AdmissionDeniedTotal.WithLabelValues("render_sessions")), 0.001)
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	m.SessionOpened()
	m.SessionClosed()
	m.RecordConnect(true)
	m.RecordQuery("SELECT", true, 0.01)
	m.SetAdmissionInUse("gpu_memory", 1)
	m.RecordAdmissionDenied("gpu_memory")
	m.RecordInterrupt()

	require.Nil(t, m.Registry())
}

func TestRegistryServesCollectors(t *testing.T) {
	m := New()
	m.RecordInterrupt()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var found bool
	for _, fam := range families {
		if fam.GetName() == "omnisci_interrupts_total" {
			found = true
		}
	}
	assert.True(t, found, "interrupt counter should be registered")
}
