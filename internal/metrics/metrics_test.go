package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAddsAllCollectors(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	// A CounterVec with no label values yet gathers no family at all.
	m.HandshakeByStatus.WithLabelValues("success")

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Len(t, families, 6)
}

func TestRegisterTwiceFails(t *testing.T) {
	m := New()
	reg := prometheus.NewRegistry()
	require.NoError(t, m.Register(reg))
	assert.Error(t, m.Register(reg))
}

func TestCountersAreUsableBeforeRegistration(t *testing.T) {
	m := New()
	assert.NotPanics(t, func() {
		m.ConnectionsOpened.Inc()
		m.ConnectionsClosed.Inc()
		m.ActivePairs.Set(3)
		m.HandshakeRejects.Inc()
		m.BytesRelayed.Add(128)
		m.HandshakeByStatus.WithLabelValues("success").Inc()
	})
}
