package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetMetricsSingleton(t *testing.T) {
	m := GetMetrics()
	require.NotNil(t, m)
	assert.Same(t, m, GetMetrics())
	assert.NotNil(t, m.WALAppendsTotal)
	assert.NotNil(t, m.WriterDuration)
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOn")
	assert.Contains(t, sampler(1).Description(), "AlwaysOn")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
