package tracing

import (
	"testing"

	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func taskSpan(name string, ts, d, cores float64) run.Span {
	return run.Span{
		"timestamp":     ts,
		"duration":      d,
		"localEndpoint": map[string]any{"serviceName": name},
		"tags":          map[string]any{"cores_allocated": cores},
	}
}

func TestResourceUsage(t *testing.T) {
	spans := []run.Span{
		taskSpan("worker", 1_000_000, 2_000_000, 4),
		taskSpan("driver", 2_000_000, 1_000_000, 2),
		{
			"timestamp": 0.0,
			"duration":  5_000_000.0,
			"tags":      map[string]any{"total_cores": "8"},
		},
	}

	usage, err := ResourceUsage(spans)
	require.NoError(t, err)

	assert.InDelta(t, 8, usage.TotalCores, 0)
	assert.InDelta(t, 5, usage.Walltime, 0)
	require.Len(t, usage.Series, 2)
	assert.Equal(t, "driver", usage.Series[0].Task)
	assert.Equal(t, "worker", usage.Series[1].Task)

	at := func(s UsageSeries, x float64) float64 {
		var y float64

		for i := range s.X {
			if s.X[i] <= x {
				y = s.Y[i]
			}
		}

		return y
	}

	worker := usage.Series[1]
	assert.InDelta(t, 0, at(worker, 0.5), 1e-12)
	assert.InDelta(t, 4, at(worker, 1.5), 1e-12)
	assert.InDelta(t, 4, at(worker, 2.5), 1e-12)
	assert.InDelta(t, 0, at(worker, 3.5), 1e-12)

	driver := usage.Series[0]
	assert.InDelta(t, 0, at(driver, 1.5), 1e-12)
	assert.InDelta(t, 2, at(driver, 2.5), 1e-12)
	assert.InDelta(t, 0, at(driver, 4), 1e-12)

	assert.Equal(t, worker.X, driver.X)
	assert.Len(t, worker.Y, len(worker.X))
}

func TestResourceUsage_Missing(t *testing.T) {
	tests := []struct {
		name  string
		spans []run.Span
	}{
		{name: "no spans"},
		{name: "no total cores", spans: []run.Span{{"timestamp": 0.0, "duration": 1.0}}},
		{
			name: "task without service name",
			spans: []run.Span{
				{"timestamp": 0.0, "duration": 1.0, "tags": map[string]any{"cores_allocated": 1}},
				{"timestamp": 0.0, "duration": 1.0, "tags": map[string]any{"total_cores": 1}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResourceUsage(tt.spans)
			require.ErrorIs(t, err, ErrNoUsage)
		})
	}
}
