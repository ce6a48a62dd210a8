package tracing

import (
	"errors"
	"sort"

	"github.com/ipsframework/ipsportal/pkg/run"
)

// ErrNoUsage is returned when the spans do not describe a resource
// allocation: the last span must carry the run's total_cores, timestamp and
// duration.
var ErrNoUsage = errors.New("missing resource usage information")

// edge offsets a step so that each allocation change plots as a vertical line.
const edge = 1e-9

// Usage is the stacked cores-allocated-over-walltime profile of a run.
type Usage struct {
	TotalCores float64       `json:"total_cores"`
	Walltime   float64       `json:"walltime"`
	Series     []UsageSeries `json:"series"`
}

// UsageSeries is the cores held by one task over time, in seconds from the
// start of the run. All series share the same X values.
type UsageSeries struct {
	Task string    `json:"task"`
	X    []float64 `json:"x"`
	Y    []float64 `json:"y"`
}

// ResourceUsage derives per-task core allocation from a run's spans. Task
// spans are those tagged with cores_allocated; the last span is the run
// itself.
func ResourceUsage(spans []run.Span) (*Usage, error) {
	if len(spans) == 0 {
		return nil, ErrNoUsage
	}

	last := spans[len(spans)-1]

	totalCores, ok := last.Tag("total_cores")
	if !ok {
		return nil, ErrNoUsage
	}

	startUS, ok := last.Timestamp()
	if !ok {
		return nil, ErrNoUsage
	}

	durationUS, ok := last.Duration()
	if !ok {
		return nil, ErrNoUsage
	}

	runStart := startUS / 1e6
	walltime := durationUS / 1e6

	type step struct {
		x     float64
		task  string
		delta float64
	}

	steps := []step{{x: 0}, {x: walltime}}
	tasks := make(map[string]struct{})

	for _, sp := range spans {
		cores, ok := sp.Tag("cores_allocated")
		if !ok {
			continue
		}

		ts, okTS := sp.Timestamp()
		d, okD := sp.Duration()
		name := sp.ServiceName()

		if !okTS || !okD || name == "" {
			return nil, ErrNoUsage
		}

		tasks[name] = struct{}{}

		start := ts/1e6 - runStart
		end := (ts+d)/1e6 - runStart

		steps = append(steps,
			step{x: start - edge},
			step{x: start, task: name, delta: cores},
			step{x: end - edge},
			step{x: end, task: name, delta: -cores},
		)
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].x < steps[j].x })

	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}

	sort.Strings(names)

	xs := make([]float64, len(steps))
	for i, s := range steps {
		xs[i] = s.x
	}

	usage := &Usage{
		TotalCores: totalCores,
		Walltime:   walltime,
		Series:     make([]UsageSeries, 0, len(names)),
	}

	for _, name := range names {
		ys := make([]float64, len(steps))

		var sum float64

		for i, s := range steps {
			if s.task == name {
				sum += s.delta
			}

			ys[i] = sum
		}

		usage.Series = append(usage.Series, UsageSeries{Task: name, X: xs, Y: ys})
	}

	return usage, nil
}
