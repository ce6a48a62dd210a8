package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/ipsframework/ipsportal/pkg/api/store"
	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeLister serves runs keyed by portal_runid, with children in
// insertion order.
type fakeLister struct {
	traces   map[string][]run.Span
	children map[string][]string
	fail     string
}

func (f *fakeLister) ListTraces(_ context.Context, flt store.Filter) ([]store.RunTraces, error) {
	var ids []string

	switch {
	case flt.PortalRunID != nil:
		if _, ok := f.traces[*flt.PortalRunID]; ok {
			ids = []string{*flt.PortalRunID}
		}
	case flt.ParentPortalRunID != nil:
		if *flt.ParentPortalRunID == f.fail {
			return nil, errors.New("boom")
		}

		ids = f.children[*flt.ParentPortalRunID]
	}

	out := make([]store.RunTraces, 0, len(ids))
	for _, id := range ids {
		out = append(out, store.RunTraces{PortalRunID: id, Traces: f.traces[id]})
	}

	return out, nil
}

func span(id, traceID string) run.Span {
	return run.Span{"id": id, "traceId": traceID}
}

func spanIDs(spans []run.Span) []string {
	out := make([]string, 0, len(spans))
	for _, s := range spans {
		out = append(out, s["id"].(string))
	}

	return out
}

func TestAggregator_RelabelsDescendants(t *testing.T) {
	lister := &fakeLister{
		traces: map[string][]run.Span{
			"p":  {span("p1", "T"), span("p2", "T")},
			"c1": {span("c1a", "T2"), span("c1b", "T2")},
			"g1": {span("g1a", "T3")},
			"c2": {span("c2a", "T4")},
		},
		children: map[string][]string{
			"p":  {"c1", "c2"},
			"c1": {"g1"},
		},
	}

	got, err := NewAggregator(lister).Trace(context.Background(), store.ByPortalRunID("p"))
	require.NoError(t, err)

	assert.Equal(t, []string{"p1", "p2", "c1a", "c1b", "g1a", "c2a"}, spanIDs(got))

	for _, s := range got {
		assert.Equal(t, "T", s.TraceID(), "span %s", s["id"])
	}

	assert.Equal(t, "T2", lister.traces["c1"][0].TraceID(), "stored spans must not be modified")
}

func TestAggregator_AncestorWithoutSpans(t *testing.T) {
	lister := &fakeLister{
		traces: map[string][]run.Span{
			"p": {},
			"c": {span("c1", "T2"), span("c2", "T2b")},
			"g": {span("g1", "T3")},
		},
		children: map[string][]string{
			"p": {"c"},
			"c": {"g"},
		},
	}

	got, err := NewAggregator(lister).Trace(context.Background(), store.ByPortalRunID("p"))
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, "T2", got[0].TraceID())
	assert.Equal(t, "T2b", got[1].TraceID())
	assert.Equal(t, "T2b", got[2].TraceID(), "relabeled to the last span of the parent")
}

func TestAggregator_Cycle(t *testing.T) {
	lister := &fakeLister{
		traces: map[string][]run.Span{
			"a": {span("a1", "A")},
			"b": {span("b1", "B")},
		},
		children: map[string][]string{
			"a": {"b"},
			"b": {"a"},
		},
	}

	got, err := NewAggregator(lister).Trace(context.Background(), store.ByPortalRunID("a"))
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "b1"}, spanIDs(got))
}

func TestAggregator_NotFoundAndErrors(t *testing.T) {
	lister := &fakeLister{
		traces:   map[string][]run.Span{"p": {span("p1", "T")}},
		children: map[string][]string{},
		fail:     "p",
	}

	agg := NewAggregator(lister)

	got, err := agg.Trace(context.Background(), store.ByPortalRunID("missing"))
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = agg.Trace(context.Background(), store.ByPortalRunID("p"))
	require.Error(t, err)
}
