// Package tracing assembles, forwards and inspects the Zipkin-format spans
// reported with run events.
package tracing

import (
	"context"
	"fmt"

	"github.com/ipsframework/ipsportal/pkg/api/store"
	"github.com/ipsframework/ipsportal/pkg/run"
)

// TraceLister returns the span lists of the runs matching a filter.
type TraceLister interface {
	ListTraces(ctx context.Context, f store.Filter) ([]store.RunTraces, error)
}

// Aggregator flattens a run tree into one trace.
type Aggregator struct {
	lister TraceLister
}

// NewAggregator creates an Aggregator reading spans from lister.
func NewAggregator(lister TraceLister) *Aggregator {
	return &Aggregator{lister: lister}
}

// Trace returns the spans of every run matching f followed, depth first, by
// the spans of their descendants. Descendant spans are relabeled to the
// traceId of the last span of the nearest ancestor that has spans, so the
// whole tree reads as a single trace. A run reached twice through a
// parent cycle is only visited once.
func (a *Aggregator) Trace(ctx context.Context, f store.Filter) ([]run.Span, error) {
	roots, err := a.lister.ListTraces(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("listing traces: %w", err)
	}

	type frame struct {
		runTraces store.RunTraces
		traceID   string
	}

	var (
		out     = []run.Span{}
		visited = make(map[string]struct{})
		stack   = make([]frame, 0, len(roots))
	)

	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, frame{runTraces: roots[i]})
	}

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		id := top.runTraces.PortalRunID
		if _, seen := visited[id]; seen {
			continue
		}

		visited[id] = struct{}{}

		for _, sp := range top.runTraces.Traces {
			if top.traceID != "" {
				sp = sp.WithTraceID(top.traceID)
			}

			out = append(out, sp)
		}

		childTraceID := top.traceID
		if childTraceID == "" && len(top.runTraces.Traces) > 0 {
			childTraceID = top.runTraces.Traces[len(top.runTraces.Traces)-1].TraceID()
		}

		children, err := a.lister.ListTraces(ctx, store.ChildrenOf(id))
		if err != nil {
			return nil, fmt.Errorf("listing child traces of %s: %w", id, err)
		}

		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, frame{runTraces: children[i], traceID: childTraceID})
		}
	}

	return out, nil
}
