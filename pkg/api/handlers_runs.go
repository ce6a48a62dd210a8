package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/ipsframework/ipsportal/pkg/api/store"
	"github.com/ipsframework/ipsportal/pkg/datatables"
	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/ipsframework/ipsportal/pkg/tracing"
)

const (
	runsListLimit = 100

	errMsgInternal = "Internal Service Error"
)

// runRef is a run addressed by either of its identities.
type runRef struct {
	filter   store.Filter
	notFound string
}

// parseRunRef reads the {id} path parameter. Integers address a runid,
// anything else a portal_runid.
func parseRunRef(r *http.Request) runRef {
	raw := chi.URLParam(r, "id")

	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return runRef{
			filter:   store.ByRunID(id),
			notFound: fmt.Sprintf("runid %d not found", id),
		}
	}

	return runRef{
		filter:   store.ByPortalRunID(raw),
		notFound: fmt.Sprintf("portal_runid %s not found", raw),
	}
}

// writeStoreError maps a store failure to a response. Not found becomes
// 404 with notFound as the message; anything else is logged and becomes 500.
func (s *server) writeStoreError(
	w http.ResponseWriter, r *http.Request, err error, notFound string,
) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, messageResponse{notFound})

		return
	}

	log := s.log.WithError(err).WithField("path", r.URL.Path)

	if errors.Is(err, store.ErrQueryTimeout) {
		log.Warn("Query exceeded time limit")
	} else {
		log.Error("Store query failed")
	}

	writeJSON(w, http.StatusInternalServerError, errMsgInternal)
}

// handleRuns lists the most recent root runs.
func (s *server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.FindRuns(r.Context(), store.Query{
		Filter: store.Roots(),
		Limit:  runsListLimit,
	})
	if err != nil {
		s.writeStoreError(w, r, err, "")

		return
	}

	writeJSON(w, http.StatusOK, nonNilRuns(runs))
}

// handleRunsDataTables serves the paged run table.
func (s *server) handleRunsDataTables(w http.ResponseWriter, r *http.Request) {
	data := r.URL.Query().Get("data")
	if data == "" {
		data = "{}"
	}

	raw, err := datatables.Decode(data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, datatables.Error{
			Property: "data",
			Message:  `"data" query parameter must be JSON-parseable`,
		})

		return
	}

	params, verrs := datatables.Parse(raw, run.SortableProps)
	if len(verrs) > 0 {
		s.log.WithField("errors", verrs.Error()).
			Warn("DataTables request invalid")

		writeJSON(w, http.StatusBadRequest, verrs)

		return
	}

	resp, err := datatables.Results(
		r.Context(), s.store, params, store.Roots(), run.SortableProps,
	)
	if err != nil {
		s.writeStoreError(w, r, err, "")

		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleRun returns one projected run.
func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	ref := parseRunRef(r)

	found, err := s.store.GetRun(r.Context(), ref.filter)
	if err != nil {
		s.writeStoreError(w, r, err, ref.notFound)

		return
	}

	writeJSON(w, http.StatusOK, found)
}

// handleRunEvents returns a run's events in arrival order.
func (s *server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	ref := parseRunRef(r)

	events, err := s.store.GetEvents(r.Context(), ref.filter)
	if err != nil {
		s.writeStoreError(w, r, err, ref.notFound)

		return
	}

	if events == nil {
		events = []run.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}

// handleRunTrace returns the aggregated trace of a run and its descendants.
func (s *server) handleRunTrace(w http.ResponseWriter, r *http.Request) {
	ref := parseRunRef(r)

	spans, err := s.aggregator.Trace(r.Context(), ref.filter)
	if err != nil {
		s.writeStoreError(w, r, err, ref.notFound)

		return
	}

	if len(spans) == 0 {
		writeJSON(w, http.StatusNotFound, messageResponse{ref.notFound})

		return
	}

	writeJSON(w, http.StatusOK, spans)
}

// handleRunChildren lists the runs whose parent is the addressed run.
func (s *server) handleRunChildren(w http.ResponseWriter, r *http.Request) {
	ref := parseRunRef(r)

	portalRunID := chi.URLParam(r, "id")

	if ref.filter.RunID != nil {
		parent, err := s.store.GetRun(r.Context(), ref.filter)
		if err != nil {
			s.writeStoreError(w, r, err, ref.notFound)

			return
		}

		portalRunID = parent.PortalRunID
	}

	children, err := s.store.FindRuns(r.Context(), store.Query{
		Filter: store.ChildrenOf(portalRunID),
	})
	if err != nil {
		s.writeStoreError(w, r, err, ref.notFound)

		return
	}

	writeJSON(w, http.StatusOK, nonNilRuns(children))
}

// handleRunResourceUsage returns the cores allocated per task over the
// run's wall time.
func (s *server) handleRunResourceUsage(w http.ResponseWriter, r *http.Request) {
	ref := parseRunRef(r)

	traces, err := s.store.ListTraces(r.Context(), ref.filter)
	if err != nil {
		s.writeStoreError(w, r, err, ref.notFound)

		return
	}

	if len(traces) == 0 {
		writeJSON(w, http.StatusNotFound, messageResponse{ref.notFound})

		return
	}

	usage, err := tracing.ResourceUsage(traces[0].Traces)
	if errors.Is(err, tracing.ErrNoUsage) {
		writeJSON(w, http.StatusUnprocessableEntity,
			messageResponse{"Unable to compute resource usage because of missing trace information"})

		return
	}

	if err != nil {
		s.log.WithError(err).Error("Failed to compute resource usage")
		writeJSON(w, http.StatusInternalServerError, errMsgInternal)

		return
	}

	writeJSON(w, http.StatusOK, usage)
}

// handleGetTrace makes sure Jaeger holds the run's trace, sending the
// aggregated trace to the collector when it does not, and redirects to it.
func (s *server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	ref := parseRunRef(r)

	found, err := s.store.GetRun(r.Context(), ref.filter)
	if err != nil {
		s.writeStoreError(w, r, err, ref.notFound)

		return
	}

	if !s.jaeger.Enabled() {
		writeJSON(w, http.StatusNotFound, messageResponse{"Trace viewer not configured"})

		return
	}

	traceID := run.TraceIDFor(found.PortalRunID)
	log := s.log.WithField("portal_runid", found.PortalRunID).
		WithField("trace_id", traceID)

	exists, err := s.jaeger.HasTrace(r.Context(), traceID)
	if err != nil {
		log.WithError(err).Error("Unable to connect to jaeger")
		writeJSON(w, http.StatusInternalServerError, "Unable to connect to jaeger")

		return
	}

	if !exists {
		spans, err := s.aggregator.Trace(r.Context(), store.ByRunID(found.RunID))
		if err != nil {
			s.writeStoreError(w, r, err, ref.notFound)

			return
		}

		if len(spans) == 0 {
			writeJSON(w, http.StatusInternalServerError, "No trace available")

			return
		}

		if err := s.forwarder.Send(r.Context(), spans); err != nil {
			log.WithError(err).Error("Unable to create trace")

			var statusErr *tracing.StatusError
			if errors.As(err, &statusErr) {
				writeJSON(w, http.StatusInternalServerError,
					fmt.Sprintf("Failed sending trace with %d", statusErr.Code))

				return
			}

			writeJSON(w, http.StatusInternalServerError, "Unable to create trace")

			return
		}
	}

	http.Redirect(w, r, s.jaeger.TraceURL(traceID), http.StatusFound)
}

func nonNilRuns(runs []run.Run) []run.Run {
	if runs == nil {
		return []run.Run{}
	}

	return runs
}
