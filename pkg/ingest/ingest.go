// Package ingest applies batches of framework events to the run store.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/ipsframework/ipsportal/pkg/api/store"
	"github.com/ipsframework/ipsportal/pkg/ensemble"
	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/sirupsen/logrus"
)

// Client-facing per-event error strings.
const (
	ErrMsgDuplicate  = "Duplicate portal_runid Key"
	ErrMsgInvalidRun = "Invalid portal_runid"
	ErrMsgEnsemble   = "Could not update parent ensemble information"
	ErrMsgStore      = "Could not store event"
)

const (
	errMsgMissingRequired  = "Missing required data: "
	messageRunCreated      = "New run created"
	messageRunEnded        = " and run ended"
	messageOneEventAdded   = "Event added to run"
	messageNEventsAddedFmt = "%d events added to run"
)

// RunStore is the subset of the store the ingester writes through.
type RunStore interface {
	NextRunID(ctx context.Context) (int64, error)
	CreateRun(ctx context.Context, r *run.Run) error
	AppendEvent(ctx context.Context, portalRunID, state string, a store.Append) (int64, error)
	GetRun(ctx context.Context, f store.Filter) (*run.Run, error)
}

// EnsembleLinker registers a freshly created child run in its parent's
// ensemble table.
type EnsembleLinker interface {
	Link(ctx context.Context, m ensemble.Member) error
}

// SpanForwarder hands spans to the tracing backend on a best-effort basis.
type SpanForwarder interface {
	Forward(ctx context.Context, spans []run.Span)
}

// Result summarizes one batch.
type Result struct {
	Message string   `json:"message"`
	RunID   *int64   `json:"runid,omitempty"`
	SimName any      `json:"simname,omitempty"`
	Errors  []string `json:"errors,omitempty"`

	Created  int `json:"-"`
	Appended int `json:"-"`

	// Internal holds store failures. A batch with an internal error is a
	// server error even though sibling events may have been applied.
	Internal error `json:"-"`
}

// OK reports whether every event in the batch was applied.
func (r *Result) OK() bool {
	return len(r.Errors) == 0 && r.Internal == nil
}

// Ingester validates events and writes them to the store.
type Ingester struct {
	log       logrus.FieldLogger
	store     RunStore
	ensembles EnsembleLinker
	forwarder SpanForwarder
	now       func() time.Time
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithClock overrides the wall clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(i *Ingester) {
		i.now = now
	}
}

// NewIngester creates an Ingester. ensembles and forwarder may be nil.
func NewIngester(
	log logrus.FieldLogger,
	s RunStore,
	ensembles EnsembleLinker,
	forwarder SpanForwarder,
	opts ...Option,
) *Ingester {
	i := &Ingester{
		log:       log.WithField("component", "ingest"),
		store:     s,
		ensembles: ensembles,
		forwarder: forwarder,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Ingest applies events in order. Each event succeeds or fails on its own;
// a failed event never stops the rest of the batch. baseURL is the portal's
// externally visible root, used for links written into ensemble tables.
func (i *Ingester) Ingest(ctx context.Context, events []run.Event, baseURL string) *Result {
	var (
		res    = &Result{}
		merr   *multierror.Error
		ended  bool
		newRun bool
	)

	for _, e := range events {
		var err error

		if e.IsStart() {
			err = i.start(ctx, e, baseURL, res)
			if err == nil {
				newRun = true
			}
		} else {
			err = i.appendEvent(ctx, e)
			if err == nil {
				res.Appended++
				ended = ended || e.IsEnd()
			}
		}

		if err == nil {
			continue
		}

		merr = multierror.Append(merr, fmt.Errorf("%s %s: %w", e.PortalRunID(), e.EventType(), err))

		var evErr *eventError
		if errors.As(err, &evErr) {
			res.Errors = append(res.Errors, evErr.msg)

			if evErr.internal {
				res.Internal = multierror.Append(res.Internal, err)
			}
		}
	}

	res.Message = message(newRun, res.Appended, ended)

	if err := merr.ErrorOrNil(); err != nil {
		i.log.WithError(err).
			WithField("events", len(events)).
			Warn("Some events were not applied")
	}

	return res
}

func message(newRun bool, appended int, ended bool) string {
	var msg string

	switch {
	case newRun && appended == 0:
		msg = messageRunCreated
	case newRun:
		msg = messageRunCreated + " and " + fmt.Sprintf(messageNEventsAddedFmt, appended)
	case appended == 1:
		msg = messageOneEventAdded
	default:
		msg = fmt.Sprintf(messageNEventsAddedFmt, appended)
	}

	if ended {
		msg += messageRunEnded
	}

	return msg
}

// eventError carries the client-facing message for a rejected event.
type eventError struct {
	msg      string
	internal bool
	err      error
}

func (e *eventError) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}

	return e.msg
}

func (e *eventError) Unwrap() error {
	return e.err
}

func rejected(msg string, err error) error {
	return &eventError{msg: msg, err: err}
}

func failed(err error) error {
	return &eventError{msg: ErrMsgStore, internal: true, err: err}
}

func validate(e run.Event) error {
	if missing := e.Missing(); len(missing) > 0 {
		return rejected(errMsgMissingRequired+strings.Join(missing, ", "), nil)
	}

	return nil
}

func (i *Ingester) start(ctx context.Context, e run.Event, baseURL string, res *Result) error {
	if err := validate(e); err != nil {
		return err
	}

	now := i.now()
	e.Stamp(now)

	runID, err := i.store.NextRunID(ctx)
	if err != nil {
		return failed(fmt.Errorf("allocating runid: %w", err))
	}

	r := &run.Run{
		RunID:        runID,
		PortalRunID:  e.PortalRunID(),
		Fields:       e.RunFields(),
		LastModified: &now,
		Events:       []run.Event{e},
		Traces:       []run.Span{},
	}

	if err := i.store.CreateRun(ctx, r); err != nil {
		if errors.Is(err, store.ErrDuplicatePortalRunID) {
			return rejected(ErrMsgDuplicate, err)
		}

		return failed(fmt.Errorf("creating run: %w", err))
	}

	i.log.WithFields(logrus.Fields{
		"runid":        runID,
		"portal_runid": r.PortalRunID,
	}).Info("Run created")

	res.Created++
	res.RunID = &runID

	if v, ok := e[run.KeySimName]; ok {
		res.SimName = v
	}

	if m, ok := ensemble.MemberOf(runID, r.Fields, baseURL); ok && i.ensembles != nil {
		if err := i.ensembles.Link(ctx, m); err != nil {
			// The run itself was created; report the linkage separately.
			i.log.WithError(err).WithFields(logrus.Fields{
				"parent_portal_runid": m.ParentPortalRunID,
				"simname":             m.SimName,
				"ensemble_id":         m.EnsembleID,
			}).Error("Could not update parent ensemble information")

			res.Errors = append(res.Errors, ErrMsgEnsemble)
		}
	}

	return nil
}

func (i *Ingester) appendEvent(ctx context.Context, e run.Event) error {
	if err := validate(e); err != nil {
		return err
	}

	now := i.now()
	e.Stamp(now)

	span, hasSpan := e.TakeSpan()
	portalRunID := e.PortalRunID()

	n, err := i.store.AppendEvent(ctx, portalRunID, run.StateRunning, store.Append{
		Event:  e,
		Fields: e.Overlay(),
		Span:   span,
		At:     now,
	})
	if err != nil {
		return failed(fmt.Errorf("appending event: %w", err))
	}

	if n == 0 {
		return rejected(ErrMsgInvalidRun, nil)
	}

	if hasSpan && i.forwarder != nil {
		i.forwarder.Forward(ctx, i.propagate(ctx, portalRunID, span))
	}

	return nil
}

// propagate returns span followed by one copy per ancestor of portalRunID,
// each relabeled under the ancestor's trace id.
func (i *Ingester) propagate(ctx context.Context, portalRunID string, span run.Span) []run.Span {
	spans := []run.Span{span}
	visited := map[string]struct{}{portalRunID: {}}

	for id := portalRunID; ; {
		r, err := i.store.GetRun(ctx, store.ByPortalRunID(id))
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				i.log.WithError(err).
					WithField("portal_runid", id).
					Warn("Failed to resolve parent run")
			}

			return spans
		}

		parent := r.ParentPortalRunID()
		if parent == "" {
			return spans
		}

		if _, seen := visited[parent]; seen {
			i.log.WithField("portal_runid", parent).Warn("Parent cycle detected")

			return spans
		}

		visited[parent] = struct{}{}
		spans = append(spans, span.WithTraceID(run.TraceIDFor(parent)))
		id = parent
	}
}
