package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ipsframework/ipsportal/pkg/config"
	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when no run or data record matches.
	ErrNotFound = errors.New("not found")

	// ErrDuplicatePortalRunID is returned when a run with the same
	// portal_runid already exists.
	ErrDuplicatePortalRunID = errors.New("duplicate portal_runid")

	// ErrQueryTimeout is returned when a list or aggregate query exceeds the
	// server-side execution cap.
	ErrQueryTimeout = errors.New("query timed out")
)

// Store persists runs, their event logs and trace spans, and the auxiliary
// data records.
type Store interface {
	Start(ctx context.Context) error
	Stop() error

	// NextRunID atomically allocates the next runid. Ids start at 0 and are
	// never handed out twice.
	NextRunID(ctx context.Context) (int64, error)

	// CreateRun inserts a new run. It returns ErrDuplicatePortalRunID if the
	// portal_runid is taken.
	CreateRun(ctx context.Context, r *run.Run) error

	// AppendEvent appends an event (and optional span) to the run with
	// portalRunID, overlaying a.Fields onto the run, but only while the
	// run's state equals state. It returns the number of runs modified,
	// which is 0 for an unknown or finalized run.
	AppendEvent(
		ctx context.Context, portalRunID, state string, a Append,
	) (int64, error)

	// FindRuns returns projected runs without their event and span bodies.
	FindRuns(ctx context.Context, q Query) ([]run.Run, error)
	CountRuns(ctx context.Context, f Filter) (int64, error)

	// GetRun is FindRuns limited to one result.
	GetRun(ctx context.Context, f Filter) (*run.Run, error)
	GetEvents(ctx context.Context, f Filter) ([]run.Event, error)
	ListTraces(ctx context.Context, f Filter) ([]RunTraces, error)

	// Data records.
	GetData(ctx context.Context, portalRunID string) (*run.DataRecord, error)
	ListDataPortalRunIDs(ctx context.Context) ([]string, error)
	AddDataTag(
		ctx context.Context, runID int64, portalRunID string, tag run.DataTag,
	) error
	AddJupyterURL(
		ctx context.Context, runID int64, portalRunID, url string,
	) error
	AddEnsemble(
		ctx context.Context, runID int64, portalRunID string, e run.Ensemble,
	) error
	GetEnsembles(
		ctx context.Context, runID int64, ensembleID string,
	) ([]run.Ensemble, error)
}

// Filter selects runs. Unset fields do not constrain the result.
type Filter struct {
	RunID             *int64
	PortalRunID       *string
	ParentPortalRunID *string

	// RootOnly keeps runs without a parent.
	RootOnly bool

	// Search terms must each match (case-insensitive substring) at least one
	// of SearchFields.
	Search       []string
	SearchFields []string
}

// ByRunID selects a run by its integer id.
func ByRunID(id int64) Filter {
	return Filter{RunID: &id}
}

// ByPortalRunID selects a run by its external id.
func ByPortalRunID(id string) Filter {
	return Filter{PortalRunID: &id}
}

// ChildrenOf selects the runs whose parent is portalRunID.
func ChildrenOf(portalRunID string) Filter {
	return Filter{ParentPortalRunID: &portalRunID}
}

// Roots selects runs without a parent.
func Roots() Filter {
	return Filter{RootOnly: true}
}

// WithSearch returns a copy of f constrained by terms over fields.
func (f Filter) WithSearch(terms, fields []string) Filter {
	f.Search = terms
	f.SearchFields = fields

	return f
}

// SortField orders results by one run property.
type SortField struct {
	Field string
	Desc  bool
}

// Query is a paged, sorted run lookup. A zero Limit means no limit.
type Query struct {
	Filter
	Skip  int
	Limit int
	Sort  []SortField
}

// Append is a single guarded mutation of a run.
type Append struct {
	Event  run.Event
	Fields run.Fields
	Span   run.Span
	At     time.Time
}

// RunTraces is the span list of one run.
type RunTraces struct {
	PortalRunID string
	Traces      []run.Span
}

// NewStore creates a Store for the configured driver. Projection of listed
// runs and the query timeout are shared by every backend.
func NewStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
	projector run.Projector,
	queryTimeout time.Duration,
) (Store, error) {
	switch cfg.Driver {
	case "mongo":
		return newMongoStore(log, &cfg.Mongo, projector, queryTimeout), nil
	case "sqlite", "postgres":
		return newSQLStore(log, cfg, projector, queryTimeout), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// withQueryTimeout bounds ctx by timeout when one is set.
func withQueryTimeout(
	ctx context.Context, timeout time.Duration,
) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, timeout)
}

// queryError maps a deadline hit on a bounded query to ErrQueryTimeout.
func queryError(ctx context.Context, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, ErrQueryTimeout)
	}

	return fmt.Errorf("%s: %w", op, err)
}

// sortOrDefault returns sort with a stable runid tiebreak, or newest first
// when no sort was requested.
func sortOrDefault(sort []SortField) []SortField {
	if len(sort) == 0 {
		return []SortField{{Field: "runid", Desc: true}}
	}

	for _, s := range sort {
		if s.Field == "runid" {
			return sort
		}
	}

	out := make([]SortField, 0, len(sort)+1)
	out = append(out, sort...)

	return append(out, SortField{Field: "runid"})
}
