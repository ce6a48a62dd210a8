package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/ipsframework/ipsportal/pkg/config"
	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const runIDCounter = "runid"

// sqlColumns maps sortable run properties to their promoted columns.
var sqlColumns = map[string]string{
	"runid":            "runid",
	run.KeyState:       "state",
	"rcomment":         "rcomment",
	run.KeySimName:     "simname",
	"host":             "host",
	run.KeyUser:        "user",
	"startat":          "startat",
	run.KeyStopAt:      "stopat",
	run.KeyWalltime:    "walltime",
	run.KeyPortalRunID: "portal_run_id",
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// Compile-time interface check.
var _ Store = (*sqlStore)(nil)

type sqlStore struct {
	log          logrus.FieldLogger
	cfg          *config.DatabaseConfig
	projector    run.Projector
	queryTimeout time.Duration
	db           *gorm.DB
}

func newSQLStore(
	log logrus.FieldLogger,
	cfg *config.DatabaseConfig,
	projector run.Projector,
	queryTimeout time.Duration,
) *sqlStore {
	return &sqlStore{
		log:          log.WithField("component", "store"),
		cfg:          cfg,
		projector:    projector,
		queryTimeout: queryTimeout,
	}
}

// Start opens the database connection and runs migrations.
func (s *sqlStore) Start(ctx context.Context) error {
	var dialector gorm.Dialector

	gormCfg := &gorm.Config{
		Logger:         logger.Discard,
		TranslateError: true,
	}

	switch s.cfg.Driver {
	case "sqlite":
		dialector = sqlite.Open(s.cfg.SQLite.Path)
	case "postgres":
		dsn := fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			s.cfg.Postgres.Host,
			s.cfg.Postgres.Port,
			s.cfg.Postgres.User,
			s.cfg.Postgres.Password,
			s.cfg.Postgres.Database,
			s.cfg.Postgres.SSLMode,
		)
		dialector = postgres.Open(dsn)
	default:
		return fmt.Errorf("unsupported database driver: %s", s.cfg.Driver)
	}

	db, err := gorm.Open(dialector, gormCfg)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	s.db = db

	if s.cfg.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("getting underlying db: %w", err)
		}

		// SQLite allows a single writer, and an in-memory database is
		// private to its connection.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := s.db.WithContext(ctx).AutoMigrate(
		&runRow{},
		&eventRow{},
		&spanRow{},
		&counterRow{},
		&dataRow{},
	); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	s.log.WithField("driver", s.cfg.Driver).Info("Database connected")

	return nil
}

// Stop closes the underlying database connection.
func (s *sqlStore) Stop() error {
	if s.db == nil {
		return nil
	}

	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("getting underlying db: %w", err)
	}

	return sqlDB.Close()
}

// NextRunID increments the runid counter in a single statement.
func (s *sqlStore) NextRunID(ctx context.Context) (int64, error) {
	var value int64

	if err := s.db.WithContext(ctx).Raw(
		`INSERT INTO counters (name, value) VALUES (?, 1)
ON CONFLICT (name) DO UPDATE SET value = counters.value + 1
RETURNING value`,
		runIDCounter,
	).Scan(&value).Error; err != nil {
		return 0, fmt.Errorf("allocating run id: %w", err)
	}

	return value - 1, nil
}

func (s *sqlStore) CreateRun(ctx context.Context, r *run.Run) error {
	row := runRow{
		RunID:        r.RunID,
		PortalRunID:  r.PortalRunID,
		HasTrace:     len(r.Traces) > 0,
		LastModified: r.LastModified,
	}
	row.setFields(r.Fields.Clone())

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}

		for _, e := range r.Events {
			if err := tx.Create(&eventRow{RunID: row.RunID, Body: e}).Error; err != nil {
				return err
			}
		}

		for _, sp := range r.Traces {
			if err := tx.Create(&spanRow{RunID: row.RunID, Body: sp}).Error; err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		if isDuplicate(err) {
			return ErrDuplicatePortalRunID
		}

		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (s *sqlStore) AppendEvent(
	ctx context.Context, portalRunID, state string, a Append,
) (int64, error) {
	var modified int64

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row runRow

		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("portal_run_id = ? AND state = ?", portalRunID, state).
			Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}

		if err != nil {
			return err
		}

		fields := row.Fields.Clone()
		for k, v := range a.Fields {
			fields[k] = v
		}

		row.setFields(fields)

		at := a.At
		row.LastModified = &at

		if a.Span != nil {
			row.HasTrace = true
		}

		// Save would insert for runid 0.
		if err := tx.Model(&runRow{}).
			Where("runid = ?", row.RunID).
			Select("*").
			Updates(&row).Error; err != nil {
			return err
		}

		if err := tx.Create(&eventRow{RunID: row.RunID, Body: a.Event}).Error; err != nil {
			return err
		}

		if a.Span != nil {
			if err := tx.Create(&spanRow{RunID: row.RunID, Body: a.Span}).Error; err != nil {
				return err
			}
		}

		modified = 1

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}

	return modified, nil
}

func (s *sqlStore) FindRuns(ctx context.Context, q Query) ([]run.Run, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	tx := s.applyFilter(s.db.WithContext(ctx).Model(&runRow{}), q.Filter)

	for _, sf := range sortOrDefault(q.Sort) {
		col, ok := sqlColumns[sf.Field]
		if !ok {
			continue
		}

		// Wall times order numerically; the text column breaks ties
		// between values that are not numbers.
		if sf.Field == run.KeyWalltime {
			tx = tx.Order(clause.OrderByColumn{
				Column: clause.Column{Name: "walltime_num"},
				Desc:   sf.Desc,
			})
		}

		tx = tx.Order(clause.OrderByColumn{
			Column: clause.Column{Name: col},
			Desc:   sf.Desc,
		})
	}

	if q.Skip > 0 {
		tx = tx.Offset(q.Skip)
	}

	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []runRow
	if err := tx.Find(&rows).Error; err != nil {
		return nil, queryError(ctx, "finding runs", err)
	}

	ids := make([]int64, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].RunID)
	}

	lastTimes, err := s.lastEventTimes(ctx, ids)
	if err != nil {
		return nil, queryError(ctx, "finding last events", err)
	}

	runs := make([]run.Run, 0, len(rows))
	for i := range rows {
		runs = append(runs, s.projector.Apply(rows[i].toRun(), lastTimes[rows[i].RunID]))
	}

	return runs, nil
}

// lastEventTimes returns the "time" of the most recently appended event for
// each run.
func (s *sqlStore) lastEventTimes(
	ctx context.Context, ids []int64,
) (map[int64]any, error) {
	out := make(map[int64]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	latest := s.db.WithContext(ctx).
		Model(&eventRow{}).
		Select("MAX(id)").
		Where("runid IN ?", ids).
		Group("runid")

	var events []eventRow
	if err := s.db.WithContext(ctx).
		Where("id IN (?)", latest).
		Find(&events).Error; err != nil {
		return nil, err
	}

	for _, e := range events {
		out[e.RunID] = e.Body[run.KeyTime]
	}

	return out, nil
}

func (s *sqlStore) CountRuns(ctx context.Context, f Filter) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var n int64
	if err := s.applyFilter(s.db.WithContext(ctx).Model(&runRow{}), f).
		Count(&n).Error; err != nil {
		return 0, queryError(ctx, "counting runs", err)
	}

	return n, nil
}

func (s *sqlStore) GetRun(ctx context.Context, f Filter) (*run.Run, error) {
	runs, err := s.FindRuns(ctx, Query{Filter: f, Limit: 1})
	if err != nil {
		return nil, err
	}

	if len(runs) == 0 {
		return nil, ErrNotFound
	}

	return &runs[0], nil
}

func (s *sqlStore) GetEvents(ctx context.Context, f Filter) ([]run.Event, error) {
	var row runRow

	err := s.applyFilter(s.db.WithContext(ctx).Model(&runRow{}), f).
		Select("runid").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	var rows []eventRow
	if err := s.db.WithContext(ctx).
		Where("runid = ?", row.RunID).
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}

	events := make([]run.Event, 0, len(rows))
	for _, r := range rows {
		events = append(events, r.Body)
	}

	return events, nil
}

func (s *sqlStore) ListTraces(ctx context.Context, f Filter) ([]RunTraces, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	var rows []runRow
	if err := s.applyFilter(s.db.WithContext(ctx).Model(&runRow{}), f).
		Select("runid", "portal_run_id").
		Order("runid ASC").
		Find(&rows).Error; err != nil {
		return nil, queryError(ctx, "listing traced runs", err)
	}

	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(rows))
	for i := range rows {
		ids = append(ids, rows[i].RunID)
	}

	var spans []spanRow
	if err := s.db.WithContext(ctx).
		Where("runid IN ?", ids).
		Order("id ASC").
		Find(&spans).Error; err != nil {
		return nil, queryError(ctx, "listing spans", err)
	}

	byRun := make(map[int64][]run.Span, len(rows))
	for _, sp := range spans {
		byRun[sp.RunID] = append(byRun[sp.RunID], sp.Body)
	}

	out := make([]RunTraces, 0, len(rows))
	for i := range rows {
		traces := byRun[rows[i].RunID]
		if traces == nil {
			traces = []run.Span{}
		}

		out = append(out, RunTraces{PortalRunID: rows[i].PortalRunID, Traces: traces})
	}

	return out, nil
}

func (s *sqlStore) applyFilter(tx *gorm.DB, f Filter) *gorm.DB {
	if f.RunID != nil {
		tx = tx.Where("runid = ?", *f.RunID)
	}

	if f.PortalRunID != nil {
		tx = tx.Where("portal_run_id = ?", *f.PortalRunID)
	}

	if f.ParentPortalRunID != nil {
		tx = tx.Where("parent_portal_run_id = ?", *f.ParentPortalRunID)
	}

	if f.RootOnly {
		tx = tx.Where("parent_portal_run_id IS NULL")
	}

	for _, term := range f.Search {
		pattern := "%" + likeEscaper.Replace(strings.ToLower(term)) + "%"

		var ors []clause.Expression

		for _, field := range f.SearchFields {
			col, ok := sqlColumns[field]
			if !ok {
				continue
			}

			ors = append(ors, clause.Expr{
				SQL:  `LOWER(?) LIKE ? ESCAPE '\'`,
				Vars: []any{clause.Column{Name: col}, pattern},
			})
		}

		if len(ors) == 0 {
			continue
		}

		tx = tx.Clauses(clause.Where{Exprs: []clause.Expression{clause.Or(ors...)}})
	}

	return tx
}

// --- Data records ---

func (s *sqlStore) GetData(
	ctx context.Context, portalRunID string,
) (*run.DataRecord, error) {
	var row dataRow

	err := s.db.WithContext(ctx).
		Where("portal_run_id = ?", portalRunID).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting data record: %w", err)
	}

	return row.toRecord(), nil
}

func (s *sqlStore) ListDataPortalRunIDs(ctx context.Context) ([]string, error) {
	ids := []string{}
	if err := s.db.WithContext(ctx).
		Model(&dataRow{}).
		Order("runid ASC").
		Pluck("portal_run_id", &ids).Error; err != nil {
		return nil, fmt.Errorf("listing data records: %w", err)
	}

	return ids, nil
}

func (s *sqlStore) AddDataTag(
	ctx context.Context, runID int64, portalRunID string, tag run.DataTag,
) error {
	return s.upsertData(ctx, runID, portalRunID, func(d *dataRow) {
		d.Tags = append(d.Tags, tag)
	})
}

func (s *sqlStore) AddJupyterURL(
	ctx context.Context, runID int64, portalRunID, url string,
) error {
	return s.upsertData(ctx, runID, portalRunID, func(d *dataRow) {
		d.JupyterURLs = append(d.JupyterURLs, url)
	})
}

func (s *sqlStore) AddEnsemble(
	ctx context.Context, runID int64, portalRunID string, e run.Ensemble,
) error {
	return s.upsertData(ctx, runID, portalRunID, func(d *dataRow) {
		d.Ensembles = append(d.Ensembles, e)
	})
}

func (s *sqlStore) GetEnsembles(
	ctx context.Context, runID int64, ensembleID string,
) ([]run.Ensemble, error) {
	var row dataRow

	err := s.db.WithContext(ctx).Where("runid = ?", runID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting data record: %w", err)
	}

	var out []run.Ensemble

	for _, e := range row.Ensembles {
		if e.EnsembleID == ensembleID {
			out = append(out, e)
		}
	}

	return out, nil
}

// upsertData applies mutate to the data record of runID, creating the
// record on first use.
func (s *sqlStore) upsertData(
	ctx context.Context, runID int64, portalRunID string, mutate func(*dataRow),
) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row dataRow

		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("runid = ?", runID).
			Take(&row).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row = dataRow{RunID: runID, PortalRunID: portalRunID}
			mutate(&row)

			return tx.Create(&row).Error
		case err != nil:
			return err
		}

		if row.PortalRunID == "" {
			row.PortalRunID = portalRunID
		}

		mutate(&row)

		return tx.Model(&dataRow{}).
			Where("runid = ?", runID).
			Select("*").
			Updates(&row).Error
	})
	if err != nil {
		return fmt.Errorf("updating data record: %w", err)
	}

	return nil
}

// isDuplicate reports whether err is a unique constraint violation.
func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
