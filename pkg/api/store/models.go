package store

import (
	"math"
	"strconv"
	"time"

	"github.com/ipsframework/ipsportal/pkg/run"
)

// runRow is the relational form of a run. The sortable properties are
// promoted to columns so they can be ordered and searched; Fields keeps the
// full allow-listed document.
type runRow struct {
	RunID             int64      `gorm:"column:runid;primaryKey;autoIncrement:false"`
	PortalRunID       string     `gorm:"column:portal_run_id;uniqueIndex;not null"`
	ParentPortalRunID *string    `gorm:"column:parent_portal_run_id;index"`
	State             string     `gorm:"column:state;index"`
	RComment          string     `gorm:"column:rcomment"`
	SimName           string     `gorm:"column:simname"`
	Host              string     `gorm:"column:host"`
	User              string     `gorm:"column:user"`
	StartAt           string     `gorm:"column:startat"`
	StopAt            string     `gorm:"column:stopat"`
	Walltime          string     `gorm:"column:walltime"`
	WalltimeNum       *float64   `gorm:"column:walltime_num;index"`
	Fields            run.Fields `gorm:"column:fields;serializer:json"`
	HasTrace          bool       `gorm:"column:has_trace;not null;default:false"`
	LastModified      *time.Time `gorm:"column:last_modified"`
}

func (runRow) TableName() string { return "runs" }

// setFields replaces the run document and refreshes the promoted columns.
func (r *runRow) setFields(f run.Fields) {
	r.Fields = f
	r.State = f.String(run.KeyState)
	r.RComment = f.String("rcomment")
	r.SimName = f.String(run.KeySimName)
	r.Host = f.String("host")
	r.User = f.String(run.KeyUser)
	r.StartAt = f.String("startat")
	r.StopAt = f.String(run.KeyStopAt)
	r.Walltime = f.String(run.KeyWalltime)
	r.WalltimeNum = numeric(f[run.KeyWalltime])

	r.ParentPortalRunID = nil
	if p := f.String(run.KeyParentPortalRunID); p != "" {
		r.ParentPortalRunID = &p
	}
}

// numeric returns v as a finite number when it is one, or a string that
// parses as one. Wall times arrive as either.
func numeric(v any) *float64 {
	var f float64

	switch t := v.(type) {
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return nil
		}

		f = parsed
	default:
		return nil
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}

	return &f
}

func (r *runRow) toRun() run.Run {
	fields := r.Fields
	if fields == nil {
		fields = run.Fields{}
	}

	return run.Run{
		RunID:        r.RunID,
		PortalRunID:  r.PortalRunID,
		Fields:       fields,
		HasTrace:     r.HasTrace,
		LastModified: r.LastModified,
	}
}

// eventRow stores one event. Rows are only ever inserted, so the
// auto-increment id is the run's append order.
type eventRow struct {
	ID    uint64    `gorm:"column:id;primaryKey"`
	RunID int64     `gorm:"column:runid;index;not null"`
	Body  run.Event `gorm:"column:body;serializer:json"`
}

func (eventRow) TableName() string { return "run_events" }

type spanRow struct {
	ID    uint64   `gorm:"column:id;primaryKey"`
	RunID int64    `gorm:"column:runid;index;not null"`
	Body  run.Span `gorm:"column:body;serializer:json"`
}

func (spanRow) TableName() string { return "run_spans" }

type counterRow struct {
	Name  string `gorm:"column:name;primaryKey"`
	Value int64  `gorm:"column:value;not null"`
}

func (counterRow) TableName() string { return "counters" }

type dataRow struct {
	RunID       int64          `gorm:"column:runid;primaryKey;autoIncrement:false"`
	PortalRunID string         `gorm:"column:portal_run_id;index"`
	Tags        []run.DataTag  `gorm:"column:tags;serializer:json"`
	JupyterURLs []string       `gorm:"column:jupyter_urls;serializer:json"`
	Ensembles   []run.Ensemble `gorm:"column:ensembles;serializer:json"`
}

func (dataRow) TableName() string { return "data" }

func (d *dataRow) toRecord() *run.DataRecord {
	rec := &run.DataRecord{
		RunID:       d.RunID,
		PortalRunID: d.PortalRunID,
		Tags:        d.Tags,
		JupyterURLs: d.JupyterURLs,
		Ensembles:   d.Ensembles,
	}

	if rec.Tags == nil {
		rec.Tags = []run.DataTag{}
	}

	if rec.JupyterURLs == nil {
		rec.JupyterURLs = []string{}
	}

	if rec.Ensembles == nil {
		rec.Ensembles = []run.Ensemble{}
	}

	return rec
}
