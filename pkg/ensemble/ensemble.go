// Package ensemble maintains the per-ensemble CSV tables that map a parent
// run's ensemble members (by simname) to the child runs executing them.
package ensemble

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/ipsframework/ipsportal/pkg/api/store"
	"github.com/ipsframework/ipsportal/pkg/fsutil"
	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/sirupsen/logrus"
)

// Columns prepended to every uploaded ensemble table. The caller's first
// column (index 3 after prefixing) must be the member's simname.
var linkColumns = []string{"portal_runid", "run_url", "instance_analysis_url"}

const (
	placeholder  = "?"
	simNameCol   = 3
	lockRetry    = 50 * time.Millisecond
	ensemblesDir = "ensembles"
)

var (
	// ErrInvalidEnsembleID is returned for ids that cannot be used as a
	// file name.
	ErrInvalidEnsembleID = errors.New("invalid ensemble id")

	// ErrEmptyTable is returned when an uploaded table has no header row.
	ErrEmptyTable = errors.New("ensemble table is empty")

	// ErrMalformedTable is returned when an uploaded table is not valid CSV.
	ErrMalformedTable = errors.New("ensemble table is not valid CSV")

	// ErrNoEnsemble is returned when the parent has no registered table for
	// the member's ensemble.
	ErrNoEnsemble = errors.New("ensemble not registered for parent run")

	// ErrMemberNotFound is returned when no row matches the member's simname.
	ErrMemberNotFound = errors.New("simname not found in ensemble table")
)

// Member identifies a child run created as part of an ensemble.
type Member struct {
	RunID             int64
	ParentPortalRunID string
	EnsembleID        string
	SimName           string
	User              string

	// BaseURL is the portal root the run link is built from.
	BaseURL string
}

// MemberOf extracts ensemble membership from a new run's fields. The run
// must carry an ensemble id, a parent, a simname and a user.
func MemberOf(runID int64, fields run.Fields, baseURL string) (Member, bool) {
	m := Member{
		RunID:             runID,
		ParentPortalRunID: fields.String(run.KeyParentPortalRunID),
		EnsembleID:        fields.String(run.KeyEnsembleID),
		SimName:           fields.String(run.KeySimName),
		User:              fields.String(run.KeyUser),
		BaseURL:           strings.TrimRight(baseURL, "/"),
	}

	if m.ParentPortalRunID == "" || m.EnsembleID == "" || m.SimName == "" || m.User == "" {
		return Member{}, false
	}

	return m, true
}

// Lookup resolves parent runs and their registered ensembles.
type Lookup interface {
	GetRun(ctx context.Context, f store.Filter) (*run.Run, error)
	GetEnsembles(ctx context.Context, runID int64, ensembleID string) ([]run.Ensemble, error)
}

// Manager writes ensemble tables below a root directory, laid out as
// <dir>/<parent runid>/ensembles/<ensemble id>.csv.
type Manager struct {
	log           logrus.FieldLogger
	dir           string
	jupyterPrefix string
	lookup        Lookup
	owner         *fsutil.Owner
}

// Option configures a Manager.
type Option func(*Manager)

// WithOwner hands every directory and table the Manager writes to owner.
func WithOwner(owner *fsutil.Owner) Option {
	return func(m *Manager) {
		m.owner = owner
	}
}

// NewManager creates a Manager.
func NewManager(
	log logrus.FieldLogger, dir, jupyterPrefix string, lookup Lookup, opts ...Option,
) *Manager {
	m := &Manager{
		log:           log.WithField("component", "ensemble"),
		dir:           dir,
		jupyterPrefix: strings.TrimRight(jupyterPrefix, "/"),
		lookup:        lookup,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Path returns the table location for ensembleID of parentRunID.
func (m *Manager) Path(parentRunID int64, ensembleID string) (string, error) {
	if ensembleID == "" ||
		ensembleID != filepath.Base(ensembleID) ||
		ensembleID == "." || ensembleID == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidEnsembleID, ensembleID)
	}

	return filepath.Join(
		m.dir, strconv.FormatInt(parentRunID, 10), ensemblesDir, ensembleID+".csv",
	), nil
}

// SaveInitial writes the uploaded table for a parent run with the link
// columns prepended and filled with placeholders, and returns its path.
func (m *Manager) SaveInitial(parentRunID int64, ensembleID string, table []byte) (string, error) {
	path, err := m.Path(parentRunID, ensembleID)
	if err != nil {
		return "", err
	}

	rows, err := csv.NewReader(bytes.NewReader(table)).ReadAll()
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMalformedTable, err)
	}

	if len(rows) == 0 {
		return "", ErrEmptyTable
	}

	out := make([][]string, 0, len(rows))
	out = append(out, append(append([]string{}, linkColumns...), rows[0]...))

	for _, row := range rows[1:] {
		out = append(out, append([]string{placeholder, placeholder, placeholder}, row...))
	}

	if err := fsutil.MkdirAll(filepath.Dir(path), 0o755, m.owner); err != nil {
		return "", fmt.Errorf("creating ensemble directory: %w", err)
	}

	if err := m.writeTable(path, out); err != nil {
		return "", err
	}

	m.log.WithFields(logrus.Fields{
		"runid":       parentRunID,
		"ensemble_id": ensembleID,
		"members":     len(out) - 1,
	}).Info("Saved ensemble table")

	return path, nil
}

// Link records a new child run in its parent's ensemble table.
func (m *Manager) Link(ctx context.Context, member Member) error {
	parent, err := m.lookup.GetRun(ctx, store.ByPortalRunID(member.ParentPortalRunID))
	if err != nil {
		return fmt.Errorf("resolving parent %s: %w", member.ParentPortalRunID, err)
	}

	ensembles, err := m.lookup.GetEnsembles(ctx, parent.RunID, member.EnsembleID)
	if err != nil {
		return fmt.Errorf("looking up ensemble %s: %w", member.EnsembleID, err)
	}

	if len(ensembles) == 0 {
		return fmt.Errorf("%w: %s", ErrNoEnsemble, member.EnsembleID)
	}

	return m.UpdateMember(ctx, ensembles[0].Path, member)
}

// UpdateMember fills the link columns of the row whose simname matches
// member. The table is rewritten under an exclusive lock so concurrent
// children of one ensemble do not lose each other's updates.
func (m *Manager) UpdateMember(ctx context.Context, path string, member Member) error {
	lock := flock.New(path + ".lock")

	locked, err := lock.TryLockContext(ctx, lockRetry)
	if err != nil {
		return fmt.Errorf("locking ensemble table: %w", err)
	}

	if !locked {
		return fmt.Errorf("locking ensemble table: %w", ctx.Err())
	}

	defer func() {
		if err := lock.Unlock(); err != nil {
			m.log.WithError(err).WithField("path", path).Warn("Failed to unlock ensemble table")
		}
	}()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening ensemble table: %w", err)
	}

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	rows, err := r.ReadAll()
	_ = f.Close()

	if err != nil {
		return fmt.Errorf("parsing ensemble table: %w", err)
	}

	runID := strconv.FormatInt(member.RunID, 10)
	found := false

	for _, row := range rows[min(1, len(rows)):] {
		if len(row) <= simNameCol || row[simNameCol] != member.SimName {
			continue
		}

		row[0] = runID
		row[1] = member.BaseURL + "/" + runID
		row[2] = m.jupyterPrefix + "/" + member.User + "/" + runID
		found = true
	}

	if !found {
		return fmt.Errorf("%w: %s", ErrMemberNotFound, member.SimName)
	}

	if err := m.writeTable(path, rows); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"runid":   member.RunID,
		"simname": member.SimName,
		"path":    path,
	}).Debug("Linked ensemble member")

	return nil
}

// writeTable replaces path atomically.
func (m *Manager) writeTable(path string, rows [][]string) error {
	return fsutil.WriteAtomic(path, 0o644, m.owner, func(w io.Writer) error {
		cw := csv.NewWriter(w)
		if err := cw.WriteAll(rows); err != nil {
			return fmt.Errorf("writing ensemble table: %w", err)
		}

		return nil
	})
}
