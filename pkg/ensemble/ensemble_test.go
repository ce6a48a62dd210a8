package ensemble

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ipsframework/ipsportal/pkg/api/store"
	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

type fakeLookup struct {
	runs      map[string]int64
	ensembles map[string][]run.Ensemble
}

func (f *fakeLookup) GetRun(_ context.Context, flt store.Filter) (*run.Run, error) {
	id, ok := f.runs[*flt.PortalRunID]
	if !ok {
		return nil, store.ErrNotFound
	}

	return &run.Run{RunID: id, PortalRunID: *flt.PortalRunID}, nil
}

func (f *fakeLookup) GetEnsembles(_ context.Context, runID int64, ensembleID string) ([]run.Ensemble, error) {
	return f.ensembles[fmt.Sprintf("%d/%s", runID, ensembleID)], nil
}

func newTestManager(t *testing.T, lookup Lookup) *Manager {
	t.Helper()

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return NewManager(log, t.TempDir(), "https://jupyter.example/user/", lookup)
}

func readTable(t *testing.T, path string) [][]string {
	t.Helper()

	f, err := os.Open(path)
	require.NoError(t, err)

	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	return rows
}

const initialTable = "simname,alpha,beta\nsim_a,1,2\nsim_b,3,4\n"

func TestMemberOf(t *testing.T) {
	full := run.Fields{
		run.KeyParentPortalRunID: "parent",
		run.KeyEnsembleID:        "scan",
		run.KeySimName:           "sim_a",
		run.KeyUser:              "alice",
	}

	m, ok := MemberOf(7, full, "https://portal.example/")
	require.True(t, ok)
	assert.Equal(t, Member{
		RunID:             7,
		ParentPortalRunID: "parent",
		EnsembleID:        "scan",
		SimName:           "sim_a",
		User:              "alice",
		BaseURL:           "https://portal.example",
	}, m)

	for _, key := range []string{
		run.KeyParentPortalRunID, run.KeyEnsembleID, run.KeySimName, run.KeyUser,
	} {
		t.Run("without "+key, func(t *testing.T) {
			f := full.Clone()
			delete(f, key)

			_, ok := MemberOf(7, f, "")
			assert.False(t, ok)
		})
	}
}

func TestManager_Path(t *testing.T) {
	m := newTestManager(t, nil)

	tests := []struct {
		name       string
		ensembleID string
		wantErr    bool
	}{
		{name: "plain", ensembleID: "scan"},
		{name: "empty", ensembleID: "", wantErr: true},
		{name: "traversal", ensembleID: "../x", wantErr: true},
		{name: "nested", ensembleID: "a/b", wantErr: true},
		{name: "dotdot", ensembleID: "..", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := m.Path(12, tt.ensembleID)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidEnsembleID)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, filepath.Join(m.dir, "12", "ensembles", "scan.csv"), path)
		})
	}
}

func TestManager_SaveInitial(t *testing.T) {
	m := newTestManager(t, nil)

	path, err := m.SaveInitial(3, "scan", []byte(initialTable))
	require.NoError(t, err)

	assert.Equal(t, [][]string{
		{"portal_runid", "run_url", "instance_analysis_url", "simname", "alpha", "beta"},
		{"?", "?", "?", "sim_a", "1", "2"},
		{"?", "?", "?", "sim_b", "3", "4"},
	}, readTable(t, path))

	_, err = m.SaveInitial(3, "empty", nil)
	require.ErrorIs(t, err, ErrEmptyTable)

	_, err = m.SaveInitial(3, "ragged", []byte("simname,alpha\nsim_a\n"))
	require.ErrorIs(t, err, ErrMalformedTable)
}

func TestManager_Link(t *testing.T) {
	lookup := &fakeLookup{
		runs:      map[string]int64{"parent": 3},
		ensembles: map[string][]run.Ensemble{},
	}

	m := newTestManager(t, lookup)

	path, err := m.SaveInitial(3, "scan", []byte(initialTable))
	require.NoError(t, err)

	lookup.ensembles["3/scan"] = []run.Ensemble{{EnsembleID: "scan", Path: path}}

	member := Member{
		RunID:             9,
		ParentPortalRunID: "parent",
		EnsembleID:        "scan",
		SimName:           "sim_b",
		User:              "alice",
		BaseURL:           "https://portal.example",
	}

	require.NoError(t, m.Link(context.Background(), member))

	rows := readTable(t, path)
	assert.Equal(t, []string{"?", "?", "?", "sim_a", "1", "2"}, rows[1])
	assert.Equal(t, []string{
		"9",
		"https://portal.example/9",
		"https://jupyter.example/user/alice/9",
		"sim_b", "3", "4",
	}, rows[2])

	tests := []struct {
		name    string
		mutate  func(*Member)
		wantErr error
	}{
		{
			name:    "unknown parent",
			mutate:  func(m *Member) { m.ParentPortalRunID = "nope" },
			wantErr: store.ErrNotFound,
		},
		{
			name:    "unregistered ensemble",
			mutate:  func(m *Member) { m.EnsembleID = "other" },
			wantErr: ErrNoEnsemble,
		},
		{
			name:    "unknown simname",
			mutate:  func(m *Member) { m.SimName = "sim_z" },
			wantErr: ErrMemberNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mm := member
			tt.mutate(&mm)

			require.ErrorIs(t, m.Link(context.Background(), mm), tt.wantErr)
		})
	}
}

func TestManager_UpdateMemberConcurrent(t *testing.T) {
	m := newTestManager(t, nil)

	const n = 20

	table := "simname\n"
	for i := 0; i < n; i++ {
		table += fmt.Sprintf("sim_%d\n", i)
	}

	path, err := m.SaveInitial(1, "scan", []byte(table))
	require.NoError(t, err)

	var g errgroup.Group

	for i := 0; i < n; i++ {
		g.Go(func() error {
			return m.UpdateMember(context.Background(), path, Member{
				RunID:   int64(100 + i),
				SimName: fmt.Sprintf("sim_%d", i),
				User:    "bob",
				BaseURL: "http://portal",
			})
		})
	}

	require.NoError(t, g.Wait())

	rows := readTable(t, path)
	require.Len(t, rows, n+1)

	for i, row := range rows[1:] {
		assert.Equal(t, fmt.Sprintf("%d", 100+i), row[0], "row %d", i)
	}
}
