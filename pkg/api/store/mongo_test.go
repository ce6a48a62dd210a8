package store

import (
	"context"
	"testing"
	"time"

	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

var mongoTestNow = time.Date(2024, 5, 3, 18, 0, 0, 0, time.UTC)

func newMockStore(mt *mtest.T) *mongoStore {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	s := newMongoStore(log, nil, run.Projector{
		Threshold: run.DefaultTimeoutThreshold,
		Now:       func() time.Time { return mongoTestNow },
	}, time.Second)
	s.attach(mt.DB)

	return s
}

func runNamespace(mt *mtest.T) string {
	return mt.DB.Name() + "." + runCollection
}

func TestMongoStore_NextRunID(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("first id is zero", func(mt *mtest.T) {
		s := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(bson.E{
			Key:   "value",
			Value: bson.D{{Key: "_id", Value: "runid"}, {Key: "seq", Value: int64(1)}},
		}))

		id, err := s.NextRunID(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(0), id)
	})

	mt.Run("command error", func(mt *mtest.T) {
		s := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    2,
			Message: "bad value",
		}))

		_, err := s.NextRunID(context.Background())
		require.Error(t, err)
	})
}

func TestMongoStore_CreateRun(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	r := &run.Run{
		RunID:       0,
		PortalRunID: "r1",
		Fields:      run.Fields{run.KeyState: run.StateRunning},
		Events:      []run.Event{{run.KeyEventType: run.EventTypeStart}},
	}

	mt.Run("created", func(mt *mtest.T) {
		s := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse())

		require.NoError(t, s.CreateRun(context.Background(), r))
	})

	mt.Run("duplicate portal_runid", func(mt *mtest.T) {
		s := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "E11000 duplicate key error collection: portal.run index: portal_runid_1",
		}))

		err := s.CreateRun(context.Background(), r)
		require.ErrorIs(t, err, ErrDuplicatePortalRunID)
	})
}

func TestMongoStore_AppendEvent(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	a := Append{
		Event:  run.Event{run.KeyEventType: "IPS_CALL_END"},
		Fields: run.Fields{run.KeyWalltime: "1.0"},
		Span:   run.Span{"traceId": "T"},
		At:     mongoTestNow,
	}

	tests := []struct {
		name     string
		modified int
	}{
		{name: "running run is updated", modified: 1},
		{name: "finalized or unknown run is not", modified: 0},
	}

	for _, tt := range tests {
		mt.Run(tt.name, func(mt *mtest.T) {
			s := newMockStore(mt)
			mt.AddMockResponses(mtest.CreateSuccessResponse(
				bson.E{Key: "n", Value: tt.modified},
				bson.E{Key: "nModified", Value: tt.modified},
			))

			n, err := s.AppendEvent(context.Background(), "r1", run.StateRunning, a)
			require.NoError(t, err)
			assert.Equal(t, int64(tt.modified), n)
		})
	}
}

func TestMongoStore_FindRunsProjects(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("stale running run is listed as timed out", func(mt *mtest.T) {
		s := newMockStore(mt)

		stale := primitive.NewDateTimeFromTime(mongoTestNow.Add(-4 * time.Hour))
		fresh := primitive.NewDateTimeFromTime(mongoTestNow.Add(-2 * time.Hour))

		mt.AddMockResponses(mtest.CreateCursorResponse(0, runNamespace(mt), mtest.FirstBatch,
			bson.D{
				{Key: "runid", Value: int64(1)},
				{Key: "portal_runid", Value: "stale"},
				{Key: "state", Value: run.StateRunning},
				{Key: "host", Value: "cori"},
				{Key: "has_trace", Value: true},
				{Key: "lastModified", Value: stale},
				{Key: lastEventTimeKey, Value: "2024-05-03|14:00:00UTC"},
			},
			bson.D{
				{Key: "runid", Value: int32(0)},
				{Key: "portal_runid", Value: "fresh"},
				{Key: "state", Value: run.StateRunning},
				{Key: "stopat", Value: "stored"},
				{Key: "lastModified", Value: fresh},
				{Key: "tags", Value: bson.D{{Key: "a", Value: bson.A{"x"}}}},
				{Key: lastEventTimeKey, Value: "2024-05-03|16:00:00UTC"},
			},
		))

		runs, err := s.FindRuns(context.Background(), Query{Filter: Roots(), Limit: 100})
		require.NoError(t, err)
		require.Len(t, runs, 2)

		assert.Equal(t, int64(1), runs[0].RunID)
		assert.Equal(t, "stale", runs[0].PortalRunID)
		assert.Equal(t, run.StateTimeout, runs[0].State())
		assert.Equal(t, "2024-05-03|14:00:00UTC", runs[0].Fields[run.KeyStopAt])
		assert.True(t, runs[0].HasTrace)
		assert.NotContains(t, runs[0].Fields, lastEventTimeKey)

		assert.Equal(t, int64(0), runs[1].RunID)
		assert.Equal(t, run.StateRunning, runs[1].State())
		assert.Equal(t, "stored", runs[1].Fields[run.KeyStopAt])
		assert.Equal(t, map[string]any{"a": []any{"x"}}, runs[1].Fields["tags"])
	})

	mt.Run("get run not found", func(mt *mtest.T) {
		s := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, runNamespace(mt), mtest.FirstBatch))

		_, err := s.GetRun(context.Background(), ByRunID(9))
		require.ErrorIs(t, err, ErrNotFound)
	})

	mt.Run("time limit exceeded", func(mt *mtest.T) {
		s := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCommandErrorResponse(mtest.CommandError{
			Code:    50,
			Name:    "MaxTimeMSExpired",
			Message: "operation exceeded time limit",
		}))

		_, err := s.FindRuns(context.Background(), Query{})
		require.ErrorIs(t, err, ErrQueryTimeout)
	})
}

func TestMongoStore_GetEvents(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("events in append order", func(mt *mtest.T) {
		s := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, runNamespace(mt), mtest.FirstBatch,
			bson.D{{Key: "events", Value: bson.A{
				bson.D{{Key: "eventtype", Value: run.EventTypeStart}, {Key: "seqnum", Value: int32(0)}},
				bson.D{{Key: "eventtype", Value: run.EventTypeEnd}, {Key: "seqnum", Value: int32(1)}},
			}}},
		))

		events, err := s.GetEvents(context.Background(), ByRunID(0))
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.True(t, events[0].IsStart())
		assert.True(t, events[1].IsEnd())
	})

	mt.Run("unknown run", func(mt *mtest.T) {
		s := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, runNamespace(mt), mtest.FirstBatch))

		_, err := s.GetEvents(context.Background(), ByPortalRunID("nope"))
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMongoStore_ListTraces(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("spans per run", func(mt *mtest.T) {
		s := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, runNamespace(mt), mtest.FirstBatch,
			bson.D{
				{Key: "portal_runid", Value: "c1"},
				{Key: "traces", Value: bson.A{
					bson.D{
						{Key: "traceId", Value: "T2"},
						{Key: "localEndpoint", Value: bson.D{{Key: "serviceName", Value: "worker"}}},
					},
				}},
			},
			bson.D{{Key: "portal_runid", Value: "c2"}},
		))

		got, err := s.ListTraces(context.Background(), ChildrenOf("p"))
		require.NoError(t, err)
		require.Len(t, got, 2)

		require.Len(t, got[0].Traces, 1)
		assert.Equal(t, "T2", got[0].Traces[0].TraceID())
		assert.Equal(t, "worker", got[0].Traces[0].ServiceName())
		assert.Equal(t, "c2", got[1].PortalRunID)
		assert.Empty(t, got[1].Traces)
	})
}

func TestMongoStore_DataRecords(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))
	dataNS := func(mt *mtest.T) string { return mt.DB.Name() + "." + dataCollection }

	mt.Run("get data", func(mt *mtest.T) {
		s := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, dataNS(mt), mtest.FirstBatch,
			bson.D{
				{Key: "runid", Value: int64(3)},
				{Key: "portal_runid", Value: "r3"},
				{Key: "jupyter_urls", Value: bson.A{"http://jupyter/a"}},
			},
		))

		rec, err := s.GetData(context.Background(), "r3")
		require.NoError(t, err)
		assert.Equal(t, int64(3), rec.RunID)
		assert.Equal(t, []string{"http://jupyter/a"}, rec.JupyterURLs)
		assert.Empty(t, rec.Tags)
		assert.NotNil(t, rec.Ensembles)
	})

	mt.Run("add jupyter url upserts", func(mt *mtest.T) {
		s := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateSuccessResponse(
			bson.E{Key: "n", Value: 1},
			bson.E{Key: "nModified", Value: 0},
			bson.E{Key: "upserted", Value: bson.A{
				bson.D{{Key: "index", Value: 0}, {Key: "_id", Value: primitive.NewObjectID()}},
			}},
		))

		require.NoError(t, s.AddJupyterURL(context.Background(), 3, "r3", "http://jupyter/b"))
	})

	mt.Run("ensembles filtered by id", func(mt *mtest.T) {
		s := newMockStore(mt)
		mt.AddMockResponses(mtest.CreateCursorResponse(0, dataNS(mt), mtest.FirstBatch,
			bson.D{
				{Key: "runid", Value: int64(3)},
				{Key: "ensembles", Value: bson.A{
					bson.D{{Key: "ensemble_id", Value: "e1"}, {Key: "path", Value: "/a.csv"}},
					bson.D{{Key: "ensemble_id", Value: "e2"}, {Key: "path", Value: "/b.csv"}},
				}},
			},
		))

		got, err := s.GetEnsembles(context.Background(), 3, "e2")
		require.NoError(t, err)
		assert.Equal(t, []run.Ensemble{{EnsembleID: "e2", Path: "/b.csv"}}, got)
	})
}

func TestMongoFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		want   bson.M
	}{
		{name: "empty", filter: Filter{}, want: bson.M{}},
		{name: "by runid", filter: ByRunID(4), want: bson.M{"runid": int64(4)}},
		{name: "roots", filter: Roots(), want: bson.M{"parent_portal_runid": nil}},
		{
			name:   "children take precedence over roots",
			filter: Filter{RootOnly: true, ParentPortalRunID: ChildrenOf("p").ParentPortalRunID},
			want:   bson.M{"parent_portal_runid": "p"},
		},
		{
			name:   "search terms are quoted",
			filter: Filter{}.WithSearch([]string{"a.b"}, []string{"host", "user"}),
			want: bson.M{"$and": bson.A{
				bson.M{"$or": bson.A{
					bson.M{"host": bson.M{"$regex": `a\.b`, "$options": "i"}},
					bson.M{"user": bson.M{"$regex": `a\.b`, "$options": "i"}},
				}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mongoFilter(tt.filter))
		})
	}
}

func TestMongoSort(t *testing.T) {
	assert.Equal(t, bson.D{{Key: "runid", Value: -1}}, mongoSort(nil))
	assert.Equal(t,
		bson.D{{Key: "simname", Value: 1}, {Key: "runid", Value: 1}},
		mongoSort([]SortField{{Field: "simname"}, {Field: "events"}}),
	)
}
