package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/ipsframework/ipsportal/pkg/config"
	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/sirupsen/logrus"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"golang.org/x/sync/errgroup"
)

// Collection names.
const (
	runCollection     = "run"
	dataCollection    = "data"
	counterCollection = "counters"
)

// lastEventTimeKey is the pipeline-computed time of a run's last event.
const lastEventTimeKey = "_last_event_time"

// Compile-time interface check.
var _ Store = (*mongoStore)(nil)

type mongoStore struct {
	log          logrus.FieldLogger
	cfg          *config.MongoConfig
	projector    run.Projector
	queryTimeout time.Duration

	client   *mongo.Client
	runs     *mongo.Collection
	data     *mongo.Collection
	counters *mongo.Collection
}

func newMongoStore(
	log logrus.FieldLogger,
	cfg *config.MongoConfig,
	projector run.Projector,
	queryTimeout time.Duration,
) *mongoStore {
	return &mongoStore{
		log:          log.WithField("component", "store"),
		cfg:          cfg,
		projector:    projector,
		queryTimeout: queryTimeout,
	}
}

// attach points the store at db's collections.
func (s *mongoStore) attach(db *mongo.Database) {
	s.runs = db.Collection(runCollection)
	s.data = db.Collection(dataCollection)
	s.counters = db.Collection(counterCollection)
}

// Start connects to MongoDB and ensures the run and data indexes exist.
func (s *mongoStore) Start(ctx context.Context) error {
	opts := options.Client().ApplyURI(s.cfg.URI)
	if s.cfg.Username != "" {
		opts.SetAuth(options.Credential{
			Username: s.cfg.Username,
			Password: s.cfg.Password,
		})
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return fmt.Errorf("connecting to mongodb: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)

		return fmt.Errorf("pinging mongodb: %w", err)
	}

	s.client = client
	s.attach(client.Database(s.cfg.Database))

	if err := s.ensureIndexes(ctx); err != nil {
		return err
	}

	s.log.WithField("database", s.cfg.Database).Info("Database connected")

	return nil
}

func (s *mongoStore) ensureIndexes(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := s.runs.Indexes().CreateMany(gctx, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "runid", Value: -1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys:    bson.D{{Key: run.KeyPortalRunID, Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{
				Keys: bson.D{{Key: run.KeyParentPortalRunID, Value: 1}},
			},
		})
		if err != nil {
			return fmt.Errorf("creating run indexes: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		_, err := s.data.Indexes().CreateMany(gctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "runid", Value: 1}}},
			{Keys: bson.D{{Key: run.KeyPortalRunID, Value: 1}}},
		})
		if err != nil {
			return fmt.Errorf("creating data indexes: %w", err)
		}

		return nil
	})

	return g.Wait()
}

// Stop disconnects from MongoDB.
func (s *mongoStore) Stop() error {
	if s.client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.client.Disconnect(ctx)
}

// NextRunID increments the runid counter document, creating it on first use.
func (s *mongoStore) NextRunID(ctx context.Context) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}

	err := s.counters.FindOneAndUpdate(
		ctx,
		bson.M{"_id": runIDCounter},
		bson.M{"$inc": bson.M{"seq": 1}},
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, fmt.Errorf("allocating run id: %w", err)
	}

	return doc.Seq - 1, nil
}

func (s *mongoStore) CreateRun(ctx context.Context, r *run.Run) error {
	doc := bson.M{}
	for k, v := range r.Fields {
		doc[k] = v
	}

	events := r.Events
	if events == nil {
		events = []run.Event{}
	}

	traces := r.Traces
	if traces == nil {
		traces = []run.Span{}
	}

	doc["runid"] = r.RunID
	doc[run.KeyPortalRunID] = r.PortalRunID
	doc["events"] = events
	doc["traces"] = traces
	doc["has_trace"] = len(traces) > 0

	if r.LastModified != nil {
		doc["lastModified"] = *r.LastModified
	}

	if _, err := s.runs.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicatePortalRunID
		}

		return fmt.Errorf("creating run: %w", err)
	}

	return nil
}

func (s *mongoStore) AppendEvent(
	ctx context.Context, portalRunID, state string, a Append,
) (int64, error) {
	set := bson.M{}
	for k, v := range a.Fields {
		set[k] = v
	}

	set["lastModified"] = a.At

	push := bson.M{"events": a.Event}
	if a.Span != nil {
		push["traces"] = a.Span
		set["has_trace"] = true
	}

	res, err := s.runs.UpdateOne(
		ctx,
		bson.M{run.KeyPortalRunID: portalRunID, run.KeyState: state},
		bson.M{"$push": push, "$set": set},
	)
	if err != nil {
		return 0, fmt.Errorf("appending event: %w", err)
	}

	return res.ModifiedCount, nil
}

func (s *mongoStore) FindRuns(ctx context.Context, q Query) ([]run.Run, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: mongoFilter(q.Filter)}},
		{{Key: "$sort", Value: mongoSort(q.Sort)}},
	}

	if q.Skip > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$skip", Value: q.Skip}})
	}

	if q.Limit > 0 {
		pipeline = append(pipeline, bson.D{{Key: "$limit", Value: q.Limit}})
	}

	pipeline = append(pipeline,
		bson.D{{Key: "$addFields", Value: bson.M{
			lastEventTimeKey: bson.M{"$arrayElemAt": bson.A{"$events.time", -1}},
		}}},
		bson.D{{Key: "$project", Value: bson.M{"events": 0, "traces": 0, "_id": 0}}},
	)

	opts := options.Aggregate()
	if s.queryTimeout > 0 {
		opts.SetMaxTime(s.queryTimeout)
	}

	cursor, err := s.runs.Aggregate(ctx, pipeline, opts)
	if err != nil {
		return nil, mongoQueryError(ctx, "finding runs", err)
	}

	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mongoQueryError(ctx, "reading runs", err)
	}

	runs := make([]run.Run, 0, len(docs))
	for _, doc := range docs {
		r, last := docToRun(doc)
		runs = append(runs, s.projector.Apply(r, last))
	}

	return runs, nil
}

func (s *mongoStore) CountRuns(ctx context.Context, f Filter) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	opts := options.Count()
	if s.queryTimeout > 0 {
		opts.SetMaxTime(s.queryTimeout)
	}

	n, err := s.runs.CountDocuments(ctx, mongoFilter(f), opts)
	if err != nil {
		return 0, mongoQueryError(ctx, "counting runs", err)
	}

	return n, nil
}

func (s *mongoStore) GetRun(ctx context.Context, f Filter) (*run.Run, error) {
	runs, err := s.FindRuns(ctx, Query{Filter: f, Limit: 1})
	if err != nil {
		return nil, err
	}

	if len(runs) == 0 {
		return nil, ErrNotFound
	}

	return &runs[0], nil
}

func (s *mongoStore) GetEvents(ctx context.Context, f Filter) ([]run.Event, error) {
	var doc struct {
		Events []bson.M `bson:"events"`
	}

	err := s.runs.FindOne(
		ctx,
		mongoFilter(f),
		options.FindOne().SetProjection(bson.M{"events": 1, "_id": 0}),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting events: %w", err)
	}

	events := make([]run.Event, 0, len(doc.Events))
	for _, e := range doc.Events {
		events = append(events, run.Event(normalizeMap(e)))
	}

	return events, nil
}

func (s *mongoStore) ListTraces(ctx context.Context, f Filter) ([]RunTraces, error) {
	ctx, cancel := withQueryTimeout(ctx, s.queryTimeout)
	defer cancel()

	opts := options.Find().
		SetProjection(bson.M{run.KeyPortalRunID: 1, "traces": 1, "_id": 0}).
		SetSort(bson.D{{Key: "runid", Value: 1}})
	if s.queryTimeout > 0 {
		opts.SetMaxTime(s.queryTimeout)
	}

	cursor, err := s.runs.Find(ctx, mongoFilter(f), opts)
	if err != nil {
		return nil, mongoQueryError(ctx, "listing traces", err)
	}

	var docs []struct {
		PortalRunID string   `bson:"portal_runid"`
		Traces      []bson.M `bson:"traces"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, mongoQueryError(ctx, "reading traces", err)
	}

	out := make([]RunTraces, 0, len(docs))
	for _, d := range docs {
		traces := make([]run.Span, 0, len(d.Traces))
		for _, sp := range d.Traces {
			traces = append(traces, run.Span(normalizeMap(sp)))
		}

		out = append(out, RunTraces{PortalRunID: d.PortalRunID, Traces: traces})
	}

	return out, nil
}

// --- Data records ---

func (s *mongoStore) GetData(
	ctx context.Context, portalRunID string,
) (*run.DataRecord, error) {
	var rec run.DataRecord

	err := s.data.FindOne(
		ctx,
		bson.M{run.KeyPortalRunID: portalRunID},
		options.FindOne().SetProjection(bson.M{"_id": 0}),
	).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting data record: %w", err)
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

	return &rec, nil
}

func (s *mongoStore) ListDataPortalRunIDs(ctx context.Context) ([]string, error) {
	cursor, err := s.data.Find(
		ctx,
		bson.M{},
		options.Find().
			SetProjection(bson.M{run.KeyPortalRunID: 1, "_id": 0}).
			SetSort(bson.D{{Key: "runid", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("listing data records: %w", err)
	}

	var docs []struct {
		PortalRunID string `bson:"portal_runid"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("reading data records: %w", err)
	}

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.PortalRunID)
	}

	return ids, nil
}

func (s *mongoStore) AddDataTag(
	ctx context.Context, runID int64, portalRunID string, tag run.DataTag,
) error {
	return s.pushData(ctx, runID, portalRunID, "tags", tag)
}

func (s *mongoStore) AddJupyterURL(
	ctx context.Context, runID int64, portalRunID, url string,
) error {
	return s.pushData(ctx, runID, portalRunID, "jupyter_urls", url)
}

func (s *mongoStore) AddEnsemble(
	ctx context.Context, runID int64, portalRunID string, e run.Ensemble,
) error {
	return s.pushData(ctx, runID, portalRunID, "ensembles", e)
}

func (s *mongoStore) GetEnsembles(
	ctx context.Context, runID int64, ensembleID string,
) ([]run.Ensemble, error) {
	var rec run.DataRecord

	err := s.data.FindOne(ctx, bson.M{"runid": runID}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("getting data record: %w", err)
	}

	var out []run.Ensemble

	for _, e := range rec.Ensembles {
		if e.EnsembleID == ensembleID {
			out = append(out, e)
		}
	}

	return out, nil
}

// pushData appends value to the named array of runID's data record,
// creating the record on first use.
func (s *mongoStore) pushData(
	ctx context.Context, runID int64, portalRunID, field string, value any,
) error {
	_, err := s.data.UpdateOne(
		ctx,
		bson.M{"runid": runID},
		bson.M{
			"$push": bson.M{field: value},
			"$set":  bson.M{run.KeyPortalRunID: portalRunID},
		},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("updating data record: %w", err)
	}

	return nil
}

// mongoFilter translates f into a query document.
func mongoFilter(f Filter) bson.M {
	m := bson.M{}

	if f.RunID != nil {
		m["runid"] = *f.RunID
	}

	if f.PortalRunID != nil {
		m[run.KeyPortalRunID] = *f.PortalRunID
	}

	switch {
	case f.ParentPortalRunID != nil:
		m[run.KeyParentPortalRunID] = *f.ParentPortalRunID
	case f.RootOnly:
		// Matches both null and missing.
		m[run.KeyParentPortalRunID] = nil
	}

	if len(f.Search) > 0 && len(f.SearchFields) > 0 {
		and := make(bson.A, 0, len(f.Search))

		for _, term := range f.Search {
			or := make(bson.A, 0, len(f.SearchFields))
			for _, field := range f.SearchFields {
				or = append(or, bson.M{field: bson.M{
					"$regex":   regexp.QuoteMeta(term),
					"$options": "i",
				}})
			}

			and = append(and, bson.M{"$or": or})
		}

		m["$and"] = and
	}

	return m
}

func mongoSort(sort []SortField) bson.D {
	d := bson.D{}

	for _, sf := range sortOrDefault(sort) {
		if _, ok := sqlColumns[sf.Field]; !ok {
			continue
		}

		dir := 1
		if sf.Desc {
			dir = -1
		}

		d = append(d, bson.E{Key: sf.Field, Value: dir})
	}

	return d
}

func mongoQueryError(ctx context.Context, op string, err error) error {
	if mongo.IsTimeout(err) {
		return fmt.Errorf("%s: %w", op, ErrQueryTimeout)
	}

	return queryError(ctx, op, err)
}

// docToRun splits a projected run document into the run and the time of
// its last event.
func docToRun(doc bson.M) (run.Run, any) {
	r := run.Run{Fields: run.Fields{}}

	var last any

	for k, v := range doc {
		switch k {
		case "_id", "events", "traces":
		case "runid":
			r.RunID = toInt64(v)
		case "has_trace":
			r.HasTrace, _ = v.(bool)
		case "lastModified":
			if t, ok := toTime(v); ok {
				r.LastModified = &t
			}
		case lastEventTimeKey:
			last = normalize(v)
		case run.KeyPortalRunID:
			r.PortalRunID = fmt.Sprint(v)
			r.Fields[k] = v
		default:
			r.Fields[k] = normalize(v)
		}
	}

	return r, last
}

// normalize converts driver container types into plain maps and slices so
// documents encode to JSON the same way regardless of backend.
func normalize(v any) any {
	switch t := v.(type) {
	case primitive.M:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case primitive.D:
		return normalizeMap(t.Map())
	case primitive.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}

		return out
	case primitive.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalize(v)
	}

	return out
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int32:
		return int64(n)
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case primitive.DateTime:
		return t.Time().UTC(), true
	case time.Time:
		return t, true
	default:
		return time.Time{}, false
	}
}
