package datatables

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/ipsframework/ipsportal/pkg/api/store"
	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAllowed = []string{"runid", "state", "simname"}

func mustDecode(t *testing.T, data string) any {
	t.Helper()

	v, err := Decode(data)
	require.NoError(t, err)

	return v
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode("{not json")
	require.Error(t, err)
}

func TestParse(t *testing.T) {
	const columns = `"columns": [
		{"data": "runid", "orderable": true},
		{"data": 1, "orderable": true},
		{"data": "simname", "orderable": false}
	]`

	tests := []struct {
		name    string
		data    string
		want    *Params
		wantErr Errors
	}{
		{
			name: "defaults",
			data: `{"columns": []}`,
			want: &Params{Length: DefaultLength},
		},
		{
			name: "full request",
			data: `{"draw": 3, "start": 40, "length": 10, ` + columns + `,
				"order": [{"column": 1, "dir": "desc"}, {"column": 0, "dir": "asc"}, {"column": 2, "dir": "asc"}],
				"search": {"value": "  foo   bar "}}`,
			want: &Params{
				Draw:   3,
				Start:  40,
				Length: 10,
				Sort: []store.SortField{
					{Field: "state", Desc: true},
					{Field: "runid"},
				},
				Search: []string{"foo", "bar"},
			},
		},
		{
			name: "repeated property keeps first position",
			data: `{` + columns + `, "order": [{"column": 0, "dir": "asc"}, {"column": 1, "dir": "asc"}, {"column": 0, "dir": "desc"}]}`,
			want: &Params{
				Length: DefaultLength,
				Sort: []store.SortField{
					{Field: "runid", Desc: true},
					{Field: "state"},
				},
			},
		},
		{
			name: "scalar checks",
			data: `{"draw": -1, "start": 1.5, "length": 0, "columns": []}`,
			wantErr: Errors{
				{"draw", "must be a non-negative integer"},
				{"start", "must be a non-negative integer"},
				{"length", "must be a positive integer"},
			},
		},
		{
			name:    "columns not an array",
			data:    `{"columns": {}}`,
			wantErr: Errors{{"columns", "must be an array"}},
		},
		{
			name:    "missing columns",
			data:    `{}`,
			wantErr: Errors{{"columns", "must be an array"}},
		},
		{
			name:    "column beyond allow-list",
			data:    `{"columns": [], "order": [{"column": 3, "dir": "asc"}]}`,
			wantErr: Errors{{"order[0]", "invalid column reference"}},
		},
		{
			name:    "order without column",
			data:    `{"columns": [], "order": [{"dir": "asc"}]}`,
			wantErr: Errors{{"order[0]", "invalid column reference"}},
		},
		{
			name:    "column beyond columns",
			data:    `{"columns": [{"data": "runid"}], "order": [{"column": 0, "dir": "asc"}, {"column": 2, "dir": "asc"}]}`,
			wantErr: Errors{{`order[1]["column"]`, "invalid column reference"}},
		},
		{
			name:    "bad direction",
			data:    `{` + columns + `, "order": [{"column": 0, "dir": "up"}]}`,
			wantErr: Errors{{`order[0]["dir"]`, `must be either "asc" or "desc"`}},
		},
		{
			name:    "column not an object",
			data:    `{"columns": ["runid"], "order": [{"column": 0, "dir": "asc"}]}`,
			wantErr: Errors{{"columns[0]", "must be a valid DataTables column object"}},
		},
		{
			name:    "unknown property name",
			data:    `{"columns": [{"data": "password", "orderable": true}], "order": [{"column": 0, "dir": "asc"}]}`,
			wantErr: Errors{{"columns[0][data]", "must be a valid property name"}},
		},
		{
			name:    "property index out of range",
			data:    `{"columns": [{"data": 9, "orderable": true}], "order": [{"column": 0, "dir": "asc"}]}`,
			wantErr: Errors{{"columns[0][data]", "must be a valid property index"}},
		},
		{
			name:    "property of wrong type",
			data:    `{"columns": [{"data": true, "orderable": true}], "order": [{"column": 0, "dir": "asc"}]}`,
			wantErr: Errors{{"columns[0][data]", "must be a valid property name or property index"}},
		},
		{
			name:    "missing data",
			data:    `{"columns": [{"orderable": true}], "order": [{"column": 0, "dir": "asc"}]}`,
			wantErr: Errors{{"columns[0]", `missing "data" property`}},
		},
		{
			name:    "not an object",
			data:    `[1, 2]`,
			wantErr: Errors{{"<BASE>", "query parameter must be a DataTables JSON object string"}},
		},
		{
			name: "scalar and sort errors together",
			data: `{"length": "ten", "columns": 5}`,
			wantErr: Errors{
				{"length", "must be a positive integer"},
				{"columns", "must be an array"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, errs := Parse(mustDecode(t, tt.data), testAllowed)

			if tt.wantErr != nil {
				assert.Nil(t, got)
				assert.Equal(t, tt.wantErr, errs)

				return
			}

			require.Empty(t, errs)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestErrors_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(Errors{{"draw", "must be a non-negative integer"}})
	require.NoError(t, err)
	assert.JSONEq(t, `[["draw", "must be a non-negative integer"]]`, string(b))
}

type fakeSource struct {
	queries []store.Query
	counts  []store.Filter
	runs    []run.Run
	err     error
}

func (f *fakeSource) FindRuns(_ context.Context, q store.Query) ([]run.Run, error) {
	f.queries = append(f.queries, q)

	return f.runs, f.err
}

func (f *fakeSource) CountRuns(_ context.Context, flt store.Filter) (int64, error) {
	f.counts = append(f.counts, flt)

	if len(flt.Search) > 0 {
		return 1, nil
	}

	return 5, nil
}

func TestResults(t *testing.T) {
	src := &fakeSource{runs: []run.Run{{RunID: 4, PortalRunID: "r4"}}}

	resp, err := Results(context.Background(), src, &Params{
		Draw:   2,
		Start:  10,
		Length: 5,
		Sort:   []store.SortField{{Field: "state"}},
		Search: []string{"foo"},
	}, store.Roots(), []string{"state", "simname"})
	require.NoError(t, err)

	assert.Equal(t, int64(2), resp.Draw)
	assert.Equal(t, int64(5), resp.RecordsTotal)
	assert.Equal(t, int64(1), resp.RecordsFiltered)
	assert.Equal(t, src.runs, resp.Data)

	require.Len(t, src.queries, 1)
	q := src.queries[0]
	assert.True(t, q.RootOnly)
	assert.Equal(t, []string{"foo"}, q.Search)
	assert.Equal(t, []string{"state", "simname"}, q.SearchFields)
	assert.Equal(t, 10, q.Skip)
	assert.Equal(t, 5, q.Limit)
	assert.Equal(t, []store.SortField{{Field: "state"}}, q.Sort)

	assert.Empty(t, src.counts[0].Search, "total ignores the search")
}

func TestResults_EmptyAndErrors(t *testing.T) {
	resp, err := Results(context.Background(), &fakeSource{}, &Params{Length: 20}, store.Roots(), nil)
	require.NoError(t, err)
	assert.NotNil(t, resp.Data)
	assert.Equal(t, resp.RecordsTotal, resp.RecordsFiltered)

	b, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"draw":0,"recordsTotal":5,"recordsFiltered":5,"data":[]}`, string(b))

	_, err = Results(context.Background(), &fakeSource{err: errors.New("boom")}, &Params{Length: 1}, store.Roots(), nil)
	require.Error(t, err)
}
