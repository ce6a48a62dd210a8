// Package datatables implements the server side of the DataTables
// (https://datatables.net/manual/server-side) paging protocol over the run
// store. Client input is validated against an allow-list of properties and
// never trusted as a field name.
package datatables

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ipsframework/ipsportal/pkg/api/store"
	"github.com/ipsframework/ipsportal/pkg/run"
)

// DefaultLength is the page size when the request does not set one.
const DefaultLength = 20

// Error is a validation failure for one request property. It serializes as
// a [property, message] pair.
type Error struct {
	Property string
	Message  string
}

// MarshalJSON implements json.Marshaler.
func (e Error) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{e.Property, e.Message})
}

// Errors is the list of validation failures for a request.
type Errors []Error

func (e Errors) Error() string {
	parts := make([]string, 0, len(e))
	for _, err := range e {
		parts = append(parts, err.Property+": "+err.Message)
	}

	return strings.Join(parts, "; ")
}

// Params is a validated request.
type Params struct {
	Draw   int64
	Start  int64
	Length int64
	Sort   []store.SortField
	Search []string
}

// Decode parses the JSON request sent in the "data" query parameter. Numbers
// are kept exact so integer checks in Parse are strict.
func Decode(data string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decoding request: %w", err)
	}

	return v, nil
}

// Parse validates a decoded request. allowed lists the sortable properties;
// numeric column data refers to positions in it.
func Parse(raw any, allowed []string) (*Params, Errors) {
	req, ok := raw.(map[string]any)
	if !ok {
		return nil, Errors{{"<BASE>", "query parameter must be a DataTables JSON object string"}}
	}

	var errs Errors

	p := &Params{}

	if p.Draw, ok = intParam(req, "draw", 0); !ok || p.Draw < 0 {
		errs = append(errs, Error{"draw", "must be a non-negative integer"})
	}

	if p.Start, ok = intParam(req, "start", 0); !ok || p.Start < 0 {
		errs = append(errs, Error{"start", "must be a non-negative integer"})
	}

	if p.Length, ok = intParam(req, "length", DefaultLength); !ok || p.Length < 1 {
		errs = append(errs, Error{"length", "must be a positive integer"})
	}

	sort, err := parseSort(req, allowed)
	if err != nil {
		errs = append(errs, *err)
	}

	if len(errs) > 0 {
		return nil, errs
	}

	p.Sort = sort

	if search, ok := req["search"].(map[string]any); ok {
		if value, ok := search["value"].(string); ok {
			p.Search = strings.Fields(value)
		}
	}

	return p, nil
}

func parseSort(req map[string]any, allowed []string) ([]store.SortField, *Error) {
	columns, ok := req["columns"].([]any)
	if !ok {
		return nil, &Error{"columns", "must be an array"}
	}

	var order []any

	if v, present := req["order"]; present {
		if order, ok = v.([]any); !ok {
			return nil, &Error{"order", "must be an array"}
		}
	}

	var (
		sort  []store.SortField
		index = make(map[string]int)
	)

	for idx, o := range order {
		arg, _ := o.(map[string]any)

		colIdx, ok := toInt(arg["column"])
		if !ok || colIdx < 0 || colIdx >= int64(len(allowed)) {
			return nil, &Error{fmt.Sprintf("order[%d]", idx), "invalid column reference"}
		}

		if colIdx >= int64(len(columns)) {
			return nil, &Error{fmt.Sprintf(`order[%d]["column"]`, idx), "invalid column reference"}
		}

		var desc bool

		switch arg["dir"] {
		case "asc":
		case "desc":
			desc = true
		default:
			return nil, &Error{fmt.Sprintf(`order[%d]["dir"]`, idx), `must be either "asc" or "desc"`}
		}

		column, ok := columns[colIdx].(map[string]any)
		if !ok {
			return nil, &Error{fmt.Sprintf("columns[%d]", colIdx), "must be a valid DataTables column object"}
		}

		if orderable, _ := column["orderable"].(bool); !orderable {
			continue
		}

		field, err := columnField(column, colIdx, allowed)
		if err != nil {
			return nil, err
		}

		// A property ordered twice keeps its first position.
		if i, seen := index[field]; seen {
			sort[i].Desc = desc

			continue
		}

		index[field] = len(sort)
		sort = append(sort, store.SortField{Field: field, Desc: desc})
	}

	return sort, nil
}

// columnField resolves a column's data property, given either by name or
// by position in allowed.
func columnField(column map[string]any, colIdx int64, allowed []string) (string, *Error) {
	data, ok := column["data"]
	if !ok {
		return "", &Error{fmt.Sprintf("columns[%d]", colIdx), `missing "data" property`}
	}

	prop := fmt.Sprintf("columns[%d][data]", colIdx)

	if name, ok := data.(string); ok {
		for _, a := range allowed {
			if a == name {
				return name, nil
			}
		}

		return "", &Error{prop, "must be a valid property name"}
	}

	if i, ok := toInt(data); ok {
		if i < 0 || i >= int64(len(allowed)) {
			return "", &Error{prop, "must be a valid property index"}
		}

		return allowed[i], nil
	}

	return "", &Error{prop, "must be a valid property name or property index"}
}

func intParam(req map[string]any, key string, def int64) (int64, bool) {
	v, ok := req[key]
	if !ok {
		return def, true
	}

	return toInt(v)
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()

		return i, err == nil
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		i := int64(n)

		return i, float64(i) == n
	default:
		return 0, false
	}
}

// Source is the store surface a DataTables query reads from.
type Source interface {
	FindRuns(ctx context.Context, q store.Query) ([]run.Run, error)
	CountRuns(ctx context.Context, f store.Filter) (int64, error)
}

// Response is the DataTables reply body.
type Response struct {
	Draw            int64     `json:"draw"`
	RecordsTotal    int64     `json:"recordsTotal"`
	RecordsFiltered int64     `json:"recordsFiltered"`
	Data            []run.Run `json:"data"`
}

// Results runs a validated request. base is the filter every row must match
// before searching; search terms are matched against searchFields.
func Results(
	ctx context.Context,
	src Source,
	p *Params,
	base store.Filter,
	searchFields []string,
) (*Response, error) {
	total, err := src.CountRuns(ctx, base)
	if err != nil {
		return nil, fmt.Errorf("counting runs: %w", err)
	}

	filter := base
	if len(p.Search) > 0 {
		filter = base.WithSearch(p.Search, searchFields)
	}

	filtered := total
	if len(p.Search) > 0 {
		if filtered, err = src.CountRuns(ctx, filter); err != nil {
			return nil, fmt.Errorf("counting filtered runs: %w", err)
		}
	}

	data, err := src.FindRuns(ctx, store.Query{
		Filter: filter,
		Skip:   int(p.Start),
		Limit:  int(p.Length),
		Sort:   p.Sort,
	})
	if err != nil {
		return nil, fmt.Errorf("finding runs: %w", err)
	}

	if data == nil {
		data = []run.Run{}
	}

	return &Response{
		Draw:            p.Draw,
		RecordsTotal:    total,
		RecordsFiltered: filtered,
		Data:            data,
	}, nil
}
