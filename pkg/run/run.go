package run

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types with lifecycle meaning.
const (
	EventTypeStart = "IPS_START"
	EventTypeEnd   = "IPS_END"
)

// Well-known run states.
const (
	StateRunning  = "Running"
	StateComplete = "Complete"
	StateTimeout  = "Timeout"
)

// Event field names referenced by the portal.
const (
	KeyCode              = "code"
	KeyEventType         = "eventtype"
	KeyComment           = "comment"
	KeyWalltime          = "walltime"
	KeyPhysTimestamp     = "phystimestamp"
	KeyPortalRunID       = "portal_runid"
	KeyParentPortalRunID = "parent_portal_runid"
	KeyEnsembleID        = "portal_ensemble_id"
	KeySeqNum            = "seqnum"
	KeyTime              = "time"
	KeyCreated           = "created"
	KeyTrace             = "trace"
	KeyState             = "state"
	KeyStopAt            = "stopat"
	KeySimName           = "simname"
	KeyUser              = "user"
	KeyVizURL            = "vizurl"
)

// Fields is the denormalized, allow-listed set of run-level keys copied from
// events. Values keep whatever JSON type the framework sent.
type Fields map[string]any

// Clone returns a shallow copy of f.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}

	return out
}

// String returns the value for key formatted as a string, or "" if absent.
func (f Fields) String(key string) string {
	v, ok := f[key]
	if !ok || v == nil {
		return ""
	}

	if s, ok := v.(string); ok {
		return s
	}

	return fmt.Sprint(v)
}

// Run is one execution of the simulation framework.
type Run struct {
	RunID        int64
	PortalRunID  string
	Fields       Fields
	HasTrace     bool
	LastModified *time.Time
	Events       []Event
	Traces       []Span
}

// State returns the stored (or projected) state.
func (r Run) State() string {
	return r.Fields.String(KeyState)
}

// ParentPortalRunID returns the parent reference, or "" for a root run.
func (r Run) ParentPortalRunID() string {
	return r.Fields.String(KeyParentPortalRunID)
}

// MarshalJSON flattens the run into the document shape the portal serves:
// run-level fields at the top level next to the identity keys.
func (r Run) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+6)
	for k, v := range r.Fields {
		out[k] = v
	}

	out["runid"] = r.RunID
	out[KeyPortalRunID] = r.PortalRunID
	out["has_trace"] = r.HasTrace

	if r.LastModified != nil {
		out["lastModified"] = r.LastModified.UTC().Format(time.RFC3339Nano)
	}

	if r.Events != nil {
		out["events"] = r.Events
	}

	if r.Traces != nil {
		out["traces"] = r.Traces
	}

	return json.Marshal(out)
}

// DataTag links a timestep tag to an uploaded object.
type DataTag struct {
	Tag             any    `json:"tag" bson:"tag"`
	DataLocationURL string `json:"data_location_url" bson:"data_location_url"`
}

// Ensemble records where a parent run's ensemble CSV lives.
type Ensemble struct {
	EnsembleID string `json:"ensemble_id" bson:"ensemble_id"`
	Path       string `json:"path" bson:"path"`
}

// DataRecord holds auxiliary artifacts for a run, keyed by runid.
type DataRecord struct {
	RunID       int64      `json:"runid" bson:"runid"`
	PortalRunID string     `json:"portal_runid" bson:"portal_runid"`
	Tags        []DataTag  `json:"tags" bson:"tags"`
	JupyterURLs []string   `json:"jupyter_urls" bson:"jupyter_urls"`
	Ensembles   []Ensemble `json:"ensembles" bson:"ensembles"`
}
