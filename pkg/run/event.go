package run

import (
	"crypto/md5" //nolint:gosec // trace ids, not security.
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// eventTimeLayout matches the framework's own event timestamps,
// e.g. "2022-05-03|15:41:07EDT".
const eventTimeLayout = "2006-01-02|15:04:05MST"

// Event is one lifecycle fact reported by the framework. Only the required
// keys are validated; everything else is stored as sent.
type Event map[string]any

// String returns the value for key formatted as a string, or "" if absent.
func (e Event) String(key string) string {
	return Fields(e).String(key)
}

// PortalRunID returns the owning run's external id.
func (e Event) PortalRunID() string {
	return e.String(KeyPortalRunID)
}

// EventType returns the event's type.
func (e Event) EventType() string {
	return e.String(KeyEventType)
}

// IsStart reports whether the event creates a run.
func (e Event) IsStart() bool {
	return e.EventType() == EventTypeStart
}

// IsEnd reports whether the event finalizes a run.
func (e Event) IsEnd() bool {
	return e.EventType() == EventTypeEnd
}

// Missing returns the sorted required keys absent from e.
func (e Event) Missing() []string {
	var missing []string

	for _, k := range RequiredEventKeys {
		if _, ok := e[k]; !ok {
			missing = append(missing, k)
		}
	}

	return missing
}

// Stamp records the server arrival time. The framework's own "time" key is
// only filled in when the caller did not send one.
func (e Event) Stamp(now time.Time) {
	if _, ok := e[KeyTime]; !ok {
		e[KeyTime] = now.Format(eventTimeLayout)
	}

	e[KeyCreated] = now.UTC().Format(time.RFC3339Nano)
}

// TakeSpan removes and returns the event's trace span, if it carries one.
func (e Event) TakeSpan() (Span, bool) {
	raw, ok := e[KeyTrace]
	if !ok {
		return nil, false
	}

	delete(e, KeyTrace)

	switch v := raw.(type) {
	case map[string]any:
		if len(v) == 0 {
			return nil, false
		}

		return Span(v), true
	case Span:
		return v, len(v) > 0
	default:
		return nil, false
	}
}

// RunFields returns the allow-listed run keys present on the event.
func (e Event) RunFields() Fields {
	out := make(Fields, len(RunKeys))

	for _, k := range RunKeys {
		if v, ok := e[k]; ok {
			out[k] = v
		}
	}

	return out
}

// Overlay returns the fields a non-start event writes onto its run. End
// events carry the full allow-list, everything else only refreshes the
// wall time and visualization URL.
func (e Event) Overlay() Fields {
	if e.IsEnd() {
		return e.RunFields()
	}

	out := Fields{KeyWalltime: e[KeyWalltime]}
	if v, ok := e[KeyVizURL]; ok {
		out[KeyVizURL] = v
	}

	return out
}

// Span is one Zipkin-format tracing record. It is kept as an open map so
// spans are stored and forwarded verbatim.
type Span map[string]any

// TraceID returns the span's trace id.
func (s Span) TraceID() string {
	return Fields(s).String("traceId")
}

// WithTraceID returns a shallow copy of s relabeled under traceID.
func (s Span) WithTraceID(traceID string) Span {
	out := make(Span, len(s))
	for k, v := range s {
		out[k] = v
	}

	out["traceId"] = traceID

	return out
}

// Timestamp returns the span start in microseconds.
func (s Span) Timestamp() (float64, bool) {
	return toFloat(s["timestamp"])
}

// Duration returns the span duration in microseconds.
func (s Span) Duration() (float64, bool) {
	return toFloat(s["duration"])
}

// ServiceName returns localEndpoint.serviceName.
func (s Span) ServiceName() string {
	ep, ok := asMap(s["localEndpoint"])
	if !ok {
		return ""
	}

	return Fields(ep).String("serviceName")
}

// Tag returns the numeric value of the named tag.
func (s Span) Tag(name string) (float64, bool) {
	tags, ok := asMap(s["tags"])
	if !ok {
		return 0, false
	}

	return toFloat(tags[name])
}

// TraceIDFor returns the trace id the framework assigns to a run: the hex
// md5 of its portal_runid.
func TraceIDFor(portalRunID string) string {
	sum := md5.Sum([]byte(portalRunID)) //nolint:gosec // see import.

	return hex.EncodeToString(sum[:])
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case Fields:
		return m, true
	case Span:
		return m, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()

		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)

		return f, err == nil
	default:
		return 0, false
	}
}
