package run

import "time"

// DefaultTimeoutThreshold is how long a Running run may go without an
// event before it is listed as timed out.
const DefaultTimeoutThreshold = 3 * time.Hour

// TimedOut reports whether r is Running but has not been modified within
// threshold of now. Runs without a modification time count as timed out.
func TimedOut(r *Run, now time.Time, threshold time.Duration) bool {
	if r.State() != StateRunning {
		return false
	}

	if r.LastModified == nil {
		return true
	}

	return now.Sub(*r.LastModified) >= threshold
}

// Project returns the externally visible view of r without touching r
// itself. A timed out run is reported with state Timeout and stopat set to
// the time of its last event; every other field passes through.
func Project(r Run, lastEventTime any, now time.Time, threshold time.Duration) Run {
	if !TimedOut(&r, now, threshold) {
		return r
	}

	fields := r.Fields.Clone()
	fields[KeyState] = StateTimeout

	if lastEventTime != nil {
		fields[KeyStopAt] = lastEventTime
	}

	r.Fields = fields

	return r
}

// LastEventTime returns the "time" of the last event in events, or nil.
func LastEventTime(events []Event) any {
	if len(events) == 0 {
		return nil
	}

	return events[len(events)-1][KeyTime]
}

// Projector applies Project with a fixed threshold and clock.
type Projector struct {
	Threshold time.Duration
	Now       func() time.Time
}

// NewProjector returns a Projector using the wall clock. A non-positive
// threshold selects DefaultTimeoutThreshold.
func NewProjector(threshold time.Duration) Projector {
	if threshold <= 0 {
		threshold = DefaultTimeoutThreshold
	}

	return Projector{Threshold: threshold, Now: time.Now}
}

// Apply projects r as of the projector's clock.
func (p Projector) Apply(r Run, lastEventTime any) Run {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}

	threshold := p.Threshold
	if threshold <= 0 {
		threshold = DefaultTimeoutThreshold
	}

	return Project(r, lastEventTime, now(), threshold)
}
