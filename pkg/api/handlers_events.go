package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/ipsframework/ipsportal/pkg/run"
)

const maxEventBodyBytes = 32 << 20

// handleEvent ingests a single event object or an array of events.
func (s *server) handleEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{"Could not read request body"})

		return
	}

	events, ok, err := decodeEvents(body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, messageResponse{"Request body must be a JSON event object or array"})

		return
	}

	if !ok {
		s.log.Error("Missing data")
		writeJSON(w, http.StatusBadRequest, messageResponse{"Missing data"})

		return
	}

	res := s.ingester.Ingest(r.Context(), events, s.baseURL(r))

	recordIngest(res.Created, res.Appended, len(res.Errors))

	switch {
	case res.Internal != nil:
		writeJSON(w, http.StatusInternalServerError, res)
	case !res.OK():
		writeJSON(w, http.StatusBadRequest, res)
	default:
		writeJSON(w, http.StatusOK, res)
	}
}

// decodeEvents accepts either one event object or an array of them. ok is
// false for an empty or null body.
func decodeEvents(body []byte) ([]run.Event, bool, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, false, nil
	}

	if trimmed[0] == '[' {
		var events []run.Event
		if err := json.Unmarshal(trimmed, &events); err != nil {
			return nil, false, err
		}

		return events, true, nil
	}

	var event run.Event
	if err := json.Unmarshal(trimmed, &event); err != nil {
		return nil, false, err
	}

	if event == nil {
		return nil, false, nil
	}

	return []run.Event{event}, true, nil
}

// baseURL is the portal's externally visible root. The configured value
// wins over what the request says.
func (s *server) baseURL(r *http.Request) string {
	if s.cfg.Server.BaseURL != "" {
		return strings.TrimRight(s.cfg.Server.BaseURL, "/")
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	return scheme + "://" + r.Host
}
