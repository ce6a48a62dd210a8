package tracing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// QueryClient looks traces up in the Jaeger query service and builds links
// into the Jaeger UI.
type QueryClient struct {
	queryURL string
	uiURL    string
	client   *http.Client
}

// NewQueryClient creates a QueryClient. queryURL is the Jaeger query base
// (e.g. http://jaeger:16686/jaeger) and uiURL the base for user-facing links.
func NewQueryClient(queryURL, uiURL string, timeout time.Duration) *QueryClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if uiURL == "" {
		uiURL = queryURL
	}

	return &QueryClient{
		queryURL: strings.TrimRight(queryURL, "/"),
		uiURL:    strings.TrimRight(uiURL, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a query service is configured.
func (c *QueryClient) Enabled() bool {
	return c.queryURL != ""
}

// HasTrace reports whether Jaeger already holds traceID. Any response other
// than 200 counts as absent; only transport failures are errors.
func (c *QueryClient) HasTrace(ctx context.Context, traceID string) (bool, error) {
	req, err := http.NewRequestWithContext(
		ctx, http.MethodGet, c.queryURL+"/api/traces/"+traceID, nil,
	)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("querying jaeger: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK, nil
}

// TraceURL returns the Jaeger UI link for traceID.
func (c *QueryClient) TraceURL(traceID string) string {
	return c.uiURL + "/trace/" + traceID
}
