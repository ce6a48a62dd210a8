package tracing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds calls to the tracing backend.
const DefaultTimeout = time.Second

// StatusError is returned for non-2xx collector responses.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Forwarder posts spans to a Zipkin v2 collector endpoint
// (e.g. http://jaeger:9411/api/v2/spans).
type Forwarder struct {
	log    logrus.FieldLogger
	url    string
	client *http.Client
}

// NewForwarder creates a Forwarder. An empty url disables forwarding.
func NewForwarder(log logrus.FieldLogger, url string, timeout time.Duration) *Forwarder {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Forwarder{
		log:    log.WithField("component", "trace-forwarder"),
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a collector is configured.
func (f *Forwarder) Enabled() bool {
	return f.url != ""
}

// Send posts spans and returns an error when the collector is unreachable
// or does not accept them.
func (f *Forwarder) Send(ctx context.Context, spans []run.Span) error {
	if !f.Enabled() {
		return errors.New("no zipkin collector configured")
	}

	body, err := json.Marshal(spans)
	if err != nil {
		return fmt.Errorf("marshaling spans: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending spans: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}

	return nil
}

// Forward sends spans on a best-effort basis. Failures are logged and
// otherwise ignored.
func (f *Forwarder) Forward(ctx context.Context, spans []run.Span) {
	if !f.Enabled() || len(spans) == 0 {
		return
	}

	if err := f.Send(ctx, spans); err != nil {
		f.log.WithError(err).
			WithField("spans", len(spans)).
			Warn("Failed to forward spans")
	}
}
