package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ipsframework/ipsportal/pkg/api/store"
	"github.com/ipsframework/ipsportal/pkg/config"
	"github.com/ipsframework/ipsportal/pkg/ensemble"
	"github.com/ipsframework/ipsportal/pkg/fsutil"
	"github.com/ipsframework/ipsportal/pkg/ingest"
	"github.com/ipsframework/ipsportal/pkg/run"
	"github.com/ipsframework/ipsportal/pkg/tracing"
	"github.com/ipsframework/ipsportal/pkg/upload"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the portal HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log     logrus.FieldLogger
	cfg     *config.Config
	version string

	store      store.Store
	ingester   *ingest.Ingester
	aggregator *tracing.Aggregator
	forwarder  *tracing.Forwarder
	jaeger     *tracing.QueryClient
	ensembles  *ensemble.Manager
	uploader   upload.Uploader
	tracer     io.Closer

	limitersMu sync.Mutex
	limiters   []*clientLimiters

	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer creates a new portal server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	version string,
) Server {
	return &server{
		log:     log.WithField("component", "api"),
		cfg:     cfg,
		version: version,
	}
}

// Start connects the store, wires the collaborators and starts the HTTP
// server.
func (s *server) Start(ctx context.Context) error {
	tracer, err := tracing.InitTracer(s.cfg.Tracing.Self)
	if err != nil {
		return fmt.Errorf("initializing tracer: %w", err)
	}

	s.tracer = tracer

	st, err := store.NewStore(
		s.log,
		&s.cfg.Database,
		run.NewProjector(s.cfg.Runs.TimeoutThreshold),
		s.cfg.Server.QueryTimeout,
	)
	if err != nil {
		return fmt.Errorf("creating store: %w", err)
	}

	if err := st.Start(ctx); err != nil {
		return fmt.Errorf("starting store: %w", err)
	}

	if err := s.wire(st); err != nil {
		return err
	}

	if s.cfg.Auth.APIKey == "" {
		s.log.Warn("No API key configured, data endpoints accept any caller")
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("Portal server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// wire builds every component that depends on the store.
func (s *server) wire(st store.Store) error {
	s.store = st

	owner, err := fsutil.ParseOwner(s.cfg.Ensembles.Owner)
	if err != nil {
		return fmt.Errorf("parsing ensembles owner: %w", err)
	}

	s.forwarder = tracing.NewForwarder(s.log, s.cfg.Tracing.ZipkinURL, s.cfg.Tracing.Timeout)
	s.jaeger = tracing.NewQueryClient(
		s.cfg.Tracing.JaegerQueryURL, s.cfg.Tracing.JaegerUIURL, s.cfg.Tracing.Timeout,
	)
	s.aggregator = tracing.NewAggregator(st)
	s.ensembles = ensemble.NewManager(
		s.log, s.cfg.Ensembles.Dir, s.cfg.Ensembles.JupyterURLPrefix, st,
		ensemble.WithOwner(owner),
	)
	s.ingester = ingest.NewIngester(s.log, st, s.ensembles, s.forwarder)

	if s3 := s.cfg.Storage.S3; s3 != nil && s3.Enabled {
		s.uploader = upload.NewS3Uploader(s.log, s3)

		s.log.WithField("endpoint", s3.EndpointURL).Info("Artifact uploads enabled")
	}

	return nil
}

// Stop gracefully shuts down the HTTP server and closes the store.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()
	s.stopRateLimiters()

	if s.tracer != nil {
		if err := s.tracer.Close(); err != nil {
			s.log.WithError(err).Warn("Tracer close error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("Portal server stopped")

	return nil
}
