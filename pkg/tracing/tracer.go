package tracing

import (
	"fmt"
	"io"

	"github.com/ipsframework/ipsportal/pkg/config"
	"github.com/opentracing/opentracing-go"
	jaegercfg "github.com/uber/jaeger-client-go/config"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// InitTracer installs the global tracer used to trace the portal's own
// requests. Agent and reporter settings come from the standard JAEGER_*
// environment variables. When self tracing is disabled a no-op tracer is
// installed.
func InitTracer(cfg config.SelfTracingConfig) (io.Closer, error) {
	if !cfg.Enabled {
		opentracing.SetGlobalTracer(opentracing.NoopTracer{})

		return nopCloser{}, nil
	}

	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("reading jaeger environment: %w", err)
	}

	jcfg.ServiceName = cfg.ServiceName
	jcfg.Sampler = &jaegercfg.SamplerConfig{
		Type:  "const",
		Param: 1,
	}

	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		return nil, fmt.Errorf("creating tracer: %w", err)
	}

	opentracing.SetGlobalTracer(tracer)

	return closer, nil
}
