package catalogagent

import (
	"log/slog"

	"catalog-agent/internal/bootstrap"
)

// Option configures an Agent.
type Option func(*options)

type options struct {
	bootstrap bootstrap.Options
}

// WithLogger replaces the logger built from the config's logger section.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.bootstrap.Logger = logger }
}

// WithTracing installs the tracer configured in the config's tracer section
// as the process-wide OpenTelemetry provider.
func WithTracing() Option {
	return func(o *options) { o.bootstrap.Tracing = true }
}
