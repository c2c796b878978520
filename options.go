package sshaio

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/pkg/sshaio/readiness"
)

// A SessionOption is a function which applies configuration to a Session.
type SessionOption func(*Session) error

// WithReadiness sets the source used to wait for transport readiness.
//
// Without it, a Session uses the engine's own source when the engine
// provides one, and otherwise polls the transport's file descriptor.
func WithReadiness(src readiness.Source) SessionOption {
	return func(s *Session) error {
		if src == nil {
			return errors.New("sshaio: nil readiness source")
		}
		s.src = src
		return nil
	}
}

// WithLogger sets the logger for suspension and state tracing.
// Sessions log nothing by default.
func WithLogger(l zerolog.Logger) SessionOption {
	return func(s *Session) error {
		s.log = l
		return nil
	}
}

// WithMetrics registers the session's collectors with reg. Sessions sharing
// a registerer share the collectors.
func WithMetrics(reg prometheus.Registerer) SessionOption {
	return func(s *Session) error {
		m, err := NewMetrics(reg)
		if err != nil {
			return err
		}
		s.metrics = m
		return nil
	}
}

// WithSessionID overrides the generated session id attached to log lines.
func WithSessionID(id string) SessionOption {
	return func(s *Session) error {
		if id == "" {
			return errors.New("sshaio: empty session id")
		}
		s.id = id
		return nil
	}
}
