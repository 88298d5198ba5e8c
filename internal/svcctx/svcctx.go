// Package svcctx provides service context for dependency injection via
// context. It is separate from server so handlers and stages can extract
// services without import cycles.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/docpipe/internal/blob"
	"github.com/jackzampolin/docpipe/internal/classes"
	"github.com/jackzampolin/docpipe/internal/home"
	"github.com/jackzampolin/docpipe/internal/intake"
	"github.com/jackzampolin/docpipe/internal/providers"
	"github.com/jackzampolin/docpipe/internal/track"
)

// Services holds the core services that flow through context. Components
// extract what they need via the individual extractors.
type Services struct {
	Tracker  track.Store
	Blobs    blob.Store
	Queue    *intake.Queue
	Gate     *intake.Gate
	Intake   *intake.Service
	Registry *providers.Registry
	Classes  *classes.Registry
	Sink     *track.Sink
	Home     *home.Dir
	Logger   *slog.Logger
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// TrackerFrom extracts the tracking store from context.
func TrackerFrom(ctx context.Context) track.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Tracker
	}
	return nil
}

// BlobsFrom extracts the blob store from context.
func BlobsFrom(ctx context.Context) blob.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Blobs
	}
	return nil
}

// QueueFrom extracts the work queue from context.
func QueueFrom(ctx context.Context) *intake.Queue {
	if s := ServicesFrom(ctx); s != nil {
		return s.Queue
	}
	return nil
}

// GateFrom extracts the admission gate from context.
func GateFrom(ctx context.Context) *intake.Gate {
	if s := ServicesFrom(ctx); s != nil {
		return s.Gate
	}
	return nil
}

// IntakeFrom extracts the intake service from context.
func IntakeFrom(ctx context.Context) *intake.Service {
	if s := ServicesFrom(ctx); s != nil {
		return s.Intake
	}
	return nil
}

// RegistryFrom extracts the provider registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// ClassesFrom extracts the document-class registry from context.
func ClassesFrom(ctx context.Context) *classes.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Classes
	}
	return nil
}

// SinkFrom extracts the analytics write sink from context.
func SinkFrom(ctx context.Context) *track.Sink {
	if s := ServicesFrom(ctx); s != nil {
		return s.Sink
	}
	return nil
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}

// LoggerFrom extracts the logger from context.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil {
		return s.Logger
	}
	return nil
}
