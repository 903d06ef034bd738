package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/emribilemir/atlas-ois-tracker/internal/grades"
	"github.com/emribilemir/atlas-ois-tracker/internal/portal"
)

// ChangeEvent is emitted once per cycle that found differences.
type ChangeEvent struct {
	CycleID string          `json:"cycleId"`
	At      time.Time       `json:"at"`
	Origin  string          `json:"origin"`
	Changes []grades.Change `json:"changes"`
}

// Cycle origins. Command surfaces tag their manual checks with their own name
// through WithOrigin.
const (
	OriginTimer  = "timer"
	OriginManual = "manual"
)

type originKey struct{}

// WithOrigin marks cycles run with ctx as requested by origin. A sink that
// already reports the CheckResult to its requester can skip events carrying
// its own origin.
func WithOrigin(ctx context.Context, origin string) context.Context {
	return context.WithValue(ctx, originKey{}, origin)
}

// OriginFrom returns the origin set by WithOrigin, or OriginManual.
func OriginFrom(ctx context.Context) string {
	if o, ok := ctx.Value(originKey{}).(string); ok && o != "" {
		return o
	}
	return OriginManual
}

type AlertKind string

const (
	AlertPaused    AlertKind = "paused"    // monitoring stopped itself, operator action needed
	AlertDegraded  AlertKind = "degraded"  // failure streak reached the alert threshold
	AlertRecovered AlertKind = "recovered" // a cycle succeeded after a degraded alert
)

type Alert struct {
	Kind      AlertKind        `json:"kind"`
	ErrorKind portal.ErrorKind `json:"errorKind,omitempty"`
	Message   string           `json:"message"`
	Failures  int              `json:"failures,omitempty"`
	At        time.Time        `json:"at"`
}

// Sink receives monitor output. Implementations format and deliver it.
type Sink interface {
	NotifyChanges(ctx context.Context, ev ChangeEvent) error
	Alert(ctx context.Context, a Alert) error
}

// MultiSink fans out to every sink and joins their errors.
type MultiSink []Sink

func (ms MultiSink) NotifyChanges(ctx context.Context, ev ChangeEvent) error {
	var errs []error
	for _, s := range ms {
		if s == nil {
			continue
		}
		if err := s.NotifyChanges(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (ms MultiSink) Alert(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range ms {
		if s == nil {
			continue
		}
		if err := s.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type nopSink struct{}

func (nopSink) NotifyChanges(context.Context, ChangeEvent) error { return nil }
func (nopSink) Alert(context.Context, Alert) error               { return nil }
