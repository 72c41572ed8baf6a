// Package metrics records bridge timing events (stream transfer, turn
// handling, HTTP completions) through a pluggable observer.
package metrics

import "time"

// MetricsEvent is one named measurement with optional tags and fields.
type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}
