// Package telemetry provides the process-local telemetry sink.
//
// Relayed server events are emitted to the structured log. A real ingestion
// backend can replace the sink without touching the relay.
package telemetry

import (
	"github.com/rs/zerolog"
)

// LogSink writes telemetry events to a zerolog logger. It implements the
// session proxy's telemetry sink contract.
type LogSink struct {
	log zerolog.Logger
}

// NewLogSink creates a sink around a logger.
func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{
		log: log.With().Str("component", "telemetry").Logger(),
	}
}

// SendEvent records one telemetry event.
func (s *LogSink) SendEvent(name string, measurements map[string]float64, properties map[string]string) {
	event := s.log.Info().Str("event", name)
	if len(properties) > 0 {
		dict := zerolog.Dict()
		for k, v := range properties {
			dict.Str(k, v)
		}
		event = event.Dict("properties", dict)
	}
	if len(measurements) > 0 {
		dict := zerolog.Dict()
		for k, v := range measurements {
			dict.Float64(k, v)
		}
		event = event.Dict("measurements", dict)
	}
	event.Msg("telemetry event")
}
