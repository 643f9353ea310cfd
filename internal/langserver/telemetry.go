package langserver

import (
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// telemetryRelay forwards telemetry/event payloads from the server to the
// host's telemetry sink. Event names are normalized to the host's naming
// scheme and the method property is sanitized, since telemetry backends may
// scrub slash-bearing values.
type telemetryRelay struct {
	sink TelemetrySink
	log  zerolog.Logger
}

func newTelemetryRelay(sink TelemetrySink, log zerolog.Logger) *telemetryRelay {
	return &telemetryRelay{sink: sink, log: log}
}

// handle relays a single raw telemetry event.
func (r *telemetryRelay) handle(event json.RawMessage) {
	payload := []byte(event)

	name := gjson.GetBytes(payload, "EventName").String()
	if name == "" {
		r.log.Debug().Msg("dropping telemetry event without a name")
		return
	}
	name = normalizeEventName(name)

	if method := gjson.GetBytes(payload, "Properties.method"); method.Exists() {
		rewritten, err := sjson.SetBytes(payload, "Properties.method", sanitizeMethod(method.String()))
		if err != nil {
			r.log.Debug().Err(err).Msg("could not sanitize telemetry method")
		} else {
			payload = rewritten
		}
	}

	properties := make(map[string]string)
	gjson.GetBytes(payload, "Properties").ForEach(func(key, value gjson.Result) bool {
		properties[key.String()] = value.String()
		return true
	})

	measurements := make(map[string]float64)
	gjson.GetBytes(payload, "Measurements").ForEach(func(key, value gjson.Result) bool {
		measurements[key.String()] = value.Float()
		return true
	})

	r.sink.SendEvent(name, measurements, properties)
}

// normalizeEventName folds server event names into the host's telemetry
// naming: lower case, path separators and spaces collapsed.
func normalizeEventName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "/", ".")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

// sanitizeMethod replaces path separators in a protocol method name with
// dots so telemetry backends do not scrub it as a file path.
func sanitizeMethod(method string) string {
	method = strings.ReplaceAll(method, "/", ".")
	method = strings.ReplaceAll(method, "\\", ".")
	return method
}
