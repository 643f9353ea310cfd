package langserver

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// progressReporter surfaces the server's $/progress work-done notifications.
// Rendering is left to the host UI; the reporter tracks active work items
// and logs their transitions.
type progressReporter struct {
	client Client
	log    zerolog.Logger

	mu     sync.Mutex
	active map[string]string // token -> title
	closed bool
}

func newProgressReporter(client Client, log zerolog.Logger) *progressReporter {
	return &progressReporter{
		client: client,
		log:    log,
		active: make(map[string]string),
	}
}

// subscribe registers for progress notifications and returns the handle
// that releases the subscription.
func (r *progressReporter) subscribe() Disposable {
	r.client.OnProgress(r.handle)
	return DisposableFunc(func() error {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()
		r.client.OnProgress(nil)
		return nil
	})
}

func (r *progressReporter) handle(params json.RawMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}

	payload := []byte(params)
	token := gjson.GetBytes(payload, "token").String()
	value := gjson.GetBytes(payload, "value")

	switch value.Get("kind").String() {
	case "begin":
		title := value.Get("title").String()
		r.active[token] = title
		r.log.Info().Str("token", token).Str("title", title).Msg("server work started")
	case "report":
		event := r.log.Debug().Str("token", token)
		if message := value.Get("message"); message.Exists() {
			event = event.Str("message", message.String())
		}
		if pct := value.Get("percentage"); pct.Exists() {
			event = event.Float64("percentage", pct.Float())
		}
		event.Msg("server work progress")
	case "end":
		title := r.active[token]
		delete(r.active, token)
		r.log.Info().Str("token", token).Str("title", title).Msg("server work finished")
	}
}

// activeCount reports how many work items are in flight.
func (r *progressReporter) activeCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
