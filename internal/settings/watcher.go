package settings

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/Cetlan/vscode-python/internal/langserver"
)

// defaultDebounce coalesces rapid editor saves into one change event.
const defaultDebounce = 100 * time.Millisecond

// PathWatcher watches the interpreter-path file and publishes change events
// to subscribed handlers. It implements langserver.InterpreterPathNotifier.
//
// The parent directory is watched rather than the file itself because many
// editors replace files atomically (write to a temp name, then rename),
// which drops a direct file watch.
type PathWatcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	log      zerolog.Logger

	handlers map[int]func()
	nextID   int
	timer    *time.Timer

	closed   bool
	closeCh  chan struct{}
	closedWg sync.WaitGroup
}

// WatcherOption customizes a PathWatcher.
type WatcherOption func(*PathWatcher)

// WithDebounce overrides the change-coalescing window.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *PathWatcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewPathWatcher creates a watcher for the given interpreter-path file.
func NewPathWatcher(path string, log zerolog.Logger, opts ...WatcherOption) (*PathWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &PathWatcher{
		watcher:  fsw,
		path:     abs,
		debounce: defaultDebounce,
		log:      log.With().Str("component", "settings.watcher").Logger(),
		handlers: make(map[int]func()),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	w.closedWg.Add(1)
	go w.processLoop()

	return w, nil
}

// OnDidChange registers a handler invoked after the interpreter-path file
// changes. The returned disposable removes the handler.
func (w *PathWatcher) OnDidChange(handler func()) langserver.Disposable {
	w.mu.Lock()
	defer w.mu.Unlock()

	id := w.nextID
	w.nextID++
	w.handlers[id] = handler

	return langserver.DisposableFunc(func() error {
		w.mu.Lock()
		delete(w.handlers, id)
		w.mu.Unlock()
		return nil
	})
}

// Close stops the watcher. Pending debounced events are dropped.
func (w *PathWatcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	close(w.closeCh)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.closedWg.Wait()
	return err
}

func (w *PathWatcher) processLoop() {
	defer w.closedWg.Done()

	for {
		select {
		case <-w.closeCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.matches(event) {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

func (w *PathWatcher) matches(event fsnotify.Event) bool {
	if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return name == w.path
}

// schedule arms (or re-arms) the debounce timer.
func (w *PathWatcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *PathWatcher) fire() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	handlers := make([]func(), 0, len(w.handlers))
	for _, h := range w.handlers {
		handlers = append(handlers, h)
	}
	w.mu.Unlock()

	w.log.Debug().Str("path", w.path).Msg("interpreter path changed")
	for _, h := range handlers {
		h()
	}
}
