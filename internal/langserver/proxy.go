package langserver

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DeprecateInterpreterPathExperiment gates the manual configuration resync
// for interpreter-path changes. That change source bypasses the host's own
// settings-change propagation, so the proxy pushes the resync itself.
const DeprecateInterpreterPathExperiment = "deprecatePythonPath"

const (
	defaultPollInterval = 100 * time.Millisecond
	stopTimeout         = 5 * time.Second
)

// Proxy owns one logical language-server session: it builds the client
// through the injected factory, attaches the cancellation strategy, drives
// the start/ready sequence, wires auxiliary subscriptions, and owns disposal
// of everything it created.
type Proxy struct {
	mu sync.Mutex

	factory       ClientFactory
	folders       FolderResolver
	experiments   Experiments
	settings      SettingsProvider
	interpreters  InterpreterPathNotifier
	telemetry     TelemetrySink
	testRegistrar TestRegistrar
	extensions    ExtensionLoader
	hooks         SessionHooks
	log           zerolog.Logger

	pollInterval time.Duration
	readyTimeout time.Duration

	// Session state (protected by mu)
	client        Client
	cancellation  *FileCancellationStrategy
	subscriptions []Disposable
	ready         *Deferred
	disposed      bool
	generation    uint64
	version       string
}

// ExtensionLoader loads extension scripts for the session.
type ExtensionLoader interface {
	Load(path string) error
}

// ProxyOption configures the proxy.
type ProxyOption func(*Proxy)

// WithFolderResolver sets the server-directory resolver.
func WithFolderResolver(r FolderResolver) ProxyOption {
	return func(p *Proxy) { p.folders = r }
}

// WithExperiments sets the feature-flag service.
func WithExperiments(e Experiments) ProxyOption {
	return func(p *Proxy) { p.experiments = e }
}

// WithSettings sets the settings provider.
func WithSettings(s SettingsProvider) ProxyOption {
	return func(p *Proxy) { p.settings = s }
}

// WithInterpreterPathNotifier sets the interpreter-path change source.
func WithInterpreterPathNotifier(n InterpreterPathNotifier) ProxyOption {
	return func(p *Proxy) { p.interpreters = n }
}

// WithTelemetrySink sets the telemetry sink the relay forwards to.
func WithTelemetrySink(t TelemetrySink) ProxyOption {
	return func(p *Proxy) { p.telemetry = t }
}

// WithTestRegistrar sets the test-integration registrar.
func WithTestRegistrar(r TestRegistrar) ProxyOption {
	return func(p *Proxy) { p.testRegistrar = r }
}

// WithExtensionLoader sets the extension script loader.
func WithExtensionLoader(l ExtensionLoader) ProxyOption {
	return func(p *Proxy) { p.extensions = l }
}

// WithSessionHooks sets an observer for session lifecycle transitions.
func WithSessionHooks(h SessionHooks) ProxyOption {
	return func(p *Proxy) { p.hooks = h }
}

// WithLogger sets the logger.
func WithLogger(log zerolog.Logger) ProxyOption {
	return func(p *Proxy) { p.log = log }
}

// WithPollInterval sets the readiness poll interval.
func WithPollInterval(d time.Duration) ProxyOption {
	return func(p *Proxy) { p.pollInterval = d }
}

// WithReadyTimeout bounds the readiness poll. Zero means unbounded; waiters
// are then unblocked only by context cancellation or Dispose.
func WithReadyTimeout(d time.Duration) ProxyOption {
	return func(p *Proxy) { p.readyTimeout = d }
}

// NewProxy creates a proxy around the given client factory.
func NewProxy(factory ClientFactory, opts ...ProxyOption) *Proxy {
	p := &Proxy{
		factory:      factory,
		log:          zerolog.Nop(),
		pollInterval: defaultPollInterval,
		ready:        NewDeferred(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start ensures a session exists and returns once the server is ready.
//
// If no session exists one is created: the server directory is resolved for
// its version label, a fresh cancellation strategy is injected into opts,
// the factory builds the client, the transport is started, and readiness is
// awaited. Re-entrant calls while a session exists wait on the same
// readiness gate; the factory is never invoked a second time for the same
// session. opts is mutated to carry the cancellation strategy; a nil opts is
// replaced with an empty one so the client always receives the strategy.
func (p *Proxy) Start(ctx context.Context, resource string, interpreter *InterpreterInfo, opts *ClientOptions) error {
	if opts == nil {
		opts = &ClientOptions{}
	}

	p.mu.Lock()
	if p.client != nil {
		gate := p.ready
		p.mu.Unlock()
		return gate.Wait(ctx)
	}

	// A Start after a completed Dispose builds a brand-new session.
	p.disposed = false

	if err := p.createSessionLocked(ctx, resource, interpreter, opts); err != nil {
		p.mu.Unlock()
		return err
	}
	// Snapshot the session this call created while still holding the lock:
	// once released, Dispose plus a successor Start may replace all three.
	client := p.client
	gate := p.ready
	generation := p.generation
	p.mu.Unlock()

	if err := p.serverReady(ctx, client, gate); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed || p.generation != generation {
		// Dispose, and possibly a successor session, raced the readiness
		// wait. Only the call that created a session may wire it.
		return nil
	}
	p.wireSessionLocked(ctx, resource)
	return nil
}

// createSessionLocked builds the client and starts its transport.
// Must hold mu.
func (p *Proxy) createSessionLocked(ctx context.Context, resource string, interpreter *InterpreterInfo, opts *ClientOptions) error {
	if p.folders != nil {
		dir, err := p.folders.CurrentServerDirectory(ctx)
		if err != nil {
			// Version is a diagnostic label only; resolution failure must
			// not abort startup.
			p.log.Warn().Err(err).Msg("could not resolve language server directory")
		} else if dir != nil {
			p.version = dir.Version
		}
	}

	strategy, err := NewFileCancellationStrategy()
	if err != nil {
		return &StartupError{Phase: "cancellation", Err: err}
	}
	p.cancellation = strategy
	opts.ConnectionOptions.CancellationStrategy = strategy

	client, err := p.factory.CreateClient(ctx, resource, interpreter, opts)
	if err != nil {
		return &StartupError{Phase: "create client", Err: err}
	}
	p.client = client
	p.generation++

	stop, err := client.Start()
	if err != nil {
		// The session is now partially initialized; waiters on the gate
		// fail with the same error and a later Dispose unwinds whatever
		// was created.
		serr := &StartupError{Phase: "transport start", Err: err}
		p.ready.Reject(serr)
		return serr
	}
	p.subscriptions = append(p.subscriptions, stop)
	p.log.Debug().Str("version", p.version).Msg("language server session starting")
	return nil
}

// serverReady polls the client's initialize result at a fixed interval until
// it is present, then resolves the readiness gate. The client exposes no
// readiness event, so polling is the only detection mechanism; the interval
// is a design parameter, not a correctness requirement. The client and gate
// are the caller's snapshot of the session it created.
func (p *Proxy) serverReady(ctx context.Context, client Client, gate *Deferred) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	var timeout <-chan time.Time
	if p.readyTimeout > 0 {
		timer := time.NewTimer(p.readyTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for client.InitializeResult() == nil {
		select {
		case <-gate.Done():
			// Disposal settled the gate while we were polling.
			return gate.Err()
		case <-ctx.Done():
			gate.Reject(ctx.Err())
			return ctx.Err()
		case <-timeout:
			gate.Reject(ErrInitializeTimeout)
			return ErrInitializeTimeout
		case <-ticker.C:
		}
	}

	gate.Resolve()
	return gate.Err()
}

// wireSessionLocked attaches the post-readiness features: progress
// reporting, the interpreter-path config resync, the telemetry relay, and
// test registration. Must hold mu, and must only run when not disposed.
func (p *Proxy) wireSessionLocked(ctx context.Context, resource string) {
	client := p.client
	log := p.log

	p.subscriptions = append(p.subscriptions, newProgressReporter(client, log).subscribe())

	if p.experiments != nil && p.interpreters != nil &&
		p.experiments.InExperiment(DeprecateInterpreterPathExperiment) {
		sub := p.interpreters.OnDidChange(func() {
			bestEffort(log, "configuration resync", func() error {
				return client.SendNotification(context.Background(),
					"workspace/didChangeConfiguration", map[string]any{"settings": nil})
			})
		})
		p.subscriptions = append(p.subscriptions, sub)
	}

	if p.telemetry != nil && p.settingsFor(resource).DownloadLanguageServer {
		relay := newTelemetryRelay(p.telemetry, log)
		client.OnTelemetry(relay.handle)
		p.subscriptions = append(p.subscriptions, DisposableFunc(func() error {
			client.OnTelemetry(nil)
			return nil
		}))
	}

	if p.testRegistrar != nil {
		bestEffort(log, "test registration", func() error {
			return p.testRegistrar.Activate(ctx, client)
		})
	}

	if p.hooks != nil {
		p.hooks.SessionReady(p.version)
	}
	p.log.Info().Str("version", p.version).Msg("language server ready")
}

func (p *Proxy) settingsFor(resource string) Settings {
	if p.settings == nil {
		return Settings{}
	}
	return p.settings.Settings(resource)
}

// RegisterTestServices activates test-framework integration against the
// current client. Invoking it with no client is a programming error and
// fails hard; activation failures themselves are logged and swallowed.
func (p *Proxy) RegisterTestServices(ctx context.Context) error {
	p.mu.Lock()
	client := p.client
	p.mu.Unlock()

	if client == nil {
		return ErrNoClient
	}
	if p.testRegistrar == nil {
		return nil
	}
	bestEffort(p.log, "test registration", func() error {
		return p.testRegistrar.Activate(ctx, client)
	})
	return nil
}

// LoadExtension loads an extension script into the configured loader.
// Without a loader it is a no-op hook reserved for extension points.
func (p *Proxy) LoadExtension(path string) error {
	if p.extensions == nil {
		return nil
	}
	return p.extensions.Load(path)
}

// Dispose tears the session down: transport stopped (asynchronously, failure
// logged only), cancellation strategy released, subscriptions drained
// front-to-back with each release attempted regardless of earlier failures,
// and the readiness gate replaced so a later Start gets a fresh one. It is
// idempotent and safe to call before, during, or after startup.
func (p *Proxy) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		client := p.client
		p.client = nil
		log := p.log
		go bestEffort(log, "transport stop", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
			defer cancel()
			return client.Stop(ctx)
		})
	}

	if p.cancellation != nil {
		strategy := p.cancellation
		p.cancellation = nil
		bestEffort(p.log, "cancellation cleanup", strategy.Dispose)
	}

	for _, sub := range p.subscriptions {
		bestEffort(p.log, "subscription release", sub.Dispose)
	}
	p.subscriptions = nil

	// A resolved gate is never retracted for waiters that already saw
	// success; a pending gate rejects so in-flight waiters unblock. Either
	// way future Start calls get a fresh, usable gate.
	if !p.ready.Completed() {
		p.ready.Reject(ErrDisposed)
	}
	p.ready = NewDeferred()

	if !p.disposed {
		if p.hooks != nil {
			p.hooks.SessionDisposed()
		}
		p.log.Debug().Msg("language server session disposed")
	}
	p.disposed = true
}

// Client returns the current client handle, or nil when no session exists.
// Collaborators that need direct protocol access (symbol providers) use it.
func (p *Proxy) Client() Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.client
}

// ServerVersion returns the resolved server version label for the current
// session. Informational only.
func (p *Proxy) ServerVersion() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}
