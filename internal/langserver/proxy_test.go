package langserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClient struct {
	mu            sync.Mutex
	startErr      error
	startCalls    int
	stopCalls     int
	stopHandle    int
	readyAfter    int // polls returning nil before ready; 0 means manual
	polls         int
	ready         bool
	onPoll        func() // runs after each readiness poll, outside the lock
	telemetry     func(json.RawMessage)
	progress      func(json.RawMessage)
	notifications []string
}

func (c *fakeClient) Start() (Disposable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCalls++
	if c.startErr != nil {
		return nil, c.startErr
	}
	return DisposableFunc(func() error {
		c.mu.Lock()
		c.stopHandle++
		c.mu.Unlock()
		return nil
	}), nil
}

func (c *fakeClient) SendNotification(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	c.notifications = append(c.notifications, method)
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) OnTelemetry(handler func(json.RawMessage)) {
	c.mu.Lock()
	c.telemetry = handler
	c.mu.Unlock()
}

func (c *fakeClient) OnProgress(handler func(json.RawMessage)) {
	c.mu.Lock()
	c.progress = handler
	c.mu.Unlock()
}

func (c *fakeClient) InitializeResult() *InitializeResult {
	c.mu.Lock()
	c.polls++
	ready := c.ready || (c.readyAfter > 0 && c.polls > c.readyAfter)
	c.ready = ready
	hook := c.onPoll
	c.mu.Unlock()

	if hook != nil {
		hook()
	}
	if ready {
		return &InitializeResult{}
	}
	return nil
}

func (c *fakeClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	c.stopCalls++
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) makeReady() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
}

func (c *fakeClient) pollCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls
}

type fakeFactory struct {
	mu      sync.Mutex
	calls   int
	err     error
	clients []*fakeClient
	opts    []*ClientOptions
	next    func() *fakeClient
}

func (f *fakeFactory) CreateClient(ctx context.Context, resource string, interpreter *InterpreterInfo, opts *ClientOptions) (Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return nil, f.err
	}
	var c *fakeClient
	if f.next != nil {
		c = f.next()
	} else {
		c = &fakeClient{readyAfter: 1}
	}
	f.clients = append(f.clients, c)
	return c, nil
}

func (f *fakeFactory) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFactory) client(i int) *fakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[i]
}

func (f *fakeFactory) optsAt(i int) *ClientOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts[i]
}

type fakeSettings struct {
	settings Settings
}

func (s *fakeSettings) Settings(resource string) Settings {
	return s.settings
}

type fakeExperiments struct {
	active map[string]bool
}

func (e *fakeExperiments) InExperiment(flag string) bool {
	return e.active[flag]
}

type fakeNotifier struct {
	mu       sync.Mutex
	handler  func()
	disposed int
}

func (n *fakeNotifier) OnDidChange(handler func()) Disposable {
	n.mu.Lock()
	n.handler = handler
	n.mu.Unlock()
	return DisposableFunc(func() error {
		n.mu.Lock()
		n.disposed++
		n.mu.Unlock()
		return nil
	})
}

func (n *fakeNotifier) fire() {
	n.mu.Lock()
	handler := n.handler
	n.mu.Unlock()
	if handler != nil {
		handler()
	}
}

type fakeSink struct {
	mu     sync.Mutex
	events []sinkEvent
}

type sinkEvent struct {
	name         string
	measurements map[string]float64
	properties   map[string]string
}

func (s *fakeSink) SendEvent(name string, measurements map[string]float64, properties map[string]string) {
	s.mu.Lock()
	s.events = append(s.events, sinkEvent{name, measurements, properties})
	s.mu.Unlock()
}

type fakeRegistrar struct {
	calls atomic.Int32
	err   error
}

func (r *fakeRegistrar) Activate(ctx context.Context, client Client) error {
	r.calls.Add(1)
	return r.err
}

func newTestProxy(factory ClientFactory, opts ...ProxyOption) *Proxy {
	base := []ProxyOption{WithPollInterval(2 * time.Millisecond)}
	return NewProxy(factory, append(base, opts...)...)
}

func TestProxy_SingleSessionForConcurrentStarts(t *testing.T) {
	client := &fakeClient{}
	factory := &fakeFactory{next: func() *fakeClient { return client }}
	proxy := newTestProxy(factory)

	go func() {
		time.Sleep(20 * time.Millisecond)
		client.makeReady()
	}()

	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			errs <- proxy.Start(context.Background(), "/ws", nil, &ClientOptions{})
		}()
	}

	for i := 0; i < n; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Start returned error: %v", err)
		}
	}

	if got := factory.callCount(); got != 1 {
		t.Errorf("expected factory invoked once, got %d", got)
	}
	client.mu.Lock()
	starts := client.startCalls
	client.mu.Unlock()
	if starts != 1 {
		t.Errorf("expected transport started once, got %d", starts)
	}
	if proxy.Client() == nil {
		t.Error("expected client handle after start")
	}
}

func TestProxy_DisposeDuringStart(t *testing.T) {
	client := &fakeClient{} // never becomes ready
	factory := &fakeFactory{next: func() *fakeClient { return client }}
	notifier := &fakeNotifier{}
	sink := &fakeSink{}
	proxy := newTestProxy(factory,
		WithExperiments(&fakeExperiments{active: map[string]bool{DeprecateInterpreterPathExperiment: true}}),
		WithInterpreterPathNotifier(notifier),
		WithSettings(&fakeSettings{settings: Settings{DownloadLanguageServer: true}}),
		WithTelemetrySink(sink),
	)

	errs := make(chan error, 1)
	go func() {
		errs <- proxy.Start(context.Background(), "/ws", nil, &ClientOptions{})
	}()

	// Let startup reach the readiness poll, then dispose.
	time.Sleep(20 * time.Millisecond)
	proxy.Dispose()

	select {
	case err := <-errs:
		if !errors.Is(err, ErrDisposed) {
			t.Errorf("expected ErrDisposed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Start did not return after Dispose")
	}

	if proxy.Client() != nil {
		t.Error("expected client handle cleared after dispose")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.telemetry != nil {
		t.Error("telemetry relay must not be wired after dispose")
	}
	if client.progress != nil {
		t.Error("progress reporting must not be wired after dispose")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.handler != nil {
		t.Error("config-resync subscription must not be wired after dispose")
	}
}

func TestProxy_DisposeIdempotent(t *testing.T) {
	client := &fakeClient{readyAfter: 1}
	factory := &fakeFactory{next: func() *fakeClient { return client }}
	proxy := newTestProxy(factory)

	if err := proxy.Start(context.Background(), "/ws", nil, &ClientOptions{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	proxy.Dispose()
	proxy.Dispose()

	// Transport stop is fire-and-forget; give it a moment.
	time.Sleep(20 * time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.stopCalls != 1 {
		t.Errorf("expected one Stop call, got %d", client.stopCalls)
	}
	if client.stopHandle != 1 {
		t.Errorf("expected transport-start disposable released once, got %d", client.stopHandle)
	}
}

func TestProxy_RestartAfterDispose(t *testing.T) {
	factory := &fakeFactory{}
	proxy := newTestProxy(factory)

	if err := proxy.Start(context.Background(), "/ws", nil, &ClientOptions{}); err != nil {
		t.Fatalf("first Start failed: %v", err)
	}
	proxy.Dispose()

	if err := proxy.Start(context.Background(), "/ws", nil, &ClientOptions{}); err != nil {
		t.Fatalf("Start after Dispose failed: %v", err)
	}

	if got := factory.callCount(); got != 2 {
		t.Errorf("expected factory invoked twice, got %d", got)
	}
	if proxy.Client() == nil {
		t.Error("expected client handle after restart")
	}
	if factory.client(0) == factory.client(1) {
		t.Error("expected a fresh client for the new session")
	}
}

func TestProxy_StartAwaitsExistingSession(t *testing.T) {
	client := &fakeClient{readyAfter: 1}
	factory := &fakeFactory{next: func() *fakeClient { return client }}
	proxy := newTestProxy(factory)

	if err := proxy.Start(context.Background(), "/ws", nil, &ClientOptions{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := proxy.Start(context.Background(), "/ws", nil, &ClientOptions{}); err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if got := factory.callCount(); got != 1 {
		t.Errorf("expected factory invoked once, got %d", got)
	}
}

func TestProxy_TestRegistrarFailureDoesNotFailStart(t *testing.T) {
	registrar := &fakeRegistrar{err: errors.New("activation blew up")}
	factory := &fakeFactory{}
	proxy := newTestProxy(factory, WithTestRegistrar(registrar))

	if err := proxy.Start(context.Background(), "/ws", nil, &ClientOptions{}); err != nil {
		t.Fatalf("Start must not fail when test registration fails, got %v", err)
	}
	if registrar.calls.Load() != 1 {
		t.Errorf("expected registrar activated once, got %d", registrar.calls.Load())
	}
}

func TestProxy_RegisterTestServicesWithoutClient(t *testing.T) {
	proxy := newTestProxy(&fakeFactory{}, WithTestRegistrar(&fakeRegistrar{}))

	err := proxy.RegisterTestServices(context.Background())
	if !errors.Is(err, ErrNoClient) {
		t.Errorf("expected ErrNoClient, got %v", err)
	}
}

func TestProxy_ReadinessPollingTerminates(t *testing.T) {
	client := &fakeClient{readyAfter: 3}
	factory := &fakeFactory{next: func() *fakeClient { return client }}
	proxy := newTestProxy(factory)

	if err := proxy.Start(context.Background(), "/ws", nil, &ClientOptions{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	polls := client.pollCount()
	time.Sleep(30 * time.Millisecond)
	if after := client.pollCount(); after != polls {
		t.Errorf("polling continued after readiness: %d -> %d", polls, after)
	}
}

func TestProxy_ReadyTimeout(t *testing.T) {
	client := &fakeClient{} // never ready
	factory := &fakeFactory{next: func() *fakeClient { return client }}
	proxy := newTestProxy(factory, WithReadyTimeout(30*time.Millisecond))

	err := proxy.Start(context.Background(), "/ws", nil, &ClientOptions{})
	if !errors.Is(err, ErrInitializeTimeout) {
		t.Errorf("expected ErrInitializeTimeout, got %v", err)
	}
}

func TestProxy_StartupFailurePropagatesToWaiters(t *testing.T) {
	startErr := errors.New("transport refused")
	client := &fakeClient{startErr: startErr}
	factory := &fakeFactory{next: func() *fakeClient { return client }}
	proxy := newTestProxy(factory)

	err := proxy.Start(context.Background(), "/ws", nil, &ClientOptions{})
	if !errors.Is(err, startErr) {
		t.Errorf("expected start error, got %v", err)
	}

	// A later Start observes the same failed attempt through the gate.
	err = proxy.Start(context.Background(), "/ws", nil, &ClientOptions{})
	if !errors.Is(err, startErr) {
		t.Errorf("expected start error for late waiter, got %v", err)
	}

	// Dispose must still unwind the partially-initialized session.
	proxy.Dispose()
	if proxy.Client() != nil {
		t.Error("expected client handle cleared after dispose")
	}
}

func TestProxy_ConfigResyncOnInterpreterPathChange(t *testing.T) {
	client := &fakeClient{readyAfter: 1}
	factory := &fakeFactory{next: func() *fakeClient { return client }}
	notifier := &fakeNotifier{}
	proxy := newTestProxy(factory,
		WithExperiments(&fakeExperiments{active: map[string]bool{DeprecateInterpreterPathExperiment: true}}),
		WithInterpreterPathNotifier(notifier),
	)

	if err := proxy.Start(context.Background(), "/ws", nil, &ClientOptions{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	notifier.fire()

	client.mu.Lock()
	defer client.mu.Unlock()
	found := false
	for _, method := range client.notifications {
		if method == "workspace/didChangeConfiguration" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected configuration-changed notification, got %v", client.notifications)
	}
}

func TestProxy_NoResyncWithoutExperiment(t *testing.T) {
	client := &fakeClient{readyAfter: 1}
	factory := &fakeFactory{next: func() *fakeClient { return client }}
	notifier := &fakeNotifier{}
	proxy := newTestProxy(factory,
		WithExperiments(&fakeExperiments{}),
		WithInterpreterPathNotifier(notifier),
	)

	if err := proxy.Start(context.Background(), "/ws", nil, &ClientOptions{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if notifier.handler != nil {
		t.Error("expected no interpreter-path subscription outside the experiment")
	}
}

func TestProxy_TelemetryRelayWiring(t *testing.T) {
	client := &fakeClient{readyAfter: 1}
	factory := &fakeFactory{next: func() *fakeClient { return client }}
	sink := &fakeSink{}
	proxy := newTestProxy(factory,
		WithSettings(&fakeSettings{settings: Settings{DownloadLanguageServer: true}}),
		WithTelemetrySink(sink),
	)

	if err := proxy.Start(context.Background(), "/ws", nil, &ClientOptions{}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	client.mu.Lock()
	handler := client.telemetry
	client.mu.Unlock()
	if handler == nil {
		t.Fatal("expected telemetry relay wired")
	}

	handler(json.RawMessage(`{"EventName":"LSP/Request","Properties":{"method":"a/b/c"}}`))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.events) != 1 {
		t.Fatalf("expected one relayed event, got %d", len(sink.events))
	}
	if got := sink.events[0].properties["method"]; got != "a.b.c" {
		t.Errorf("expected sanitized method a.b.c, got %q", got)
	}
}

func TestProxy_CancellationStrategyInjected(t *testing.T) {
	factory := &fakeFactory{}
	proxy := newTestProxy(factory)
	opts := &ClientOptions{}

	if err := proxy.Start(context.Background(), "/ws", nil, opts); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer proxy.Dispose()

	if opts.ConnectionOptions.CancellationStrategy == nil {
		t.Error("expected cancellation strategy injected into options")
	}
}

func TestProxy_NilOptionsReceiveCancellationStrategy(t *testing.T) {
	factory := &fakeFactory{}
	proxy := newTestProxy(factory)

	if err := proxy.Start(context.Background(), "/ws", nil, nil); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer proxy.Dispose()

	opts := factory.optsAt(0)
	if opts == nil {
		t.Fatal("expected synthesized client options, factory received nil")
	}
	if opts.ConnectionOptions.CancellationStrategy == nil {
		t.Error("expected cancellation strategy in synthesized options")
	}
}

func TestProxy_StaleStartDoesNotWireSuccessorSession(t *testing.T) {
	clientA := &fakeClient{} // never becomes ready on its own
	clientB := &fakeClient{readyAfter: 1}
	pending := []*fakeClient{clientA, clientB}
	factory := &fakeFactory{next: func() *fakeClient {
		c := pending[0]
		pending = pending[1:]
		return c
	}}
	registrar := &fakeRegistrar{}
	proxy := newTestProxy(factory, WithTestRegistrar(registrar))

	// From inside the first call's readiness poll, tear the session down and
	// start a replacement. The first call must not adopt the replacement.
	var once sync.Once
	second := make(chan error, 1)
	clientA.mu.Lock()
	clientA.onPoll = func() {
		once.Do(func() {
			proxy.Dispose()
			second <- proxy.Start(context.Background(), "/ws", nil, &ClientOptions{})
		})
	}
	clientA.mu.Unlock()

	first := make(chan error, 1)
	go func() {
		first <- proxy.Start(context.Background(), "/ws", nil, &ClientOptions{})
	}()

	select {
	case err := <-second:
		if err != nil {
			t.Fatalf("replacement Start failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("replacement Start did not return")
	}
	select {
	case err := <-first:
		if !errors.Is(err, ErrDisposed) {
			t.Errorf("expected ErrDisposed from the superseded Start, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("superseded Start did not return")
	}
	defer proxy.Dispose()

	if got := factory.callCount(); got != 2 {
		t.Fatalf("expected 2 factory calls, got %d", got)
	}
	if got := registrar.calls.Load(); got != 1 {
		t.Errorf("expected exactly one test registration, got %d", got)
	}
	clientA.mu.Lock()
	if clientA.progress != nil {
		t.Error("superseded session must not be wired")
	}
	clientA.mu.Unlock()
	clientB.mu.Lock()
	if clientB.progress == nil {
		t.Error("replacement session must be wired")
	}
	clientB.mu.Unlock()
}

func TestProxy_LoadExtensionWithoutLoader(t *testing.T) {
	proxy := newTestProxy(&fakeFactory{})
	if err := proxy.LoadExtension("/tmp/ext.lua"); err != nil {
		t.Errorf("expected no-op, got %v", err)
	}
}
