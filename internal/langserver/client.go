package langserver

import (
	"context"
	"encoding/json"
)

// Disposable is a handle releasing a resource or subscription.
type Disposable interface {
	Dispose() error
}

// DisposableFunc adapts a function to the Disposable interface.
type DisposableFunc func() error

// Dispose implements Disposable.
func (f DisposableFunc) Dispose() error {
	return f()
}

// InterpreterInfo identifies the Python environment the server analyzes.
type InterpreterInfo struct {
	// Path is the interpreter executable path.
	Path string

	// Version is the interpreter version (informational).
	Version string
}

// ServerDirectory identifies a resolved on-disk server installation.
type ServerDirectory struct {
	// Path is the installation directory.
	Path string

	// Version is the installed server version, used only for diagnostic
	// and telemetry labeling.
	Version string
}

// ConnectionOptions carries transport-level options handed to the client
// factory. The proxy injects the cancellation strategy here before handoff.
type ConnectionOptions struct {
	CancellationStrategy *FileCancellationStrategy
}

// ClientOptions carries everything the factory needs to build a client.
type ClientOptions struct {
	ConnectionOptions ConnectionOptions

	// InitializationOptions are sent during the initialize handshake.
	InitializationOptions any
}

// InitializeServerInfo describes the server from the initialize result.
type InitializeServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// InitializeResult is the server's response to the initialize request.
// A client exposes it only after initialization has truly completed.
type InitializeResult struct {
	Capabilities json.RawMessage       `json:"capabilities"`
	ServerInfo   *InitializeServerInfo `json:"serverInfo,omitempty"`
}

// Client is the protocol connection the proxy manages. Implementations must
// expose the initialize result only once the handshake has completed; the
// proxy polls it to detect readiness.
type Client interface {
	// Start begins the underlying transport and returns a handle that
	// stops it.
	Start() (Disposable, error)

	// SendNotification sends a protocol notification.
	SendNotification(ctx context.Context, method string, params any) error

	// OnTelemetry registers a handler for telemetry/event notifications.
	// Passing nil removes the handler.
	OnTelemetry(handler func(event json.RawMessage))

	// OnProgress registers a handler for $/progress notifications.
	// Passing nil removes the handler.
	OnProgress(handler func(params json.RawMessage))

	// InitializeResult returns the initialize result, or nil until
	// initialization completes.
	InitializeResult() *InitializeResult

	// Stop shuts the connection down.
	Stop(ctx context.Context) error
}

// ClientFactory builds clients. The production factory spawns the server
// process and wires the protocol channel; tests substitute fakes.
type ClientFactory interface {
	CreateClient(ctx context.Context, resource string, interpreter *InterpreterInfo, opts *ClientOptions) (Client, error)
}

// ClientFactoryFunc adapts a function to the ClientFactory interface.
type ClientFactoryFunc func(ctx context.Context, resource string, interpreter *InterpreterInfo, opts *ClientOptions) (Client, error)

// CreateClient implements ClientFactory.
func (f ClientFactoryFunc) CreateClient(ctx context.Context, resource string, interpreter *InterpreterInfo, opts *ClientOptions) (Client, error) {
	return f(ctx, resource, interpreter, opts)
}

// FolderResolver resolves the current on-disk server installation.
type FolderResolver interface {
	CurrentServerDirectory(ctx context.Context) (*ServerDirectory, error)
}

// Experiments answers feature-flag membership queries.
type Experiments interface {
	InExperiment(flag string) bool
}

// Settings are the language-server related user settings for a resource.
type Settings struct {
	// DownloadLanguageServer gates the telemetry relay.
	DownloadLanguageServer bool

	// InterpreterPath is the configured interpreter executable.
	InterpreterPath string
}

// SettingsProvider reads current settings for a resource.
type SettingsProvider interface {
	Settings(resource string) Settings
}

// InterpreterPathNotifier publishes interpreter-path changes that bypass the
// host's normal settings-change propagation.
type InterpreterPathNotifier interface {
	OnDidChange(handler func()) Disposable
}

// TelemetrySink receives relayed telemetry events.
type TelemetrySink interface {
	SendEvent(name string, measurements map[string]float64, properties map[string]string)
}

// TestRegistrar activates test-framework integration against a ready client.
// Activation failures are logged and never propagated.
type TestRegistrar interface {
	Activate(ctx context.Context, client Client) error
}

// SessionHooks observes session lifecycle transitions. The extension runner
// implements this to expose the transitions to loaded scripts.
type SessionHooks interface {
	SessionReady(version string)
	SessionDisposed()
}
