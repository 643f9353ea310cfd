package langserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// StdioConfig defines how to run an analysis server over stdio.
type StdioConfig struct {
	// Command is the server executable.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env are additional environment variables.
	Env map[string]string

	// WorkDir is the working directory for the server process.
	WorkDir string

	// RootPath is the workspace root announced during initialize.
	RootPath string

	// InitializationOptions are sent with the initialize request.
	InitializationOptions any

	// InitializeTimeout bounds the initialize call (default 30s).
	InitializeTimeout time.Duration

	// CancellationStrategy, when set, is announced to the server via the
	// --cancellationReceive argument and used for out-of-band cancellation.
	CancellationStrategy *FileCancellationStrategy

	// Logger for process and handshake diagnostics.
	Logger zerolog.Logger
}

// StdioClient runs the analysis server as a child process and speaks
// JSON-RPC 2.0 over its stdio pipes. The initialize handshake runs in the
// background after Start; InitializeResult reports nil until the handshake
// has fully completed, which is what the proxy's readiness poll observes.
type StdioClient struct {
	mu sync.Mutex

	config StdioConfig
	log    zerolog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	transport *Transport

	initResult atomic.Pointer[InitializeResult]

	handlersMu  sync.Mutex
	onTelemetry func(json.RawMessage)
	onProgress  func(json.RawMessage)

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// NewStdioClient creates a client for the given server configuration.
// The process is not spawned until Start.
func NewStdioClient(config StdioConfig) *StdioClient {
	if config.InitializeTimeout == 0 {
		config.InitializeTimeout = 30 * time.Second
	}
	return &StdioClient{
		config: config,
		log:    config.Logger,
	}
}

// Start spawns the server process, starts the transport read loop, and
// kicks off the initialize handshake in the background. The returned
// disposable stops the client.
func (c *StdioClient) Start() (Disposable, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil, ErrAlreadyStarted
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	if err := c.startProcessLocked(); err != nil {
		c.cancel()
		return nil, err
	}

	c.transport = NewTransport(c.stdout, c.stdin, c.config.CancellationStrategy)
	c.transport.OnNotification("telemetry/event", func(method string, params json.RawMessage) {
		c.dispatchTelemetry(params)
	})
	c.transport.OnNotification("$/progress", func(method string, params json.RawMessage) {
		c.dispatchProgress(params)
	})
	c.transport.Start(c.ctx)

	go c.initialize(c.ctx)

	c.started = true
	return DisposableFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return c.Stop(ctx)
	}), nil
}

// startProcessLocked spawns the server executable. Must hold mu.
func (c *StdioClient) startProcessLocked() error {
	args := c.config.Args
	if c.config.CancellationStrategy != nil {
		args = append(append([]string(nil), args...),
			"--cancellationReceive=file:"+c.config.CancellationStrategy.Folder())
	}

	cmd := exec.CommandContext(c.ctx, c.config.Command, args...)

	cmd.Env = os.Environ()
	for k, v := range c.config.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	if c.config.WorkDir != "" {
		cmd.Dir = c.config.WorkDir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return fmt.Errorf("start process: %w", err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout
	c.stderr = stderr

	go c.drainStderr(stderr)
	return nil
}

// drainStderr keeps the server's stderr pipe from filling up and surfaces
// its output at debug level.
func (c *StdioClient) drainStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			c.log.Debug().Str("stream", "stderr").Msg(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// initialize performs the initialize/initialized handshake and publishes
// the result once the server is fully initialized.
func (c *StdioClient) initialize(ctx context.Context) {
	params := map[string]any{
		"processId":    os.Getpid(),
		"rootPath":     c.config.RootPath,
		"capabilities": map[string]any{},
	}
	if c.config.InitializationOptions != nil {
		params["initializationOptions"] = c.config.InitializationOptions
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.InitializeTimeout)
	defer cancel()

	var result InitializeResult
	if err := c.transport.Call(callCtx, "initialize", params, &result); err != nil {
		c.log.Error().Err(err).Msg("initialize request failed")
		return
	}
	if err := c.transport.Notify(ctx, "initialized", struct{}{}); err != nil {
		c.log.Error().Err(err).Msg("initialized notification failed")
		return
	}

	c.initResult.Store(&result)
}

// InitializeResult returns the handshake result, or nil until the server is
// fully initialized.
func (c *StdioClient) InitializeResult() *InitializeResult {
	return c.initResult.Load()
}

// SendNotification sends a protocol notification to the server.
func (c *StdioClient) SendNotification(ctx context.Context, method string, params any) error {
	c.mu.Lock()
	transport := c.transport
	c.mu.Unlock()

	if transport == nil {
		return ErrNotStarted
	}
	return transport.Notify(ctx, method, params)
}

// OnTelemetry registers the telemetry/event handler. Nil removes it.
func (c *StdioClient) OnTelemetry(handler func(json.RawMessage)) {
	c.handlersMu.Lock()
	c.onTelemetry = handler
	c.handlersMu.Unlock()
}

// OnProgress registers the $/progress handler. Nil removes it.
func (c *StdioClient) OnProgress(handler func(json.RawMessage)) {
	c.handlersMu.Lock()
	c.onProgress = handler
	c.handlersMu.Unlock()
}

func (c *StdioClient) dispatchTelemetry(params json.RawMessage) {
	c.handlersMu.Lock()
	handler := c.onTelemetry
	c.handlersMu.Unlock()
	if handler != nil {
		handler(params)
	}
}

func (c *StdioClient) dispatchProgress(params json.RawMessage) {
	c.handlersMu.Lock()
	handler := c.onProgress
	c.handlersMu.Unlock()
	if handler != nil {
		handler(params)
	}
}

// Stop shuts the server down: a best-effort shutdown/exit exchange, then
// the transport is closed and the process killed. Idempotent.
func (c *StdioClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.stopped {
		return nil
	}
	c.stopped = true

	if c.transport != nil && !c.transport.IsClosed() {
		shutdownCtx, cancel := context.WithTimeout(ctx, stopTimeout)
		_ = c.transport.Call(shutdownCtx, "shutdown", nil, nil)
		_ = c.transport.Notify(shutdownCtx, "exit", nil)
		cancel()
		_ = c.transport.Close()
	}

	if c.cancel != nil {
		c.cancel()
	}

	if c.stdin != nil {
		c.stdin.Close()
	}
	if c.stdout != nil {
		c.stdout.Close()
	}
	if c.stderr != nil {
		c.stderr.Close()
	}
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_ = c.cmd.Wait()
	}
	return nil
}

// NewStdioClientFactory returns a factory that builds stdio clients from the
// given base configuration, honoring the cancellation strategy and
// initialization options the proxy injects.
func NewStdioClientFactory(base StdioConfig) ClientFactory {
	return ClientFactoryFunc(func(ctx context.Context, resource string, interpreter *InterpreterInfo, opts *ClientOptions) (Client, error) {
		config := base
		if config.WorkDir == "" {
			config.WorkDir = resource
		}
		if config.RootPath == "" {
			config.RootPath = resource
		}
		if opts != nil {
			config.CancellationStrategy = opts.ConnectionOptions.CancellationStrategy
			if opts.InitializationOptions != nil {
				config.InitializationOptions = opts.InitializationOptions
			}
		}
		if config.InitializationOptions == nil && interpreter != nil {
			config.InitializationOptions = map[string]any{
				"interpreter": map[string]string{
					"path":    interpreter.Path,
					"version": interpreter.Version,
				},
			}
		}
		return NewStdioClient(config), nil
	})
}
