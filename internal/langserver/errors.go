package langserver

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Standard errors returned by the session proxy.
var (
	// ErrNotStarted indicates no session has been started.
	ErrNotStarted = errors.New("language server not started")

	// ErrDisposed indicates the session was disposed while callers were
	// still waiting on readiness.
	ErrDisposed = errors.New("language server disposed")

	// ErrAlreadyStarted indicates a client's transport was started twice.
	ErrAlreadyStarted = errors.New("language server client already started")

	// ErrNoClient indicates an operation that requires a client was invoked
	// without one. This is a programming error, not a recoverable condition.
	ErrNoClient = errors.New("no language server client")

	// ErrInitializeTimeout indicates the server did not finish initializing
	// within the configured ready timeout.
	ErrInitializeTimeout = errors.New("language server initialization timed out")

	// ErrShutdown indicates the transport has been closed.
	ErrShutdown = errors.New("language server connection shut down")

	// ErrStrategyDisposed indicates the cancellation strategy was used after
	// its backing folder was released.
	ErrStrategyDisposed = errors.New("cancellation strategy disposed")
)

// RPCError represents a JSON-RPC error from the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	if e.Data != nil {
		return fmt.Sprintf("rpc error %d: %s (data: %v)", e.Code, e.Message, e.Data)
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeServerNotInitialized = -32002
	CodeRequestCancelled     = -32800
)

// StartupError wraps a failure during session startup with the phase it
// occurred in.
type StartupError struct {
	Phase string
	Err   error
}

// Error implements the error interface.
func (e *StartupError) Error() string {
	return fmt.Sprintf("language server startup (%s): %v", e.Phase, e.Err)
}

// Unwrap returns the underlying error.
func (e *StartupError) Unwrap() error {
	return e.Err
}

// bestEffort runs fn and logs a failure without propagating it. It is the
// uniform treatment for operations whose failure must never abort the
// surrounding lifecycle step (test registration, transport stop on dispose,
// subscription release).
func bestEffort(log zerolog.Logger, context string, fn func() error) {
	if err := fn(); err != nil {
		log.Warn().Err(err).Str("op", context).Msg("best-effort operation failed")
	}
}
