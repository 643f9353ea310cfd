// Package langserver manages the lifecycle of a Python analysis server
// reached over a JSON-RPC connection.
//
// The package sits above an already-defined client/transport abstraction and
// owns one logical server session at a time: it creates the underlying client
// through an injected factory, attaches an out-of-band cancellation strategy,
// drives the start/ready sequence, wires auxiliary subscriptions once the
// server is initialized, and tears everything down deterministically on
// dispose.
//
// # Architecture
//
//   - Proxy: owns a single session and its resources
//   - Deferred: one-shot readiness gate other logic blocks on
//   - FileCancellationStrategy: file-based cancellation side channel
//   - StdioClient / Transport: default client over stdio JSON-RPC 2.0
//
// # Quick Start
//
// Create a proxy with a client factory and start a session:
//
//	proxy := langserver.NewProxy(factory,
//	    langserver.WithSettings(settingsProvider),
//	    langserver.WithTelemetrySink(sink),
//	)
//
//	opts := &langserver.ClientOptions{}
//	if err := proxy.Start(ctx, workspace, interpreter, opts); err != nil {
//	    log.Fatal().Err(err).Msg("language server failed to start")
//	}
//	defer proxy.Dispose()
//
// Repeated Start calls while a session exists do not create a second session;
// they wait on the same readiness gate and return when it settles.
//
// # Session Lifecycle
//
// A session moves Idle -> Starting -> Ready -> Disposed. Disposal is valid at
// any point, is idempotent, and unblocks any callers still waiting on
// readiness. A Start after a completed Dispose builds a brand-new session
// with a fresh client and a fresh gate.
//
// # Subsidiary Wiring
//
// Progress reporting, the interpreter-path config resync, the telemetry
// relay, and test-integration registration are attached only after the
// readiness gate resolves, and never after disposal has begun.
//
// # Thread Safety
//
// Proxy is safe for concurrent use. Session creation and disposal are
// serialized by an internal mutex; the readiness wait happens outside it.
package langserver
