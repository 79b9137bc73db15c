// Package engine provisions an engine session and connects clients to it.
//
// # Provisioning
//
// Provision first probes the environment for an ambient session, as set up
// by a parent process through ENGINE_SESSION_PORT and ENGINE_SESSION_TOKEN.
// When none is present the engine binary is resolved, either from the
// _EXPERIMENTAL_ENGINE_CLI_BIN override or through the Downloader, and a
// session is started by the Launcher. An ambient session combined with a
// workdir override is rejected before anything is resolved or launched.
//
// # Connections
//
// Once provisioned an Engine hands out the process-wide shared connection or
// isolated ones. SetupClient connects, registers the disconnect and runs the
// version check:
//
//	e := engine.New(cfg, engine.Options{})
//	if err := e.Provision(ctx); err != nil {
//	    return e.CloseWithCause(ctx, err)
//	}
//	conn, err := e.SharedConnection()
//	if err != nil {
//	    return e.CloseWithCause(ctx, err)
//	}
//	client, err := e.SetupClient(ctx, conn)
//	if err != nil {
//	    return e.CloseWithCause(ctx, err)
//	}
//	defer e.Close(ctx)
//
// Connect wraps these steps and returns a Handle. Each Handle owns its own
// disconnect; the Engine behind it may be shared.
//
// # Teardown
//
// Every acquired resource is pushed onto a teardown stack as soon as it is
// acquired. Close unwinds it in reverse order; CloseWithCause does the same
// without masking the error that triggered it. IsTeardownFailure tells a
// failed cleanup apart from a failure to connect at all.
//
// # Sharing
//
// Provisioner lets concurrent callers with the same host, workdir and
// engine version share one Engine. The first Acquire provisions while the
// others wait; the last Release closes. Connect goes through
// DefaultProvisioner, so overlapping calls never launch two engines.
package engine
