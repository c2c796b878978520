// Package sshaio drives a non-blocking SSH engine from ordinary goroutines.
//
// The engine (see package engine) never waits on the network. When a call
// cannot complete it returns engine.ErrWouldBlock and reports, through
// BlockDirections, whether it needs the transport to become readable or
// writable. sshaio turns that into a context-aware blocking call: it waits on
// a readiness.Source for exactly that direction and then repeats the identical
// engine call, until the engine produces a definite result.
//
// A Session owns one engine connection. Channels, listeners, the agent, the
// SFTP subsystem and its files all share that connection, and every engine
// call made through any of them is serialized by a single FIFO guard. The
// guard is released while a call waits for readiness, so a goroutine blocked
// reading one channel does not stop another goroutine writing a second one.
//
// Cancelling the context of a call that is waiting for readiness abandons the
// handle it was made on: the engine is left in the middle of a protocol
// exchange that cannot be rolled back. Later calls on that handle fail with
// ErrAbandoned; only closing it (or disconnecting the session) is allowed.
//
// Closing a Session invalidates every handle derived from it, and closing an
// SFTP invalidates its files and directories. Operations on an invalidated
// handle fail with ErrHandleInvalidated.
package sshaio
