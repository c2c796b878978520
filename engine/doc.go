// Package engine defines the contract between sshaio and the SSH protocol
// engine it drives.
//
// An engine is a non-blocking SSH implementation: every method that might
// have to wait for the network instead returns ErrWouldBlock, and the
// session's BlockDirections reports whether the engine is waiting to read
// from or write to the transport. The caller waits for that readiness and then
// repeats the exact same call with the exact same arguments. Engines keep the
// half-finished protocol exchange inside the handle between those calls, so a
// different call on the same handle in between is a misuse and may be rejected
// with CodeBusy.
//
// Handles are not safe for concurrent use. sshaio serializes every call into
// an engine connection, including calls on its channels and SFTP handles.
package engine
