// Package pragma holds zero-size markers that change how tools treat a struct.
package pragma

// DoNotCopy may be embedded in structs that own engine handles or pools
// and must not be copied after first use. go vet -copylocks reports copies.
//
// See https://golang.org/issues/8005#issuecomment-190753527 for details
type DoNotCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*DoNotCopy) Lock() {}

// Unlock is a no-op used by -copylocks checker from `go vet`.
func (*DoNotCopy) Unlock() {}
