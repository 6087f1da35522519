// Package shm provides named shared memory segments for inter-process communication (IPC).
//
// A segment is a file under a shared-memory directory (/dev/shm by default)
// mapped MAP_SHARED into every process that creates or opens it by name.
// Processes agree on names out of band; nothing is discovered.
//
// Example usage:
//
//	seg, err := shm.Create(ctx, shm.Options{Name: "/printq", Size: 4096})
//	// ...
//	peer, err := shm.Open(ctx, shm.Options{Name: "/printq"})
//	// peer.Bytes() and seg.Bytes() are the same memory.
//
// Platform-specific helpers are in internal/shm.
package shm
