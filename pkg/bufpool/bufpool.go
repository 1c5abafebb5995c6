// Package bufpool pools byte buffers for pkg/archive's per-file copy loop
// (backup and transfer archive creation), avoiding a reallocation per file
// written into the tar stream. Supplements spec.md per original_source's
// apps/daemon/src/system/buffer_pool.rs (see SPEC_FULL.md §6); sync.Pool is
// exactly what this concern needs, so no third-party wrapper is used.
package bufpool

import "sync"

const defaultBufSize = 32 * 1024

var pool = sync.Pool{
	New: func() any {
		b := make([]byte, defaultBufSize)
		return &b
	},
}

// Get returns a buffer of at least defaultBufSize bytes.
func Get() []byte {
	return *(pool.Get().(*[]byte))
}

// Put returns a buffer to the pool. Buffers with capacity below
// defaultBufSize are dropped; larger ones are resliced to defaultBufSize and
// pooled.
func Put(b []byte) {
	if cap(b) < defaultBufSize {
		return
	}
	b = b[:defaultBufSize]
	pool.Put(&b)
}
