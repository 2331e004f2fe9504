package bfs

// ============================================================================
// Internal directory I/O backend contract
// ============================================================================
//
// The traversal engine, the FD cache, and the I/O queue are written against a
// small set of platform-dependent functions and methods on [DirHandle]. Those
// symbols form an internal *backend contract* that each supported OS group
// provides via build-tagged files.
//
// This file intentionally contains no runtime dispatch (no interfaces on the
// hot path). It uses compile-time assignments to:
//   - document the required surface area
//   - ensure each build provides the expected functions/methods
//
// Implementations live in build-tagged backend files:
//   - Linux fast path:                 dir_linux.go
//   - Mainstream non-Linux Unix:       dir_unix.go
//   - "Other" platforms (windows/etc): dir_other.go
//
// Semantics notes (expected by the engine):
//
//   - name parameters are NUL-terminated (as produced by pathWithNul or
//     stored in an entryBatch). path parameters carry the full path for
//     backends without directory-relative syscalls; fd-capable backends
//     ignore them.
//
//   - openDirFrom opens relative to parent when parent.Valid(), otherwise
//     name IS the full path (roots, reopen fallback). follow permits
//     dereferencing a symlink at the final component.
//
//   - readDirBatchImpl appends one syscall's worth of entries to the batch,
//     skipping "." and "..", preserving on-disk order, and recording the
//     d_type hint (TypeUnknown where the platform has none — the engine
//     compensates with a classify stat). It returns io.EOF once the stream
//     is exhausted.
//
//   - statAtImpl and statSelf never follow symlinks unless told to; the
//     engine implements the follow policy, not the backend.

// Function signatures required by the engine.
var (
	_ func(DirHandle, []byte, string, bool) (DirHandle, error) = openDirFrom
	_ func(DirHandle, []byte, *entryBatch) error               = readDirBatchImpl
	_ func(DirHandle, []byte, string, bool) (Stat, error)      = statAtImpl
)

// Method set required by the engine. The interface exists only for this
// compile-time check.
type ioDirHandle interface {
	Valid() bool
	closeHandle() error
	statSelf() (Stat, error)
	fd() int
}

var _ ioDirHandle = DirHandle{}
