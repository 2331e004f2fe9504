//go:build !bfs_testhooks

package bfs

func readDirBatch(h DirHandle, buf []byte, batch *entryBatch) error {
	return readDirBatchImpl(h, buf, batch)
}

// Compile-time guard: wrapper signature must match the backend contract.
var _ func(DirHandle, []byte, *entryBatch) error = readDirBatch
