//go:build linux && !android

package bfs_test

import (
	"errors"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/danie-dejager/bfs"
)

// ringQueue returns an io_uring-backed queue, or skips where the kernel (or
// the sandbox's seccomp policy) refuses io_uring.
func ringQueue(t *testing.T, depth int) *bfs.Queue {
	t.Helper()

	q, err := bfs.NewQueue(depth, 1, bfs.WithQueueRing())
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}

	if !q.RingActive() {
		_ = q.Destroy()
		t.Skip("io_uring unavailable")
	}

	t.Cleanup(func() { _ = q.Destroy() })

	return q
}

func Test_RingQueue_Nop_RoundTrip(t *testing.T) {
	t.Parallel()

	q := ringQueue(t, 8)

	err := q.Nop(false, "ptr")
	if err != nil {
		t.Fatalf("nop: %v", err)
	}

	c, err := q.Wait(t.Context())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if c.Op != bfs.OpNop || c.Ptr != "ptr" || c.Err != nil {
		t.Fatalf("unexpected completion: %+v", c)
	}

	q.Release(c)
}

func Test_RingQueue_OpenDir_And_Close(t *testing.T) {
	t.Parallel()

	q := ringQueue(t, 8)

	dir := t.TempDir()
	name := append([]byte(dir), 0)

	err := q.OpenDir(bfs.DirHandle{}, name, dir, false, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	c, err := q.Wait(t.Context())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if c.Err != nil || !c.Handle.Valid() {
		t.Fatalf("open completion: %+v", c)
	}

	handle := c.Handle
	q.Release(c)

	err = q.CloseDir(handle)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
}

func Test_RingQueue_OpenDir_Reports_Errno(t *testing.T) {
	t.Parallel()

	q := ringQueue(t, 8)

	missing := filepath.Join(t.TempDir(), "missing")
	name := append([]byte(missing), 0)

	err := q.OpenDir(bfs.DirHandle{}, name, missing, false, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	c, err := q.Wait(t.Context())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if !errors.Is(c.Err, syscall.ENOENT) {
		t.Fatalf("expected ENOENT, got %v", c.Err)
	}

	q.Release(c)
}

func Test_RingQueue_Stat_Fills_Buffer(t *testing.T) {
	t.Parallel()

	q := ringQueue(t, 8)

	dir := t.TempDir()
	writeFile(t, dir, "f", []byte("ring"))

	path := filepath.Join(dir, "f")
	name := append([]byte(path), 0)

	err := q.Stat(bfs.DirHandle{}, name, path, false, nil)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	c, err := q.Wait(t.Context())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}

	if c.Err != nil {
		t.Fatalf("stat completion: %v", c.Err)
	}

	if c.Stat.Size != int64(len("ring")) {
		t.Fatalf("size = %d", c.Stat.Size)
	}

	q.Release(c)
}

func Test_Walk_With_Ring_Backend_Matches_Thread_Backend(t *testing.T) {
	t.Parallel()

	probe, err := bfs.NewQueue(8, 1, bfs.WithQueueRing())
	if err != nil {
		t.Fatalf("probe queue: %v", err)
	}

	ringOK := probe.RingActive()
	_ = probe.Destroy()

	if !ringOK {
		t.Skip("io_uring unavailable")
	}

	root := t.TempDir()
	writeFile(t, root, "a/x", []byte("x"))
	writeFile(t, root, "b/y", []byte("y"))

	threadVisits, err := collectWalk(t, []string{root})
	if err != nil {
		t.Fatalf("thread walk: %v", err)
	}

	ringVisits, err := collectWalk(t, []string{root}, bfs.WithRing())
	if err != nil {
		t.Fatalf("ring walk: %v", err)
	}

	got := sortedCopy(prePaths(ringVisits))
	want := sortedCopy(prePaths(threadVisits))

	if len(got) != len(want) {
		t.Fatalf("ring visit set differs: %v vs %v", got, want)
	}

	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ring visit set differs at %d: %v vs %v", i, got, want)
		}
	}
}
