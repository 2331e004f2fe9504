//go:build !linux || android

package bfs

import "context"

// ring_other.go stubs the io_uring backend on platforms without it.
// setupURing returning nil routes NewQueue to the thread backend; the method
// set exists only to satisfy references and is unreachable.

type uring struct {
	q *Queue
}

func setupURing(int) *uring {
	return nil
}

func (r *uring) submit(*Completion) error {
	panic("bfs: ring backend unavailable")
}

func (r *uring) reap(bool) *Completion {
	panic("bfs: ring backend unavailable")
}

func (r *uring) reapWait(context.Context) (*Completion, error) {
	panic("bfs: ring backend unavailable")
}

func (r *uring) destroy(*Queue) error {
	panic("bfs: ring backend unavailable")
}
