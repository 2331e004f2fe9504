package bfs

import (
	"context"
	"errors"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"
)

// ============================================================================
// Asynchronous I/O queue
// ============================================================================
//
// A bounded multi-producer / single-consumer work queue whose workers execute
// filesystem syscalls. The traversal engine is the only producer and the only
// consumer of completions; workers touch nothing but the two rings.
//
// Two backends share one contract:
//
//   - Thread pool (default, portable): worker goroutines pop the submission
//     ring, perform the syscall, push the completion ring. Both rings are
//     buffered channels; entry objects are recycled through a channel
//     free-list so workers never allocate on the hot path.
//
//   - io_uring (Linux, opt-in): submissions are written into a kernel ring
//     and flushed in batches; completions are reaped from the CQ ring. See
//     ring_linux.go. Semantics are identical from the consumer's view.
//
// Close requests are special: they have no useful result, so they are
// executed without producing a completion and their entry is recycled by
// whichever side finished it. The queue guarantees they run before Destroy
// returns, which lets the engine release descriptors without stalling.

// QueueOp identifies the operation a queue entry performs.
type QueueOp uint8

const (
	// OpNop does nothing; the heavy variant issues a trivial syscall.
	// It exists for benchmarking the queue itself.
	OpNop QueueOp = iota
	// OpClose closes a directory handle. Fire-and-forget: no completion.
	OpClose
	// OpOpenDir opens a directory relative to a parent handle.
	OpOpenDir
	// OpStat stats an entry relative to a parent handle.
	OpStat
)

// Completion is a queue entry: a request while queued, a result once
// delivered. Entries are pooled; after consuming a completion, hand it back
// with [Queue.Release].
type Completion struct {
	// Op is the operation that produced this completion.
	Op QueueOp
	// Seq is the request's globally monotonic sequence number.
	Seq uint64
	// Ptr is the opaque pointer the submitter associated with the request.
	Ptr any
	// Handle is the opened directory for OpOpenDir, and the handle being
	// closed for OpClose.
	Handle DirHandle
	// Stat is the result buffer for OpStat.
	Stat Stat
	// Err is the operation's error, nil on success.
	Err error

	// Request arguments. name aliases caller memory and must stay alive
	// until the completion is delivered; the engine guarantees this by
	// keeping the owning subtree referenced while ops are outstanding.
	parent DirHandle
	name   []byte
	path   string
	follow bool
	heavy  bool
}

func (c *Completion) reset() {
	*c = Completion{}
}

// Queue is an asynchronous I/O queue. Not safe for concurrent submitters;
// the intended topology is one consumer goroutine owning all four
// submit/poll/wait/release verbs.
type Queue struct {
	depth int

	sub  chan *Completion // submission ring (consumer -> workers)
	comp chan *Completion // completion ring (workers -> consumer)
	free chan *Completion // entry pool

	group     errgroup.Group
	cancelled atomic.Bool
	destroyed bool

	seq uint64

	ring *uring // non-nil: io_uring backend, no worker goroutines
}

// QueueOption configures [NewQueue].
type QueueOption func(*queueOptions)

type queueOptions struct {
	ring bool
}

// WithQueueRing requests the io_uring backend. Silently falls back to the
// thread pool when the kernel or platform lacks io_uring support.
func WithQueueRing() QueueOption {
	return func(o *queueOptions) {
		o.ring = true
	}
}

// NewQueue creates an I/O queue with the given capacity (maximum outstanding
// entries) and worker count.
func NewQueue(depth, nthreads int, opts ...QueueOption) (*Queue, error) {
	if depth < 1 || nthreads < 1 {
		return nil, errors.New("ioq: depth and nthreads must be positive")
	}

	var cfg queueOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	q := &Queue{
		depth: depth,
		comp:  make(chan *Completion, depth),
		// Close entries may be minted outside the pool when it runs dry, so
		// the free ring is oversized to take them back without blocking.
		free: make(chan *Completion, 2*depth),
	}

	for range depth {
		q.free <- &Completion{}
	}

	if cfg.ring {
		q.ring = setupURing(depth)
	}

	if q.ring != nil {
		q.ring.q = q

		return q, nil
	}

	q.sub = make(chan *Completion, depth)

	for range nthreads {
		q.group.Go(func() error {
			q.worker()

			return nil
		})
	}

	return q, nil
}

// RingActive reports whether the io_uring backend is in use.
func (q *Queue) RingActive() bool {
	return q.ring != nil
}

// alloc takes an entry from the pool, or returns nil when the queue is at
// capacity (the EAGAIN condition of submit).
func (q *Queue) alloc() *Completion {
	select {
	case ent := <-q.free:
		ent.reset()

		q.seq++
		ent.Seq = q.seq

		return ent
	default:
		return nil
	}
}

// Release returns a delivered completion to the entry pool.
func (q *Queue) Release(c *Completion) {
	if c == nil {
		return
	}

	select {
	case q.free <- c:
	default:
		// Pool full: the entry was minted outside it. Let GC have it.
	}
}

// Nop submits a no-op. heavy selects the variant that performs a syscall.
func (q *Queue) Nop(heavy bool, ptr any) error {
	ent := q.alloc()
	if ent == nil {
		return syscall.EAGAIN
	}

	ent.Op = OpNop
	ent.Ptr = ptr
	ent.heavy = heavy

	return q.push(ent)
}

// OpenDir submits an asynchronous directory open. name must be
// NUL-terminated and is opened relative to parent when parent is valid;
// path carries the full path for backends without relative opens. follow
// permits dereferencing a symlink at the final component.
//
// Returns syscall.EAGAIN when the queue is full; the consumer is expected to
// drain completions and retry.
func (q *Queue) OpenDir(parent DirHandle, name []byte, path string, follow bool, ptr any) error {
	ent := q.alloc()
	if ent == nil {
		return syscall.EAGAIN
	}

	ent.Op = OpOpenDir
	ent.Ptr = ptr
	ent.parent = parent
	ent.name = name
	ent.path = path
	ent.follow = follow

	return q.push(ent)
}

// Stat submits an asynchronous stat of name relative to parent.
// Same contract as [Queue.OpenDir].
func (q *Queue) Stat(parent DirHandle, name []byte, path string, follow bool, ptr any) error {
	ent := q.alloc()
	if ent == nil {
		return syscall.EAGAIN
	}

	ent.Op = OpStat
	ent.Ptr = ptr
	ent.parent = parent
	ent.name = name
	ent.path = path
	ent.follow = follow

	return q.push(ent)
}

// CloseDir submits a fire-and-forget close of h. It never blocks and never
// produces a completion; execution is guaranteed before Destroy returns.
func (q *Queue) CloseDir(h DirHandle) error {
	if !h.Valid() {
		return nil
	}

	ent := q.alloc()
	if ent == nil {
		// Capacity is spoken for, but a close must not be dropped and must
		// not block the consumer. Mint an entry; Release routes it back to
		// the oversized pool.
		ent = &Completion{}
	}

	ent.Op = OpClose
	ent.Handle = h

	err := q.push(ent)
	if err != nil {
		// Submission ring full (thread backend). Closing inline is the
		// fallback that keeps invariant "no descriptor outlives its owner".
		_ = h.closeHandle()
		q.Release(ent)
	}

	return nil
}

func (q *Queue) push(ent *Completion) error {
	if q.ring != nil {
		err := q.ring.submit(ent)
		if err != nil && ent.Op != OpClose {
			// Failed closes keep their entry: CloseDir closes inline and
			// recycles it itself.
			q.Release(ent)
		}

		return err
	}

	select {
	case q.sub <- ent:
		return nil
	default:
		if ent.Op != OpClose {
			q.Release(ent)
		}

		return syscall.EAGAIN
	}
}

// Poll returns the next completion without blocking, or nil.
func (q *Queue) Poll() *Completion {
	if q.ring != nil {
		return q.ring.reap(false)
	}

	select {
	case ent := <-q.comp:
		return ent
	default:
		return nil
	}
}

// Wait blocks until a completion is available or ctx is done. The caller is
// responsible for only waiting while operations are outstanding.
func (q *Queue) Wait(ctx context.Context) (*Completion, error) {
	if q.ring != nil {
		return q.ring.reapWait(ctx)
	}

	select {
	case ent := <-q.comp:
		return ent, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel signals workers to stop performing new work. Already-submitted
// opens and stats complete with syscall.ECANCELED instead of running;
// closes still execute (they release resources rather than acquire them).
// The io_uring backend does not consult this flag: operations already
// submitted to the ring run and complete normally.
func (q *Queue) Cancel() {
	q.cancelled.Store(true)
}

// Destroy drains the submission ring, joins the workers, and tears down the
// backend. All submitted close requests have executed when it returns.
// On the thread backend, completions still queued remain pollable
// afterwards; the io_uring backend instead reaps and recycles every
// outstanding completion (closing any directory handle it delivered) and
// unmaps the ring, so nothing may be polled after Destroy.
func (q *Queue) Destroy() error {
	if q.destroyed {
		return nil
	}

	q.destroyed = true

	if q.ring != nil {
		return q.ring.destroy(q)
	}

	close(q.sub)

	return q.group.Wait()
}

// worker is the thread-backend loop: pop a request, perform its syscall,
// push a completion. No allocation happens here; entries come from and
// return to the pool.
func (q *Queue) worker() {
	for ent := range q.sub {
		q.execute(ent)

		if ent.Op == OpClose {
			q.Release(ent)

			continue
		}

		q.comp <- ent
	}
}

// execute performs one entry's operation in place.
func (q *Queue) execute(ent *Completion) {
	if q.cancelled.Load() && ent.Op != OpClose {
		ent.Err = syscall.ECANCELED

		return
	}

	switch ent.Op {
	case OpNop:
		if ent.heavy {
			_ = syscall.Getpid()
		}

	case OpClose:
		_ = ent.Handle.closeHandle()

	case OpOpenDir:
		ent.Handle, ent.Err = openDirFrom(ent.parent, ent.name, ent.path, ent.follow)

	case OpStat:
		ent.Stat, ent.Err = statAtImpl(ent.parent, ent.name, ent.path, ent.follow)
	}
}
