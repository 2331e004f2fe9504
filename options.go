package bfs

import "runtime"

// Option configures [Walk].
// Options are applied in order.
type Option func(*options)

// WithStrategy selects the traversal order. The default is [StrategyBFS].
func WithStrategy(s Strategy) Option {
	return func(o *options) {
		o.Strategy = s
	}
}

// WithWorkers sets the number of I/O worker threads.
//
// Workers execute openat/fstatat syscalls on behalf of the traversal; the
// callback itself always runs on the calling goroutine. The engine caps
// in-flight directory opens at 2×workers+1, so this value also bounds how
// far discovery runs ahead of visiting.
//
// # Default
//
// min(NumCPU, 8). Directory traversal is dominated by kernel VFS work, not
// user CPU; beyond ~8 threads the syscalls contend on dentry locks and
// per-thread gains disappear.
//
// Values <= 0 use the default.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.Workers = n
	}
}

// WithQueueDepth sets the I/O queue capacity (maximum outstanding requests).
//
// Values <= 0 use the default (4096).
func WithQueueDepth(n int) Option {
	return func(o *options) {
		o.QueueDepth = n
	}
}

// WithPostOrder requests a second visit for every directory after all of its
// descendants have been visited, with [Entry.Kind] == [VisitPost].
func WithPostOrder() Option {
	return func(o *options) {
		o.PostOrder = true
	}
}

// WithRecover keeps the entries read before a mid-stream readdir failure.
//
// Without it, a directory whose listing fails partway contributes no
// children. Either way the failure is reported: the directory is revisited
// post-order with [Entry.Err] set.
func WithRecover() Option {
	return func(o *options) {
		o.Recover = true
	}
}

// WithStatAll eagerly stats every entry through the I/O queue, so that
// [Entry.Stat] is already resolved when the callback runs. Without it, stat
// buffers are materialized lazily on first use.
func WithStatAll() Option {
	return func(o *options) {
		o.StatAll = true
	}
}

// WithSortedEntries sorts each directory's children by name before emission.
// Ordering across directories is still governed by the strategy.
func WithSortedEntries() Option {
	return func(o *options) {
		o.Sort = true
	}
}

// WithMinDepth suppresses callbacks for entries shallower than depth.
// The entries are still traversed; only the visits are skipped.
func WithMinDepth(depth int) Option {
	return func(o *options) {
		o.MinDepth = depth
	}
}

// WithMaxDepth stops descent below depth: entries at exactly depth are
// visited, their children are not. Values < 0 mean unlimited.
func WithMaxDepth(depth int) Option {
	return func(o *options) {
		o.MaxDepth = depth
	}
}

// WithMountPolicy controls traversal across filesystem boundaries.
// The default is [MountCrossing].
func WithMountPolicy(p MountPolicy) Option {
	return func(o *options) {
		o.Mounts = p
	}
}

// WithFollowPolicy controls symlink dereferencing.
// The default is [FollowPhysical].
func WithFollowPolicy(p FollowPolicy) Option {
	return func(o *options) {
		o.Follow = p
	}
}

// WithCacheCapacity bounds the number of directory descriptors the traversal
// keeps open.
//
// The default derives from the process RLIMIT_NOFILE soft limit minus a
// fixed reserve for the rest of the program. Callers that raised the limit
// (see [RaiseFDLimit]) get a proportionally larger cache.
//
// Values <= 0 use the default. The effective capacity is never below
// minCacheCapacity, since the traversal needs a handful of simultaneously
// pinned descriptors to make progress.
func WithCacheCapacity(n int) Option {
	return func(o *options) {
		o.CacheCapacity = n
	}
}

// WithRing requests the io_uring queue backend on Linux.
//
// Semantics are identical to the thread-pool backend; syscall submissions
// are batched into the kernel ring instead of dispatched to worker threads.
// On kernels or platforms without io_uring the option is silently ignored
// and the thread backend is used.
func WithRing() Option {
	return func(o *options) {
		o.Ring = true
	}
}

const (
	// maxWalkWorkers caps the worker count to avoid excessive thread and
	// queue-budget overhead.
	maxWalkWorkers = 64

	// defaultQueueDepth matches the queue depth the traversal engine asks
	// for: deep enough that close requests and stat batches never starve
	// the open budget.
	defaultQueueDepth = 4096

	// minCacheCapacity is the floor for the FD cache: the consumer needs at
	// least the ancestor chain of the deepest in-progress directory pinned.
	minCacheCapacity = 8

	// cacheReserve is the number of descriptors left to the rest of the
	// program when deriving the cache capacity from RLIMIT_NOFILE.
	cacheReserve = 16
)

type options struct {
	// Strategy selects the traversal order.
	Strategy Strategy
	// Workers is the I/O worker thread count.
	Workers int
	// QueueDepth is the I/O queue capacity.
	QueueDepth int
	// PostOrder enables post-order directory visits.
	PostOrder bool
	// Recover keeps partial listings on readdir failure.
	Recover bool
	// StatAll stats every entry eagerly through the queue.
	StatAll bool
	// Sort sorts children within each directory.
	Sort bool
	// MinDepth suppresses visits above it.
	MinDepth int
	// MaxDepth stops descent below it (< 0: unlimited).
	MaxDepth int
	// Mounts is the filesystem-boundary policy.
	Mounts MountPolicy
	// Follow is the symlink policy.
	Follow FollowPolicy
	// CacheCapacity bounds open directory descriptors.
	CacheCapacity int
	// Ring requests the io_uring backend.
	Ring bool
}

// applyOptions merges option values and applies defaults.
func applyOptions(opts []Option) options {
	cfg := options{MaxDepth: -1}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}

	if cfg.Workers > maxWalkWorkers {
		cfg.Workers = maxWalkWorkers
	}

	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = defaultQueueDepth
	}

	// The queue must at least hold the open budget plus a stat and a close
	// per open, or submissions would spin on EAGAIN.
	if floor := 4 * (2*cfg.Workers + 1); cfg.QueueDepth < floor {
		cfg.QueueDepth = floor
	}

	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = defaultCacheCapacity()
	}

	if cfg.CacheCapacity < minCacheCapacity {
		cfg.CacheCapacity = minCacheCapacity
	}

	if cfg.MinDepth < 0 {
		cfg.MinDepth = 0
	}

	return cfg
}

// DefaultWorkers returns the worker-count resolution used by [Walk] when
// [WithWorkers] is not set.
func DefaultWorkers() int {
	return min(runtime.NumCPU(), 8)
}
