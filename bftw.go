package bfs

// ============================================================================
// Traversal engine
// ============================================================================
//
// The engine is a state machine over (frontier, in-flight, completions), run
// entirely on the goroutine that called Walk. It pushes directory opens and
// stats onto the I/O queue, drains completions, and fires the callback in
// strategy order.
//
// Every discovered entry becomes a frontier node, admitted FIFO (BFS) or
// LIFO (DFS). A node is visited when it reaches the head of the frontier;
// directory nodes additionally wait there until their asynchronous open has
// resolved, so an open failure is attached to the very visit that reports
// the directory, and visits still happen in admission order. Because a
// directory's children are enqueued contiguously when its stream is read,
// sibling subtrees interleave only at directory boundaries.
//
// Backpressure: at most 2×workers+1 opens are in flight; past that the
// engine drains completions before issuing more, which also bounds cache
// pressure.

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"syscall"
)

// subtree is the book-keeping record for a directory being descended: its
// open handle (via the cache slot), the arena holding its children's names,
// and the counters that drive post-order visits and destruction.
//
// A subtree is destroyed when it is sealed (readdir hit EOF or was abandoned)
// and every child has completed; in-flight operations referencing its handle
// hold pins on the slot, not references on the subtree, because a pending
// child is itself enough to keep the subtree alive.
type subtree struct {
	parent *subtree
	name   []byte // NUL-terminated base name (roots: the path as given)
	path   string // full path, prefix for children
	root   string
	depth  int

	slot *cacheSlot

	err     error // open failure
	readErr error // mid-listing readdir failure

	st      Stat
	stDone  bool
	rootDev uint64

	sealed          bool
	pendingChildren int

	batch *entryBatch
}

// walkNode is one frontier entry: a future visit.
type walkNode struct {
	parent *subtree
	name   []byte // NUL-terminated; views the parent's batch arena
	typ    FileType
	depth  int

	sub *subtree // non-nil when selected for descent

	ready      bool // open resolved (dirs)
	submitted  bool
	retried    bool // EMFILE retry performed
	statWanted bool // eager stat requested (WithStatAll)
	stDone     bool
	isRoot     bool
	follow     bool // dereference a symlink at the final open component

	err   error
	st    Stat
	stErr error
}

type walker struct {
	ctx context.Context
	fn  VisitFunc
	cfg options

	q     *Queue
	cache *fdCache

	dirBuf []byte
	pbuf   *pathBuf
	entry  Entry

	// frontier: FIFO via fhead for BFS/IDS/EDS, LIFO via the tail for DFS.
	frontier []*walkNode
	fhead    int

	// pendingSubmit: requests awaiting queue budget, drained in the same
	// direction as the frontier so the head visit is never starved.
	pendingSubmit []*walkNode
	phead         int

	openInFlight int
	inFlight     int
	openCap      int

	// Per-pass bounds. emitLo suppresses visits above it (MinDepth, and the
	// lower edge of a deepening pass); openLimit stops descent at it
	// (MaxDepth clamped by the pass bound); boundCut records that the pass
	// bound, not MaxDepth, cut off at least one directory.
	emitLo    int
	openLimit int
	boundCut  bool

	stopping bool
	stopErr  error

	freeNodes   []*walkNode
	freeBatches []*entryBatch
	scratch     []*walkNode
}

const dirReadBufSize = 32 * 1024

// walk runs the configured strategy to completion.
func walk(ctx context.Context, roots []string, fn VisitFunc, cfg options) error {
	var qopts []QueueOption
	if cfg.Ring {
		qopts = append(qopts, WithQueueRing())
	}

	q, err := NewQueue(cfg.QueueDepth, cfg.Workers, qopts...)
	if err != nil {
		return err
	}

	defer func() { _ = q.Destroy() }()

	w := &walker{
		ctx:     ctx,
		fn:      fn,
		cfg:     cfg,
		q:       q,
		cache:   newFDCache(cfg.CacheCapacity, q),
		dirBuf:  make([]byte, dirReadBufSize),
		pbuf:    newPathBuf(),
		openCap: 2*cfg.Workers + 1,
	}

	switch cfg.Strategy {
	case StrategyIDS, StrategyEDS:
		return w.deepen(roots)
	default:
		return w.pass(roots, 0, -1)
	}
}

// deepen runs depth-limited passes with a growing bound. Each pass emits
// only the window of depths it is the first to reach; it terminates once a
// pass needed no bound cut (nothing deeper can exist).
func (w *walker) deepen(roots []string) error {
	lo, hi := 0, 1

	for {
		err := w.pass(roots, lo, hi)
		if err != nil || w.stopping {
			return err
		}

		if !w.boundCut {
			return nil
		}

		lo = hi + 1

		if w.cfg.Strategy == StrategyEDS {
			hi *= 2
		} else {
			hi++
		}

		if w.cfg.MaxDepth >= 0 && hi > w.cfg.MaxDepth {
			hi = w.cfg.MaxDepth
		}

		if w.cfg.MaxDepth >= 0 && lo > w.cfg.MaxDepth {
			return nil
		}
	}
}

// pass runs one traversal over the roots, emitting depths in [lo, hi]
// (hi < 0: unbounded).
func (w *walker) pass(roots []string, lo, hi int) error {
	w.frontier = w.frontier[:0]
	w.fhead = 0
	w.pendingSubmit = w.pendingSubmit[:0]
	w.phead = 0
	w.boundCut = false

	w.emitLo = max(lo, w.cfg.MinDepth)

	w.openLimit = w.cfg.MaxDepth
	if hi >= 0 && (w.openLimit < 0 || hi < w.openLimit) {
		w.openLimit = hi
	}

	for i := range roots {
		// DFS pops the frontier from the tail; admitting roots in reverse
		// keeps them visited in argument order.
		root := roots[i]
		if w.cfg.Strategy == StrategyDFS {
			root = roots[len(roots)-1-i]
		}

		name := pathWithNul(root)
		n := w.nodeAlloc()
		*n = walkNode{
			name:   name,
			isRoot: true,
			follow: w.cfg.Follow != FollowPhysical,
			sub: &subtree{
				name: name,
				path: root,
				root: root,
			},
		}

		w.pushSubmit(n)
		w.fpush(n)
	}

	w.pump()

	for !w.stopping {
		if err := w.ctx.Err(); err != nil {
			w.stopErr = err
			w.stopping = true

			break
		}

		n := w.fpeek()
		if n == nil {
			if w.inFlight == 0 {
				break
			}

			w.drainOne()

			continue
		}

		if w.nodeWaiting(n) {
			if w.inFlight == 0 {
				// Budget starvation: the head's request is still queued
				// behind the cap. Nothing is in flight, so pump cannot fail
				// to make progress here.
				w.pump()

				continue
			}

			w.drainOne()

			continue
		}

		w.fpop()
		w.process(n)
	}

	if w.stopping {
		w.shutdown()
	}

	return w.stopErr
}

// ============================================================================
// Frontier and submission queues
// ============================================================================

func (w *walker) fpush(n *walkNode) {
	w.frontier = append(w.frontier, n)
}

func (w *walker) fpeek() *walkNode {
	if w.fhead >= len(w.frontier) {
		return nil
	}

	if w.cfg.Strategy == StrategyDFS {
		return w.frontier[len(w.frontier)-1]
	}

	return w.frontier[w.fhead]
}

func (w *walker) fpop() *walkNode {
	if w.cfg.Strategy == StrategyDFS {
		n := w.frontier[len(w.frontier)-1]
		w.frontier = w.frontier[:len(w.frontier)-1]

		return n
	}

	n := w.frontier[w.fhead]
	w.frontier[w.fhead] = nil
	w.fhead++

	// Compact once the dead prefix dominates, to keep memory bounded by the
	// live frontier rather than everything ever admitted.
	if w.fhead > 1024 && w.fhead*2 > len(w.frontier) {
		w.frontier = append(w.frontier[:0], w.frontier[w.fhead:]...)
		w.fhead = 0
	}

	return n
}

func (w *walker) pushSubmit(n *walkNode) {
	w.pendingSubmit = append(w.pendingSubmit, n)
}

// pushSubmitFront re-queues a request at the head (EMFILE retry).
func (w *walker) pushSubmitFront(n *walkNode) {
	if w.cfg.Strategy == StrategyDFS {
		w.pendingSubmit = append(w.pendingSubmit, n)

		return
	}

	if w.phead > 0 {
		w.phead--
		w.pendingSubmit[w.phead] = n

		return
	}

	w.pendingSubmit = append(w.pendingSubmit, nil)
	copy(w.pendingSubmit[1:], w.pendingSubmit)
	w.pendingSubmit[0] = n
}

func (w *walker) peekSubmit() *walkNode {
	if w.phead >= len(w.pendingSubmit) {
		return nil
	}

	if w.cfg.Strategy == StrategyDFS {
		return w.pendingSubmit[len(w.pendingSubmit)-1]
	}

	return w.pendingSubmit[w.phead]
}

func (w *walker) popSubmit() *walkNode {
	if w.cfg.Strategy == StrategyDFS {
		n := w.pendingSubmit[len(w.pendingSubmit)-1]
		w.pendingSubmit = w.pendingSubmit[:len(w.pendingSubmit)-1]

		return n
	}

	n := w.pendingSubmit[w.phead]
	w.pendingSubmit[w.phead] = nil
	w.phead++

	if w.phead > 1024 && w.phead*2 > len(w.pendingSubmit) {
		w.pendingSubmit = append(w.pendingSubmit[:0], w.pendingSubmit[w.phead:]...)
		w.phead = 0
	}

	return n
}

// pump issues queued requests while budget lasts: opens up to the in-flight
// cap, stats until the queue pushes back.
func (w *walker) pump() {
	for {
		n := w.peekSubmit()
		if n == nil {
			return
		}

		isOpen := n.sub != nil && !n.ready
		if isOpen && w.openInFlight >= w.openCap {
			return
		}

		if !w.submit(n, isOpen) {
			return
		}

		w.popSubmit()
	}
}

// submit issues one request. Returns false when the queue is full (EAGAIN);
// the request stays queued and is retried after the next drain. A request
// whose submission is impossible (anchor gone for good) is resolved in place
// and reported as done.
func (w *walker) submit(n *walkNode, isOpen bool) bool {
	parent := invalidDirHandle()
	pinned := false

	if n.parent != nil {
		if w.cache.pin(n.parent) {
			pinned = true
			parent = n.parent.slot.handle
		} else {
			h, err := w.reopen(n.parent)
			if err != nil {
				// The anchor is gone and cannot come back; fail the request
				// in place rather than submitting a doomed syscall.
				w.failSubmit(n, isOpen, err)

				return true
			}

			pinned = true
			parent = h
		}
	}

	var (
		path string
		err  error
	)

	if isOpen {
		path = n.sub.path
		err = w.q.OpenDir(parent, n.name, path, n.follow, n)
	} else {
		path = joinPath(parentPath(n), n.name)
		err = w.q.Stat(parent, n.name, path, w.followEntry(n), n)
	}

	if err != nil {
		if pinned {
			w.cache.release(n.parent)
		}

		return false
	}

	n.submitted = true
	w.inFlight++

	if isOpen {
		w.openInFlight++
	}

	return true
}

// failSubmit resolves a request whose submission is impossible.
func (w *walker) failSubmit(n *walkNode, isOpen bool, err error) {
	if isOpen {
		n.err = err
		n.ready = true
	} else {
		n.stErr = err
		n.stDone = true
	}
}

func parentPath(n *walkNode) string {
	if n.parent == nil {
		return ""
	}

	return n.parent.path
}

// followEntry reports whether a stat of this entry dereferences symlinks
// under the walk's follow policy.
func (w *walker) followEntry(n *walkNode) bool {
	if w.cfg.Follow == FollowAll {
		return true
	}

	return w.cfg.Follow == FollowRoots && n.isRoot
}

func (w *walker) nodeWaiting(n *walkNode) bool {
	if n.sub != nil && !n.ready {
		return true
	}

	return n.statWanted && !n.stDone
}

// ============================================================================
// Completion routing
// ============================================================================

// drainOne blocks for one completion and routes it.
func (w *walker) drainOne() {
	c, err := w.q.Wait(w.ctx)
	if err != nil {
		w.stopErr = err
		w.stopping = true

		return
	}

	w.route(c)
}

// route resolves one completion against its node. Runs on the consumer, so
// it may touch the cache and counters freely.
func (w *walker) route(c *Completion) {
	n, _ := c.Ptr.(*walkNode)

	switch c.Op {
	case OpOpenDir:
		w.openInFlight--
		w.inFlight--

		if n.parent != nil {
			w.cache.release(n.parent)
		}

		if w.retryAfterEviction(n, c.Err) {
			break
		}

		if c.Err != nil {
			n.err = c.Err
			n.ready = true

			break
		}

		if w.stopping {
			_ = c.Handle.closeHandle()
			n.ready = true

			break
		}

		// The slot rests unpinned while the node waits in the frontier, so
		// a long queue cannot pin the whole cache; the visit re-acquires
		// (reopening if evicted in the meantime).
		w.cache.insert(n.sub, c.Handle)
		w.cache.release(n.sub)
		n.ready = true

	case OpStat:
		w.inFlight--

		if n.parent != nil {
			w.cache.release(n.parent)
		}

		n.st = c.Stat
		n.stErr = c.Err
		n.stDone = true

	case OpNop, OpClose:
	}

	w.q.Release(c)
	w.pump()
}

// retryAfterEviction handles descriptor exhaustion: evict one unpinned
// cached handle and re-issue the open, once.
func (w *walker) retryAfterEviction(n *walkNode, err error) bool {
	if !errors.Is(err, syscall.EMFILE) && !errors.Is(err, syscall.ENFILE) {
		return false
	}

	if n.retried || !w.cache.evictOne() {
		return false
	}

	n.retried = true
	n.submitted = false
	w.pushSubmitFront(n)

	return true
}

// ============================================================================
// Visits
// ============================================================================

// process handles the node at the head of the frontier. Its open/stat (if
// any) has resolved.
func (w *walker) process(n *walkNode) {
	if n.sub == nil {
		w.processLeaf(n)

		return
	}

	sub := n.sub

	// A root that turned out not to be a directory (or a symlink the policy
	// refuses to follow) is reclassified as a leaf.
	if n.err != nil && (errors.Is(n.err, syscall.ENOTDIR) || errors.Is(n.err, syscall.ELOOP)) {
		w.reclassifyLeaf(n)
		w.processLeaf(n)

		return
	}

	pinned := false

	if n.err != nil {
		sub.err = n.err

		// EACCES and friends: a stat often still works and tells the
		// callback what kind of thing it could not enter (a vanished root
		// stays TypeUnknown). The open error stays on the entry either way.
		if st, statErr := w.statThrough(n); statErr == nil {
			n.typ = typeFromMode(st.Mode)
			n.st = st
			n.stDone = true
			sub.st = st
			sub.stDone = true
		}
	} else {
		n.typ = TypeDirectory

		// Re-acquire the handle; the cache may have evicted it while the
		// node waited in the frontier.
		if sub.slot != nil && w.cache.pin(sub) {
			pinned = true
		} else if _, reopenErr := w.reopen(sub); reopenErr == nil {
			pinned = true
		} else {
			n.err = reopenErr
			sub.err = reopenErr
		}

		if n.err == nil {
			w.applyDirPolicies(n)

			// Cycle detection drops the slot (and its pin) with it.
			pinned = pinned && sub.slot != nil
		}
	}

	action := w.visitNode(n, VisitPre)
	if action == Stop {
		if pinned {
			w.cache.release(sub)
		}

		w.stop()

		return
	}

	descend := n.err == nil && pinned && action != Prune && w.openable(n.depth)

	if descend {
		w.readChildren(sub)
	} else {
		if pinned {
			w.cache.release(sub)
		}

		sub.sealed = true
	}

	if sub.sealed && sub.pendingChildren == 0 {
		w.completeSubtree(sub)
	}

	w.nodeFree(n)
}

// applyDirPolicies runs the post-open checks that need the handle: the
// root's device capture for mount policies, and cycle detection when every
// symlink is followed.
func (w *walker) applyDirPolicies(n *walkNode) {
	sub := n.sub

	needStat := w.cfg.Follow == FollowAll || w.cfg.StatAll ||
		(w.cfg.Mounts != MountCrossing && n.isRoot)
	if needStat && !sub.stDone && sub.slot != nil {
		st, err := sub.slot.handle.statSelf()
		if err == nil {
			sub.st = st
			sub.stDone = true
		}
	}

	if n.isRoot && sub.stDone {
		sub.rootDev = sub.st.Dev
	}

	if w.cfg.Follow == FollowAll && sub.stDone {
		for a := sub.parent; a != nil; a = a.parent {
			if a.stDone && a.st.Dev == sub.st.Dev && a.st.Inode == sub.st.Inode {
				n.err = syscall.ELOOP
				sub.err = syscall.ELOOP

				w.cache.release(sub)
				w.cache.drop(sub)

				return
			}
		}
	}

	if sub.stDone {
		n.st = sub.st
		n.stDone = true
	}
}

// readChildren drains the directory stream, fires nothing, and admits one
// node per child to the frontier (contiguously, preserving readdir order).
func (w *walker) readChildren(sub *subtree) {
	batch := w.batchAlloc()
	sub.batch = batch

	handle := sub.slot.handle

	for {
		err := readDirBatch(handle, w.dirBuf, batch)
		if err == nil {
			continue
		}

		if errors.Is(err, io.EOF) {
			break
		}

		sub.readErr = err

		break
	}

	sub.sealed = true

	if sub.readErr != nil && !w.cfg.Recover {
		batch.entries = batch.entries[:0]
	}

	if w.cfg.Sort {
		entries := batch.entries
		sort.SliceStable(entries, func(i, j int) bool {
			return bytes.Compare(entries[i].name, entries[j].name) < 0
		})
	}

	// The reader's pin ends here; each child submission re-pins.
	w.cache.release(sub)

	w.scratch = w.scratch[:0]

	for i := range batch.entries {
		w.admitChild(sub, &batch.entries[i])
	}

	if w.cfg.Strategy == StrategyDFS {
		for i := len(w.scratch) - 1; i >= 0; i-- {
			w.fpush(w.scratch[i])
		}
	} else {
		for _, n := range w.scratch {
			w.fpush(n)
		}
	}

	w.pump()
}

// admitChild builds the frontier node for one directory entry, deciding
// classification, descent, and eager stats.
func (w *walker) admitChild(sub *subtree, ce *childEntry) {
	n := w.nodeAlloc()
	*n = walkNode{
		parent: sub,
		name:   ce.name,
		typ:    ce.typ,
		depth:  sub.depth + 1,
	}

	// No d_type hint: a stat is forced to classify the entry at all.
	if n.typ == TypeUnknown {
		w.classifyChild(sub, n, false)
	}

	isDir := n.typ == TypeDirectory

	// Following symlinks: descend/classify decisions concern the target.
	if n.typ == TypeSymlink && w.cfg.Follow == FollowAll {
		w.classifyChild(sub, n, true)

		isDir = n.typ == TypeDirectory
	}

	if isDir && w.cfg.Mounts != MountCrossing {
		if !n.stDone {
			w.classifyChild(sub, n, w.cfg.Follow == FollowAll)
		}

		if n.stDone && sub.rootDev != 0 && n.st.Dev != sub.rootDev {
			if w.cfg.Mounts == MountSameFS {
				// Skipped entirely: not visited, not counted.
				w.nodeFree(n)

				return
			}

			// MountNoCross: reported, never descended.
			isDir = false
		}
	}

	if isDir && w.openable(n.depth) {
		n.sub = &subtree{
			parent:  sub,
			name:    ce.name,
			path:    joinPath(sub.path, ce.name),
			root:    sub.root,
			rootDev: sub.rootDev,
			depth:   n.depth,
			st:      n.st,
			stDone:  n.stDone,
		}
		n.follow = w.cfg.Follow == FollowAll

		w.pushSubmit(n)
	} else {
		if isDir && w.passBounded(n.depth) {
			w.boundCut = true
		}

		if w.cfg.StatAll && !n.stDone {
			n.statWanted = true
			w.pushSubmit(n)
		}
	}

	sub.pendingChildren++
	w.scratch = append(w.scratch, n)
}

// openable reports whether children of a node at this depth are read.
func (w *walker) openable(depth int) bool {
	return w.openLimit < 0 || depth < w.openLimit
}

// passBounded reports whether the pass bound (rather than MaxDepth) is what
// stopped descent at this depth — the signal that another pass is needed.
func (w *walker) passBounded(depth int) bool {
	if w.openLimit < 0 || depth < w.openLimit {
		return false
	}

	return w.cfg.MaxDepth < 0 || w.openLimit < w.cfg.MaxDepth
}

// classifyChild stats a child through the parent's handle, refining its type
// hint (and, under follow, retargeting it at the symlink's target).
func (w *walker) classifyChild(sub *subtree, n *walkNode, follow bool) {
	handle := invalidDirHandle()

	pinned := w.cache.pin(sub)
	if pinned {
		handle = sub.slot.handle
	} else {
		h, err := w.reopen(sub)
		if err != nil {
			return
		}

		pinned = true
		handle = h
	}

	st, err := statAtImpl(handle, n.name, joinPath(sub.path, n.name), follow)

	if pinned {
		w.cache.release(sub)
	}

	if err != nil {
		// Racy entry, permission, or a broken link under follow: leave the
		// hint as-is and let the visit proceed; a later Stat reports the
		// error to whoever asks.
		return
	}

	n.typ = typeFromMode(st.Mode)
	n.st = st
	n.stDone = true
}

// processLeaf visits a non-descended entry and completes it.
func (w *walker) processLeaf(n *walkNode) {
	if n.statWanted && n.stErr != nil && n.err == nil {
		n.err = n.stErr
	}

	action := w.visitNode(n, VisitPre)
	if action == Stop {
		w.stop()

		return
	}

	// A directory reported but not descended (depth cap, mount boundary)
	// still pairs its visits.
	if n.typ == TypeDirectory && w.cfg.PostOrder {
		if w.visitNode(n, VisitPost) == Stop {
			w.stop()

			return
		}
	}

	w.completeChild(n.parent)
	w.nodeFree(n)
}

// statThrough stats a node through its parent anchor (or the root path),
// never following symlinks. Used to classify entries whose open failed.
func (w *walker) statThrough(n *walkNode) (Stat, error) {
	parent := invalidDirHandle()
	pinned := false

	if n.parent != nil {
		if w.cache.pin(n.parent) {
			pinned = true
			parent = n.parent.slot.handle
		}
	}

	path := n.sub.path
	st, err := statAtImpl(parent, n.name, path, false)

	if pinned {
		w.cache.release(n.parent)
	}

	return st, err
}

// reclassifyLeaf turns a failed directory open into the leaf it really is
// (regular-file root, refused symlink), or keeps the error if even a stat
// cannot see it.
func (w *walker) reclassifyLeaf(n *walkNode) {
	follow := w.followEntry(n) && !errors.Is(n.err, syscall.ELOOP)

	parent := invalidDirHandle()
	pinned := false

	if n.parent != nil {
		if w.cache.pin(n.parent) {
			pinned = true
			parent = n.parent.slot.handle
		}
	}

	st, err := statAtImpl(parent, n.name, n.sub.path, follow)

	if pinned {
		w.cache.release(n.parent)
	}

	if err != nil {
		n.err = err
	} else {
		n.err = nil
		n.typ = typeFromMode(st.Mode)
		n.st = st
		n.stDone = true
	}

	n.sub = nil
}

// visitNode fires the callback for a frontier node, honoring suppression.
func (w *walker) visitNode(n *walkNode, kind VisitKind) Action {
	if n.depth < w.emitLo {
		return Continue
	}

	root := n.name
	rootStr := ""

	if n.parent != nil {
		rootStr = n.parent.root
		w.pbuf.set(n.parent.path)
		w.pbuf.push(n.name)
	} else {
		rootStr = pathStr(root)
		w.pbuf.set(rootStr)
	}

	w.entry = Entry{
		w:      w,
		name:   n.name,
		path:   w.pbuf.bytes(),
		depth:  n.depth,
		kind:   kind,
		typ:    n.typ,
		err:    n.err,
		root:   rootStr,
		parent: n.parent,
		sub:    n.sub,
		stDone: n.stDone,
		st:     n.st,
		stErr:  n.stErr,
	}

	return w.fn(&w.entry)
}

// visitSubtreePost fires the post-order visit for a descended directory.
func (w *walker) visitSubtreePost(sub *subtree) Action {
	if sub.depth < w.emitLo {
		return Continue
	}

	w.pbuf.set(sub.path)

	w.entry = Entry{
		w:      w,
		name:   sub.name,
		path:   w.pbuf.bytes(),
		depth:  sub.depth,
		kind:   VisitPost,
		typ:    TypeDirectory,
		err:    sub.readErr,
		root:   sub.root,
		parent: sub.parent,
		sub:    sub,
		stDone: sub.stDone,
		st:     sub.st,
	}

	return w.fn(&w.entry)
}

// ============================================================================
// Completion cascade
// ============================================================================

// completeChild records one finished child on its parent and cascades
// destruction upward when that was the last one.
func (w *walker) completeChild(parent *subtree) {
	if parent == nil {
		return
	}

	parent.pendingChildren--

	if parent.sealed && parent.pendingChildren == 0 {
		w.completeSubtree(parent)
	}
}

// completeSubtree destroys a finished subtree: fires the post-order visit
// (always when the listing failed — errors are never silently dropped),
// releases the handle and the name arena, and cascades to the parent.
func (w *walker) completeSubtree(sub *subtree) {
	if !w.stopping && (w.cfg.PostOrder || sub.readErr != nil) && sub.err == nil {
		if w.visitSubtreePost(sub) == Stop {
			w.stop()
		}
	}

	if !w.stopping && w.cfg.PostOrder && sub.err != nil &&
		sub.stDone && typeFromMode(sub.st.Mode) == TypeDirectory {
		// Unreadable directory: the pre visit carried the error; the post
		// visit still pairs it when requested. A root that does not exist
		// at all gets no post visit — there is no directory to pair.
		if w.visitSubtreePost(sub) == Stop {
			w.stop()
		}
	}

	w.cache.drop(sub)

	if sub.batch != nil {
		w.batchFree(sub.batch)
		sub.batch = nil
	}

	parent := sub.parent
	sub.parent = nil

	w.completeChild(parent)
}

// ============================================================================
// Shutdown
// ============================================================================

func (w *walker) stop() {
	w.stopping = true
}

// shutdown drains in-flight completions (closing any handle they deliver),
// then closes every handle still owned by the walk. Nothing is visited and
// nothing leaks; the queue is cancelled here and joined by walk's deferred
// Destroy.
func (w *walker) shutdown() {
	w.q.Cancel()

	drainCtx := context.Background()

	for w.inFlight > 0 {
		c, err := w.q.Wait(drainCtx)
		if err != nil {
			break
		}

		w.routeShutdown(c)
	}

	// Handles pinned by frontier directories.
	for i := w.fhead; i < len(w.frontier); i++ {
		n := w.frontier[i]
		if n == nil || n.sub == nil || n.sub.slot == nil {
			continue
		}

		slot := n.sub.slot
		if slot.listed {
			continue // unpinned: swept below
		}

		_ = slot.handle.closeHandle()
		w.cache.forget(slot)
	}

	w.cache.dropAllSync()

	w.frontier = w.frontier[:0]
	w.fhead = 0
	w.pendingSubmit = w.pendingSubmit[:0]
	w.phead = 0
}

func (w *walker) routeShutdown(c *Completion) {
	n, _ := c.Ptr.(*walkNode)

	switch c.Op {
	case OpOpenDir:
		w.openInFlight--
		w.inFlight--

		if n != nil && n.parent != nil {
			w.cache.release(n.parent)
		}

		if c.Err == nil {
			_ = c.Handle.closeHandle()
		}

		if n != nil {
			n.ready = true
		}

	case OpStat:
		w.inFlight--

		if n != nil && n.parent != nil {
			w.cache.release(n.parent)
		}

		if n != nil {
			n.stDone = true
		}

	case OpNop, OpClose:
	}

	w.q.Release(c)
}

// ============================================================================
// Lazy stat and handle recovery
// ============================================================================

// statEntry materializes an entry's stat buffer on demand.
func (w *walker) statEntry(e *Entry) (Stat, error) {
	// Descended directory: fstat the live handle when we still have one.
	if e.sub != nil && e.sub.slot != nil {
		if w.cache.pin(e.sub) {
			st, err := e.sub.slot.handle.statSelf()
			w.cache.release(e.sub)

			if err == nil {
				e.sub.st = st
				e.sub.stDone = true
			}

			return st, err
		}
	}

	follow := w.cfg.Follow == FollowAll || (w.cfg.Follow == FollowRoots && e.parent == nil)

	parent := invalidDirHandle()
	pinned := false

	if e.parent != nil {
		if w.cache.pin(e.parent) {
			pinned = true
			parent = e.parent.slot.handle
		} else if h, err := w.reopen(e.parent); err == nil {
			pinned = true
			parent = h
		}
	}

	st, err := statAtImpl(parent, e.name, joinPath(parentPathOf(e), e.name), follow)

	if pinned {
		w.cache.release(e.parent)
	}

	return st, err
}

func parentPathOf(e *Entry) string {
	if e.parent == nil {
		return ""
	}

	return e.parent.path
}

// reopen re-acquires a directory handle that the cache evicted, walking up
// to the nearest live ancestor and back down one openat per component. This
// is also what keeps paths longer than PATH_MAX traversable: no syscall
// ever sees more than one component plus an anchor descriptor.
//
// The returned handle is freshly inserted and pinned; callers release it.
func (w *walker) reopen(sub *subtree) (DirHandle, error) {
	if sub.slot != nil && w.cache.pin(sub) {
		return sub.slot.handle, nil
	}

	parent := invalidDirHandle()
	pinned := false

	if sub.parent != nil {
		h, err := w.reopen(sub.parent)
		if err != nil {
			return invalidDirHandle(), err
		}

		pinned = true
		parent = h
	}

	follow := sub.parent == nil && w.cfg.Follow != FollowPhysical ||
		sub.parent != nil && w.cfg.Follow == FollowAll

	h, err := openDirFrom(parent, sub.name, sub.path, follow)

	if pinned {
		w.cache.release(sub.parent)
	}

	if err != nil {
		return invalidDirHandle(), err
	}

	w.cache.insert(sub, h)

	return h, nil
}

// ============================================================================
// Pools
// ============================================================================

func (w *walker) nodeAlloc() *walkNode {
	if n := len(w.freeNodes); n > 0 {
		node := w.freeNodes[n-1]
		w.freeNodes = w.freeNodes[:n-1]

		return node
	}

	return &walkNode{}
}

func (w *walker) nodeFree(n *walkNode) {
	*n = walkNode{}
	w.freeNodes = append(w.freeNodes, n)
}

func (w *walker) batchAlloc() *entryBatch {
	if n := len(w.freeBatches); n > 0 {
		b := w.freeBatches[n-1]
		w.freeBatches = w.freeBatches[:n-1]
		b.reset(cap(w.dirBuf) * 2)

		return b
	}

	b := &entryBatch{}
	b.reset(cap(w.dirBuf) * 2)

	return b
}

func (w *walker) batchFree(b *entryBatch) {
	w.freeBatches = append(w.freeBatches, b)
}
