//go:build linux && !android

package bfs

// ring_linux.go is the io_uring backend for the I/O queue.
//
// golang.org/x/sys/unix carries the syscall numbers; the ring layouts below
// are the stable kernel ABI, defined locally with offset comments the same
// way dir_linux.go defines the dirent64 layout.
//
// Batching rule: SQEs accumulate in the submission ring and are flushed in
// one io_uring_enter either when the ring fills or when poll/wait finds the
// completion ring empty. Completions are reaped in CQ order; close requests
// are recycled on reap without being delivered, matching the thread backend.
//
// The consumer goroutine is the only thread touching the ring, so the only
// required memory ordering is against the kernel: release-store on the SQ
// tail after filling an SQE, acquire-load on the CQ tail before reading a
// CQE. sync/atomic provides both.

import (
	"context"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	ioringOffSqRing = 0x0
	ioringOffCqRing = 0x8000000
	ioringOffSqes   = 0x10000000

	ioringEnterGetevents = 1 << 0

	ioringFeatSingleMmap = 1 << 0

	ioringOpNop    = 0
	ioringOpOpenat = 18
	ioringOpClose  = 19
	ioringOpStatx  = 21

	// maxRingEntries mirrors IORING_MAX_ENTRIES.
	maxRingEntries = 32768
)

// struct io_sqring_offsets (40 bytes).
type ioSqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	flags       uint32
	dropped     uint32
	array       uint32
	resv1       uint32
	resv2       uint64
}

// struct io_cqring_offsets (40 bytes).
type ioCqringOffsets struct {
	head        uint32
	tail        uint32
	ringMask    uint32
	ringEntries uint32
	overflow    uint32
	cqes        uint32
	flags       uint32
	resv1       uint32
	resv2       uint64
}

// struct io_uring_params (120 bytes).
type ioUringParams struct {
	sqEntries    uint32
	cqEntries    uint32
	flags        uint32
	sqThreadCPU  uint32
	sqThreadIdle uint32
	features     uint32
	wqFd         uint32
	resv         [3]uint32
	sqOff        ioSqringOffsets
	cqOff        ioCqringOffsets
}

// struct io_uring_sqe (64 bytes).
type ioUringSqe struct {
	opcode      uint8
	flags       uint8
	ioprio      uint16
	fd          int32
	off         uint64 // also addr2: statx buffer pointer
	addr        uint64
	len         uint32
	opFlags     uint32 // open_flags / statx_flags
	userData    uint64
	bufIndex    uint16
	personality uint16
	spliceFdIn  int32
	pad2        [2]uint64
}

// struct io_uring_cqe (16 bytes).
type ioUringCqe struct {
	userData uint64
	res      int32
	flags    uint32
}

type uring struct {
	q  *Queue
	fd int

	sqMem  []byte
	cqMem  []byte
	sqeMem []byte

	sqHead  *uint32
	sqTail  *uint32
	sqMask  uint32
	sqArray []uint32
	sqes    []ioUringSqe

	cqHead *uint32
	cqTail *uint32
	cqMask uint32
	cqes   []ioUringCqe

	// table maps SQE user_data (a slot index) back to the entry; statx is
	// the kernel's target buffer per slot. len(freeIdx) bounds outstanding
	// operations at the CQ capacity, so the completion ring cannot overflow.
	table   []*Completion
	statx   []unix.Statx_t
	freeIdx []uint32

	unflushed uint32 // appended to the SQ ring, not yet submitted
	inflight  int    // submitted to the kernel, CQE not yet reaped
}

// setupURing builds an io_uring instance sized for depth outstanding
// operations. Returns nil when the kernel (or the environment's seccomp
// policy) lacks io_uring; callers fall back to the thread backend.
func setupURing(depth int) *uring {
	entries := uint32(1)
	for int(entries) < depth && entries < maxRingEntries {
		entries <<= 1
	}

	var params ioUringParams

	fd, _, errno := syscall.Syscall(
		unix.SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(&params)),
		0,
	)
	if errno != 0 {
		return nil
	}

	r := &uring{fd: int(fd)}

	sqSize := int(params.sqOff.array + params.sqEntries*4)
	cqSize := int(params.cqOff.cqes) + int(params.cqEntries)*int(unsafe.Sizeof(ioUringCqe{}))

	singleMmap := params.features&ioringFeatSingleMmap != 0
	if singleMmap {
		sqSize = max(sqSize, cqSize)
		cqSize = sqSize
	}

	var err error

	r.sqMem, err = unix.Mmap(r.fd, ioringOffSqRing, sqSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		_ = syscall.Close(r.fd)

		return nil
	}

	if singleMmap {
		r.cqMem = r.sqMem
	} else {
		r.cqMem, err = unix.Mmap(r.fd, ioringOffCqRing, cqSize,
			unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
		if err != nil {
			r.unmap()

			return nil
		}
	}

	sqeBytes := int(params.sqEntries) * int(unsafe.Sizeof(ioUringSqe{}))

	r.sqeMem, err = unix.Mmap(r.fd, ioringOffSqes, sqeBytes,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		r.unmap()

		return nil
	}

	r.sqHead = (*uint32)(unsafe.Pointer(&r.sqMem[params.sqOff.head]))
	r.sqTail = (*uint32)(unsafe.Pointer(&r.sqMem[params.sqOff.tail]))
	r.sqMask = *(*uint32)(unsafe.Pointer(&r.sqMem[params.sqOff.ringMask]))
	r.sqArray = unsafe.Slice((*uint32)(unsafe.Pointer(&r.sqMem[params.sqOff.array])), params.sqEntries)
	r.sqes = unsafe.Slice((*ioUringSqe)(unsafe.Pointer(&r.sqeMem[0])), params.sqEntries)

	r.cqHead = (*uint32)(unsafe.Pointer(&r.cqMem[params.cqOff.head]))
	r.cqTail = (*uint32)(unsafe.Pointer(&r.cqMem[params.cqOff.tail]))
	r.cqMask = *(*uint32)(unsafe.Pointer(&r.cqMem[params.cqOff.ringMask]))
	r.cqes = unsafe.Slice((*ioUringCqe)(unsafe.Pointer(&r.cqMem[params.cqOff.cqes])), params.cqEntries)

	slots := min(depth, int(params.cqEntries))
	r.table = make([]*Completion, slots)
	r.statx = make([]unix.Statx_t, slots)
	r.freeIdx = make([]uint32, 0, slots)

	for i := range slots {
		r.freeIdx = append(r.freeIdx, uint32(i))
	}

	return r
}

func (r *uring) unmap() {
	if r.sqeMem != nil {
		_ = unix.Munmap(r.sqeMem)
	}

	if r.cqMem != nil && len(r.cqMem) > 0 && &r.cqMem[0] != &r.sqMem[0] {
		_ = unix.Munmap(r.cqMem)
	}

	if r.sqMem != nil {
		_ = unix.Munmap(r.sqMem)
	}

	_ = syscall.Close(r.fd)
}

// submit appends one SQE for ent. The ent (and the name bytes its SQE points
// at) stays reachable through r.table until its CQE is reaped, which is what
// keeps the raw pointers below safe.
func (r *uring) submit(ent *Completion) error {
	if len(r.freeIdx) == 0 {
		return syscall.EAGAIN
	}

	tail := atomic.LoadUint32(r.sqTail)
	if tail-atomic.LoadUint32(r.sqHead) >= uint32(len(r.sqes)) {
		// SQ ring full: hand the batch to the kernel and retry.
		err := r.flush(0)
		if err != nil {
			return err
		}

		tail = atomic.LoadUint32(r.sqTail)
	}

	idx := r.freeIdx[len(r.freeIdx)-1]
	r.freeIdx = r.freeIdx[:len(r.freeIdx)-1]
	r.table[idx] = ent

	slot := tail & r.sqMask
	sqe := &r.sqes[slot]
	*sqe = ioUringSqe{userData: uint64(idx)}

	dirfd := int32(unix.AT_FDCWD)
	if ent.parent.Valid() {
		dirfd = int32(ent.parent.dirfd)
	}

	switch ent.Op {
	case OpNop:
		sqe.opcode = ioringOpNop

	case OpClose:
		sqe.opcode = ioringOpClose
		sqe.fd = int32(ent.Handle.dirfd)

	case OpOpenDir:
		sqe.opcode = ioringOpOpenat
		sqe.fd = dirfd
		sqe.addr = uint64(uintptr(unsafe.Pointer(&ent.name[0])))
		sqe.opFlags = uint32(dirOpenFlags(ent.follow))

	case OpStat:
		statxFlags := uint32(unix.AT_STATX_SYNC_AS_STAT)
		if !ent.follow {
			statxFlags |= unix.AT_SYMLINK_NOFOLLOW
		}

		sqe.opcode = ioringOpStatx
		sqe.fd = dirfd
		sqe.addr = uint64(uintptr(unsafe.Pointer(&ent.name[0])))
		sqe.opFlags = statxFlags
		sqe.len = unix.STATX_BASIC_STATS
		sqe.off = uint64(uintptr(unsafe.Pointer(&r.statx[idx])))
	}

	r.sqArray[slot] = slot
	atomic.StoreUint32(r.sqTail, tail+1)
	r.unflushed++

	return nil
}

// flush submits the accumulated SQEs, optionally waiting for minComplete
// completions in the same syscall.
func (r *uring) flush(minComplete uint32) error {
	flags := uint32(0)
	if minComplete > 0 {
		flags |= ioringEnterGetevents
	}

	for {
		n, _, errno := syscall.Syscall6(
			unix.SYS_IO_URING_ENTER,
			uintptr(r.fd),
			uintptr(r.unflushed),
			uintptr(minComplete),
			uintptr(flags),
			0, 0,
		)
		if errno == syscall.EINTR {
			continue
		}

		if errno != 0 {
			return errno
		}

		r.inflight += int(n)
		r.unflushed -= uint32(n)

		return nil
	}
}

// reap returns the next deliverable completion, or nil. Close completions
// are recycled internally and never surface. When the CQ is empty and SQEs
// are unflushed, reap flushes them (the batching rule) before giving up.
func (r *uring) reap(block bool) *Completion {
	for {
		head := atomic.LoadUint32(r.cqHead)

		if head == atomic.LoadUint32(r.cqTail) {
			if r.unflushed == 0 && !(block && r.inflight > 0) {
				return nil
			}

			minComplete := uint32(0)
			if block {
				minComplete = 1
			}

			err := r.flush(minComplete)
			if err != nil {
				return nil
			}

			if head == atomic.LoadUint32(r.cqTail) && !block {
				return nil
			}

			continue
		}

		cqe := r.cqes[head&r.cqMask]
		atomic.StoreUint32(r.cqHead, head+1)
		r.inflight--

		idx := uint32(cqe.userData)
		ent := r.table[idx]
		r.table[idx] = nil
		r.freeIdx = append(r.freeIdx, idx)

		r.complete(ent, cqe.res, idx)

		if ent.Op == OpClose {
			r.q.Release(ent)

			continue
		}

		return ent
	}
}

func (r *uring) reapWait(ctx context.Context) (*Completion, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		ent := r.reap(true)
		if ent != nil {
			return ent, nil
		}

		if r.inflight == 0 && r.unflushed == 0 {
			// Nothing outstanding: blocking would hang forever. The engine
			// never waits in this state; surface it as a programming error.
			return nil, syscall.ENOENT
		}
	}
}

// complete decodes a CQE result into the entry.
func (r *uring) complete(ent *Completion, res int32, idx uint32) {
	if res < 0 {
		ent.Err = syscall.Errno(-res)

		return
	}

	switch ent.Op {
	case OpOpenDir:
		ent.Handle = DirHandle{dirfd: int(res), ok: true}

	case OpStat:
		ent.Stat = statFromStatx(&r.statx[idx])

	case OpNop, OpClose:
	}
}

// destroy flushes and reaps everything outstanding, closing any directory
// handle that arrives after the engine stopped listening, then tears down
// the ring. Close requests are thereby guaranteed to have executed.
func (r *uring) destroy(q *Queue) error {
	for r.unflushed > 0 {
		err := r.flush(0)
		if err != nil {
			break
		}
	}

	for r.inflight > 0 {
		ent := r.reap(true)
		if ent == nil {
			break
		}

		if ent.Op == OpOpenDir && ent.Err == nil {
			_ = ent.Handle.closeHandle()
		}

		q.Release(ent)
	}

	r.unmap()

	return nil
}

// statFromStatx converts a statx buffer into a Stat.
func statFromStatx(x *unix.Statx_t) Stat {
	return Stat{
		Size:    int64(x.Size),
		ModTime: x.Mtime.Sec*1e9 + int64(x.Mtime.Nsec),
		Mode:    uint32(x.Mode),
		Inode:   x.Ino,
		Dev:     unix.Mkdev(x.Dev_major, x.Dev_minor),
		Nlink:   uint64(x.Nlink),
		Uid:     x.Uid,
		Gid:     x.Gid,
		Blocks:  int64(x.Blocks),
	}
}
