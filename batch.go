package bfs

// ============================================================================
// entryBatch: arena-style storage for directory listings
// ============================================================================
//
// A directory listing with N entries would naively cost N name allocations.
// entryBatch packs all names into a single contiguous byte buffer ("storage")
// and keeps per-entry slice headers pointing into it, so one directory read
// costs O(1) allocations regardless of entry count.
//
// Every stored name includes its trailing NUL terminator, so it can be handed
// to openat/fstatat without conversion. name[len(name)-1] == 0 always holds.
//
// A batch is owned by the subtree whose listing it holds and is released back
// to the walker's free list once every child entry has been visited; leaf
// entries borrow their name from the batch for exactly that window.

// childEntry is one directory entry: its NUL-terminated name (a view into
// the owning batch's storage) and the d_type hint, TypeUnknown where the
// platform provides none.
type childEntry struct {
	name []byte
	typ  FileType
}

type entryBatch struct {
	// storage is the arena: all names packed together, NUL-separated.
	storage []byte

	// entries holds slice headers into storage plus type hints. These are
	// views, not separate allocations.
	entries []childEntry
}

// reset prepares the batch for reuse, preserving allocated capacity.
//
// storageCap hints at the expected total name bytes; the walker passes twice
// the dirent buffer size. A wrong estimate just means append grows the slice.
func (b *entryBatch) reset(storageCap int) {
	if storageCap > 0 && cap(b.storage) < storageCap {
		b.storage = make([]byte, 0, storageCap)
	} else {
		b.storage = b.storage[:0]
	}

	// Assume ~20 bytes per name (including NUL) to pre-size the headers.
	// A wrong estimate just means append grows the slice.
	entriesCap := storageCap / 20
	if entriesCap > 0 && cap(b.entries) < entriesCap {
		b.entries = make([]childEntry, 0, entriesCap)
	} else {
		b.entries = b.entries[:0]
	}
}

// append copies name (without NUL) into the arena and records the entry.
func (b *entryBatch) append(name []byte, typ FileType) {
	start := len(b.storage)
	b.storage = append(b.storage, name...)
	b.storage = append(b.storage, 0)
	b.entries = append(b.entries, childEntry{
		name: b.storage[start:len(b.storage)],
		typ:  typ,
	})
}

// appendString is the string-name variant used by backends that enumerate
// via portable APIs.
func (b *entryBatch) appendString(name string, typ FileType) {
	start := len(b.storage)
	b.storage = append(b.storage, name...)
	b.storage = append(b.storage, 0)
	b.entries = append(b.entries, childEntry{
		name: b.storage[start:len(b.storage)],
		typ:  typ,
	})
}
