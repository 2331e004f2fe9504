//go:build (linux && !android) || (darwin && !ios) || freebsd || openbsd || netbsd || dragonfly

package bfs

import "golang.org/x/sys/unix"

// statFromSys converts a platform stat buffer into a Stat. The conversions
// absorb per-arch field-width differences (Nlink is 32-bit on some arches,
// Dev is signed on darwin).
func statFromSys(st *unix.Stat_t) Stat {
	return Stat{
		Size:    int64(st.Size),
		ModTime: st.Mtim.Nano(),
		Mode:    uint32(st.Mode),
		Inode:   uint64(st.Ino),
		Dev:     uint64(st.Dev),
		Nlink:   uint64(st.Nlink),
		Uid:     st.Uid,
		Gid:     st.Gid,
		Blocks:  int64(st.Blocks),
	}
}

// typeFromMode maps the S_IFMT bits of a stat mode to a FileType, refining
// hints for entries enumerated as TypeUnknown (original getdents semantics:
// filesystems are free to report DT_UNKNOWN).
func typeFromMode(mode uint32) FileType {
	switch mode & unix.S_IFMT {
	case unix.S_IFREG:
		return TypeRegular
	case unix.S_IFDIR:
		return TypeDirectory
	case unix.S_IFLNK:
		return TypeSymlink
	case unix.S_IFIFO:
		return TypeFifo
	case unix.S_IFSOCK:
		return TypeSocket
	case unix.S_IFBLK:
		return TypeBlockDev
	case unix.S_IFCHR:
		return TypeCharDev
	default:
		return TypeUnknown
	}
}
