//go:build linux && !android

package bfs

// dir_linux.go implements the directory I/O backend contract (see
// dir_contract.go) for Linux.
//
// Linux is the performance-critical backend:
//   - Directory enumeration uses getdents64 (via syscall.ReadDirent) and
//     parses raw dirent64 structures in-place (low allocation).
//   - Opens and stats are anchored at an open directory fd (openat/fstatat),
//     so only base names cross the syscall boundary.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// linux_dirent64 offsets (from linux/dirent.h):
//
//	struct linux_dirent64 {
//	    ino64_t        d_ino;    // 8 bytes  (offset 0)
//	    off64_t        d_off;    // 8 bytes  (offset 8)
//	    unsigned short d_reclen; // 2 bytes  (offset 16)
//	    unsigned char  d_type;   // 1 byte   (offset 18)
//	    char           d_name[]; // variable (offset 19)
//	};
const (
	direntReclenOffset = 16
	direntTypeOffset   = 18
	direntNameOffset   = 19
	direntMinSize      = direntNameOffset

	// atFDCWD is AT_FDCWD (-100) as a uintptr for use with syscall.Syscall6.
	atFDCWD = ^uintptr(0) - 99
)

var errInvalidDirent = errors.New("invalid dirent")

// DirHandle wraps an open directory file descriptor.
//
// The zero value is invalid (descriptor 0 is a real fd, hence the explicit
// ok bit). Handles are created by the I/O queue's OpenDir operation and
// owned by the traversal's FD cache.
type DirHandle struct {
	dirfd int
	ok    bool
}

// Valid reports whether the handle refers to an open directory.
func (h DirHandle) Valid() bool {
	return h.ok && h.dirfd >= 0
}

func (h DirHandle) fd() int {
	return h.dirfd
}

func invalidDirHandle() DirHandle {
	return DirHandle{}
}

// dirOpenFlags returns the open(2) flag set for directory handles. Shared
// with the ring backend, which encodes the same open in an SQE.
func dirOpenFlags(follow bool) int {
	flags := unix.O_RDONLY | unix.O_DIRECTORY | unix.O_CLOEXEC | unix.O_LARGEFILE
	if !follow {
		flags |= unix.O_NOFOLLOW
	}

	return flags
}

// openDirFrom opens a directory, relative to parent when parent is valid.
// name must include its trailing NUL terminator.
func openDirFrom(parent DirHandle, name []byte, _ string, follow bool) (DirHandle, error) {
	dfd := atFDCWD
	if parent.Valid() {
		dfd = uintptr(parent.dirfd)
	}

	flags := dirOpenFlags(follow)

	// Retry on EINTR without an upper bound, matching Go's standard library.
	for {
		fd, _, errno := syscall.Syscall6(
			syscall.SYS_OPENAT,
			dfd,
			uintptr(unsafe.Pointer(&name[0])),
			uintptr(flags),
			0, 0, 0,
		)
		if errno == syscall.EINTR {
			continue
		}

		if errno != 0 {
			return invalidDirHandle(), errno
		}

		return DirHandle{dirfd: int(fd), ok: true}, nil
	}
}

func (h DirHandle) closeHandle() error {
	if !h.Valid() {
		return nil
	}

	// We intentionally do not retry close(2) on EINTR.
	err := syscall.Close(h.dirfd)
	if err != nil {
		return fmt.Errorf("close dir: %w", err)
	}

	return nil
}

// readDirBatchImpl reads one getdents64 batch into batch, preserving on-disk
// order and recording d_type hints. Names are stored with a trailing NUL.
// Returns io.EOF once the directory stream is exhausted.
func readDirBatchImpl(h DirHandle, buf []byte, batch *entryBatch) error {
	var (
		read int
		err  error
	)
	for {
		read, err = syscall.ReadDirent(h.dirfd, buf)
		if err == syscall.EINTR {
			continue
		}

		break
	}

	if err != nil {
		return fmt.Errorf("readdirent: %w", err)
	}

	if read <= 0 {
		return io.EOF
	}

	data := buf[:read]
	for len(data) > 0 {
		if len(data) < direntMinSize {
			return errInvalidDirent
		}

		reclen := int(binary.NativeEndian.Uint16(data[direntReclenOffset:]))
		if reclen < direntMinSize || reclen > len(data) {
			return errInvalidDirent
		}

		entry := data[:reclen]
		data = data[reclen:]

		// Extract the filename (ends at first NUL byte).
		nameBytes := entry[direntNameOffset:reclen]
		for i, b := range nameBytes {
			if b == 0 {
				nameBytes = nameBytes[:i]

				break
			}
		}

		if len(nameBytes) == 0 || isDotEntry(nameBytes) {
			continue
		}

		batch.append(nameBytes, typeFromDirent(entry[direntTypeOffset]))
	}

	return nil
}

func isDotEntry(name []byte) bool {
	if len(name) == 1 && name[0] == '.' {
		return true
	}

	return len(name) == 2 && name[0] == '.' && name[1] == '.'
}

// typeFromDirent maps a d_type byte to a FileType.
func typeFromDirent(dt byte) FileType {
	switch dt {
	case syscall.DT_REG:
		return TypeRegular
	case syscall.DT_DIR:
		return TypeDirectory
	case syscall.DT_LNK:
		return TypeSymlink
	case syscall.DT_FIFO:
		return TypeFifo
	case syscall.DT_SOCK:
		return TypeSocket
	case syscall.DT_BLK:
		return TypeBlockDev
	case syscall.DT_CHR:
		return TypeCharDev
	case syscall.DT_WHT:
		return TypeWhiteout
	default:
		return TypeUnknown
	}
}

// statAtImpl stats the named entry relative to h, or to the working
// directory when h is invalid (root probes).
// name must include its trailing NUL terminator.
func statAtImpl(h DirHandle, name []byte, _ string, follow bool) (Stat, error) {
	flags := unix.AT_SYMLINK_NOFOLLOW
	if follow {
		flags = 0
	}

	dfd := h.dirfd
	if !h.Valid() {
		dfd = unix.AT_FDCWD
	}

	nameStr := string(name[:nameLen(name)])

	var st unix.Stat_t
	for {
		err := unix.Fstatat(dfd, nameStr, &st, flags)
		if errors.Is(err, syscall.EINTR) {
			continue
		}

		if err != nil {
			return Stat{}, err
		}

		break
	}

	return statFromSys(&st), nil
}

// statSelf stats the open directory itself (fstat).
func (h DirHandle) statSelf() (Stat, error) {
	var st unix.Stat_t
	for {
		err := unix.Fstat(h.dirfd, &st)
		if errors.Is(err, syscall.EINTR) {
			continue
		}

		if err != nil {
			return Stat{}, err
		}

		break
	}

	return statFromSys(&st), nil
}
