//go:build (darwin && !ios) || freebsd || openbsd || netbsd || dragonfly

package bfs

// dir_unix.go implements the directory I/O backend contract (see
// dir_contract.go) for "mainstream" non-Linux Unix platforms:
//   - macOS (darwin, excluding iOS)
//   - the BSD family (FreeBSD/OpenBSD/NetBSD/DragonFly)
//
// The goal of this backend is to keep a syscall-oriented implementation
// (openat-relative opens, fd-anchored stats) without maintaining per-platform
// dirent parsers: enumeration goes through unix.ReadDirent + unix.ParseDirent,
// which costs the d_type hint. Entries therefore surface as TypeUnknown and
// the engine classifies them with a follow-up fstatat, exactly the degraded
// mode the portable contract allows.

import (
	"errors"
	"fmt"
	"io"
	"syscall"

	"golang.org/x/sys/unix"
)

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

// openDirFrom opens a directory, relative to parent when parent is valid.
// name must include its trailing NUL terminator.
func openDirFrom(parent DirHandle, name []byte, _ string, follow bool) (DirHandle, error) {
	dfd := unix.AT_FDCWD
	if parent.Valid() {
		dfd = parent.dirfd
	}

	flags := unix.O_RDONLY | unix.O_DIRECTORY | unix.O_CLOEXEC
	if !follow {
		flags |= unix.O_NOFOLLOW
	}

	nameStr := string(name[:nameLen(name)])

	for {
		fd, err := unix.Openat(dfd, nameStr, flags, 0)
		if errors.Is(err, syscall.EINTR) {
			continue
		}

		if err != nil {
			return invalidDirHandle(), err
		}

		return DirHandle{dirfd: fd, ok: true}, nil
	}
}

func (h DirHandle) closeHandle() error {
	if !h.Valid() {
		return nil
	}

	err := syscall.Close(h.dirfd)
	if err != nil {
		return fmt.Errorf("close dir: %w", err)
	}

	return nil
}

// readDirBatchImpl reads one getdents batch and parses it portably.
// ParseDirent already skips "." and ".." and deleted entries; type hints are
// unavailable through it, so everything surfaces as TypeUnknown.
func readDirBatchImpl(h DirHandle, buf []byte, batch *entryBatch) error {
	var (
		read int
		err  error
	)
	for {
		read, err = unix.ReadDirent(h.dirfd, buf)
		if errors.Is(err, syscall.EINTR) {
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

	names := make([]string, 0, 64)
	_, _, names = unix.ParseDirent(buf[:read], -1, names)

	for _, name := range names {
		batch.appendString(name, TypeUnknown)
	}

	return nil
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
