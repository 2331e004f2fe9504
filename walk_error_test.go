package bfs_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"testing"

	"github.com/danie-dejager/bfs"
)

// requireUnprivileged skips tests that rely on permission denials, which
// root bypasses.
func requireUnprivileged(t *testing.T) {
	t.Helper()

	if runtime.GOOS == windowsOS {
		t.Skip("permission-bit semantics differ on windows")
	}

	if os.Geteuid() == 0 {
		t.Skip("running as root; permission checks are bypassed")
	}
}

func Test_Walk_Unreadable_Directory_Reports_Error_And_No_Children(t *testing.T) {
	t.Parallel()
	requireUnprivileged(t)

	root := t.TempDir()
	writeFile(t, root, "locked/secret", []byte("x"))
	writeFile(t, root, "open/f", []byte("x"))

	locked := filepath.Join(root, "locked")

	err := os.Chmod(locked, 0)
	if err != nil {
		t.Fatalf("chmod: %v", err)
	}

	t.Cleanup(func() { _ = os.Chmod(locked, 0o750) })

	visits, err := collectWalk(t, []string{root})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	sawLocked := false

	for _, v := range visits {
		switch v.Path {
		case locked:
			sawLocked = true

			if !errors.Is(v.Err, syscall.EACCES) {
				t.Fatalf("expected EACCES on %s, got %v", locked, v.Err)
			}

			if v.Type != bfs.TypeDirectory {
				t.Fatalf("locked dir reported as %v", v.Type)
			}

		case filepath.Join(locked, "secret"):
			t.Fatalf("child of unreadable directory visited: %+v", v)
		}
	}

	if !sawLocked {
		t.Fatalf("unreadable directory never visited: %+v", visits)
	}
}

func Test_Walk_Unreadable_Directory_Still_Fires_PostOrder(t *testing.T) {
	t.Parallel()
	requireUnprivileged(t)

	root := t.TempDir()
	mkdirAll(t, root, "locked")

	locked := filepath.Join(root, "locked")

	err := os.Chmod(locked, 0)
	if err != nil {
		t.Fatalf("chmod: %v", err)
	}

	t.Cleanup(func() { _ = os.Chmod(locked, 0o750) })

	visits, err := collectWalk(t, []string{root}, bfs.WithPostOrder())
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	var kinds []bfs.VisitKind

	for _, v := range visits {
		if v.Path == locked {
			kinds = append(kinds, v.Kind)
		}
	}

	if len(kinds) != 2 || kinds[0] != bfs.VisitPre || kinds[1] != bfs.VisitPost {
		t.Fatalf("expected pre+post for unreadable dir, got %v", kinds)
	}
}

func Test_Walk_Missing_Root_Does_Not_Abort_Traversal(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "f", []byte("x"))

	missing := filepath.Join(root, "nope")

	visits, err := collectWalk(t, []string{missing, root})
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	if len(visits) < 3 {
		t.Fatalf("expected missing root plus real tree, got %+v", visits)
	}

	if visits[0].Path != missing || !errors.Is(visits[0].Err, syscall.ENOENT) {
		t.Fatalf("missing root not first with ENOENT: %+v", visits[0])
	}
}

// Not parallel: it compares process-wide fd counts.
func Test_Walk_Context_Cancellation_Stops_Promptly(t *testing.T) {
	root := t.TempDir()

	for i := range testWideFiles {
		writeFile(t, root, filepath.Join("d", string(rune('a'+i%26)), "f"), []byte("x"))
	}

	before := openFDCount(t)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	count := 0

	err := bfs.Walk(ctx, []string{root}, func(_ *bfs.Entry) bfs.Action {
		count++

		if count == 3 {
			cancel()
		}

		return bfs.Continue
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	if before >= 0 {
		if after := openFDCount(t); after != before {
			t.Fatalf("fd count changed after cancel: before=%d after=%d", before, after)
		}
	}
}
