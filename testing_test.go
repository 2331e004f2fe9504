package bfs_test

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/danie-dejager/bfs"
)

// Shared test constants.
const (
	windowsOS = "windows"

	testWideFiles = 120
	testDeepDirs  = 24
)

func writeFile(t *testing.T, root, rel string, data []byte) {
	t.Helper()

	fullPath := filepath.Join(root, rel)
	parent := filepath.Dir(fullPath)

	err := os.MkdirAll(parent, 0o750)
	if err != nil {
		t.Fatalf("mkdir %s: %v", parent, err)
	}

	err = os.WriteFile(fullPath, data, 0o600)
	if err != nil {
		t.Fatalf("write %s: %v", fullPath, err)
	}
}

func mkdirAll(t *testing.T, root, rel string) {
	t.Helper()

	err := os.MkdirAll(filepath.Join(root, rel), 0o750)
	if err != nil {
		t.Fatalf("mkdir %s: %v", rel, err)
	}
}

func writeSymlink(t *testing.T, root, targetRel, linkRel string) {
	t.Helper()

	if runtime.GOOS == windowsOS {
		t.Skip("symlinks not reliably available on windows")
	}

	target := filepath.Join(root, targetRel)
	link := filepath.Join(root, linkRel)

	parent := filepath.Dir(link)

	err := os.MkdirAll(parent, 0o750)
	if err != nil {
		t.Fatalf("mkdir %s: %v", parent, err)
	}

	err = os.Symlink(target, link)
	if err != nil {
		t.Fatalf("symlink %s -> %s: %v", link, target, err)
	}
}

// visit is a recorded callback invocation.
type visit struct {
	Path  string
	Depth int
	Kind  bfs.VisitKind
	Type  bfs.FileType
	Err   error
}

// collectWalk runs Walk over roots, recording every visit in order.
func collectWalk(t *testing.T, roots []string, opts ...bfs.Option) ([]visit, error) {
	t.Helper()

	var visits []visit

	err := bfs.Walk(t.Context(), roots, func(e *bfs.Entry) bfs.Action {
		visits = append(visits, visit{
			Path:  e.Path(),
			Depth: e.Depth(),
			Kind:  e.Kind(),
			Type:  e.Type(),
			Err:   e.Err(),
		})

		return bfs.Continue
	}, opts...)

	return visits, err
}

// prePaths extracts the pre-order paths from a visit log.
func prePaths(visits []visit) []string {
	paths := make([]string, 0, len(visits))

	for _, v := range visits {
		if v.Kind == bfs.VisitPre {
			paths = append(paths, v.Path)
		}
	}

	return paths
}

func sortedCopy(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Strings(out)

	return out
}

// openFDCount returns the number of open file descriptors, or -1 where the
// platform gives no cheap way to ask.
func openFDCount(t *testing.T) int {
	t.Helper()

	if runtime.GOOS != "linux" {
		return -1
	}

	ents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return -1
	}

	return len(ents)
}
