package bfs_test

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/danie-dejager/bfs"
)

func Test_Walk_DFS_Emits_Preorder(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "a/x", []byte("x"))
	writeFile(t, root, "a/y", []byte("y"))
	writeFile(t, root, "b/x", []byte("x"))

	visits, err := collectWalk(t, []string{root},
		bfs.WithStrategy(bfs.StrategyDFS),
		bfs.WithSortedEntries(),
	)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	got := prePaths(visits)
	want := []string{
		root,
		filepath.Join(root, "a"),
		filepath.Join(root, "a", "x"),
		filepath.Join(root, "a", "y"),
		filepath.Join(root, "b"),
		filepath.Join(root, "b", "x"),
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("dfs preorder mismatch (-want +got):\n%s", diff)
	}
}

func Test_Walk_DFS_Exhausts_Subtree_Before_Sibling(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	for d := range 3 {
		for f := range 5 {
			writeFile(t, root, fmt.Sprintf("d%d/deep/f%d", d, f), []byte("x"))
		}
	}

	visits, err := collectWalk(t, []string{root}, bfs.WithStrategy(bfs.StrategyDFS))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	// Once a depth-1 directory is visited, every entry until the next
	// depth-1 directory must live under it.
	current := ""

	for _, v := range visits[1:] {
		if v.Depth == 1 {
			current = v.Path

			continue
		}

		if !strings.HasPrefix(v.Path, current+string(filepath.Separator)) {
			t.Fatalf("entry %s outside active subtree %s", v.Path, current)
		}
	}
}

func deepChainTree(t *testing.T) (string, int) {
	t.Helper()

	root := t.TempDir()

	rel := ""
	depth := 6

	for i := range depth {
		rel = filepath.Join(rel, fmt.Sprintf("lvl%d", i))
		writeFile(t, root, filepath.Join(rel, "leaf"), []byte("x"))
	}

	return root, depth
}

func Test_Walk_IDS_Emits_Each_Entry_Exactly_Once(t *testing.T) {
	t.Parallel()

	root, _ := deepChainTree(t)

	visits, err := collectWalk(t, []string{root}, bfs.WithStrategy(bfs.StrategyIDS))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	seen := map[string]int{}
	for _, v := range visits {
		seen[v.Path]++
	}

	for path, n := range seen {
		if n != 1 {
			t.Fatalf("%s emitted %d times", path, n)
		}
	}

	bfsVisits, err := collectWalk(t, []string{root})
	if err != nil {
		t.Fatalf("bfs walk: %v", err)
	}

	if diff := cmp.Diff(sortedCopy(prePaths(bfsVisits)), sortedCopy(prePaths(visits))); diff != "" {
		t.Fatalf("ids visit set differs from bfs (-bfs +ids):\n%s", diff)
	}
}

func Test_Walk_EDS_Emits_Each_Entry_Exactly_Once(t *testing.T) {
	t.Parallel()

	root, _ := deepChainTree(t)

	visits, err := collectWalk(t, []string{root}, bfs.WithStrategy(bfs.StrategyEDS))
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	seen := map[string]int{}
	for _, v := range visits {
		seen[v.Path]++
	}

	for path, n := range seen {
		if n != 1 {
			t.Fatalf("%s emitted %d times", path, n)
		}
	}

	bfsVisits, err := collectWalk(t, []string{root})
	if err != nil {
		t.Fatalf("bfs walk: %v", err)
	}

	if diff := cmp.Diff(sortedCopy(prePaths(bfsVisits)), sortedCopy(prePaths(visits))); diff != "" {
		t.Fatalf("eds visit set differs from bfs (-bfs +eds):\n%s", diff)
	}
}

func Test_Walk_IDS_Respects_Max_Depth(t *testing.T) {
	t.Parallel()

	root, _ := deepChainTree(t)

	visits, err := collectWalk(t, []string{root},
		bfs.WithStrategy(bfs.StrategyIDS),
		bfs.WithMaxDepth(3),
	)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	for _, v := range visits {
		if v.Depth > 3 {
			t.Fatalf("entry beyond max depth: %+v", v)
		}
	}
}

// ============================================================================
// Post-order
// ============================================================================

func Test_Walk_Empty_Directory_Emits_Pre_And_Post(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	mkdirAll(t, root, "empty")

	visits, err := collectWalk(t, []string{root}, bfs.WithPostOrder())
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	empty := filepath.Join(root, "empty")

	var kinds []bfs.VisitKind

	for _, v := range visits {
		if v.Path == empty {
			kinds = append(kinds, v.Kind)
		}
	}

	want := []bfs.VisitKind{bfs.VisitPre, bfs.VisitPost}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("empty dir visit kinds (-want +got):\n%s", diff)
	}
}

func Test_Walk_PostOrder_Fires_After_All_Descendants(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "a/b/f1", []byte("x"))
	writeFile(t, root, "a/b/f2", []byte("x"))
	writeFile(t, root, "a/f3", []byte("x"))

	visits, err := collectWalk(t, []string{root}, bfs.WithPostOrder())
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	lastUnder := map[string]int{}
	postAt := map[string]int{}

	for i, v := range visits {
		if v.Kind == bfs.VisitPost {
			postAt[v.Path] = i

			continue
		}

		for dir := filepath.Dir(v.Path); len(dir) >= len(root); dir = filepath.Dir(dir) {
			lastUnder[dir] = i
		}
	}

	for dir, post := range postAt {
		if last, ok := lastUnder[dir]; ok && post < last {
			t.Fatalf("post visit of %s at %d precedes descendant at %d", dir, post, last)
		}
	}

	if len(postAt) != 3 { // root, a, a/b
		t.Fatalf("expected 3 post visits, got %d: %+v", len(postAt), postAt)
	}
}

func Test_Walk_Prune_Still_Fires_PostOrder(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	writeFile(t, root, "a/x", []byte("x"))

	pruned := filepath.Join(root, "a")

	var kinds []bfs.VisitKind

	err := bfs.Walk(t.Context(), []string{root}, func(e *bfs.Entry) bfs.Action {
		if e.Path() == pruned {
			kinds = append(kinds, e.Kind())

			if e.Kind() == bfs.VisitPre {
				return bfs.Prune
			}
		}

		return bfs.Continue
	}, bfs.WithPostOrder())
	if err != nil {
		t.Fatalf("walk: %v", err)
	}

	want := []bfs.VisitKind{bfs.VisitPre, bfs.VisitPost}
	if diff := cmp.Diff(want, kinds); diff != "" {
		t.Fatalf("pruned dir visit kinds (-want +got):\n%s", diff)
	}
}
