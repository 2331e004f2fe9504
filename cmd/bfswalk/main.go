// Bfswalk walks directory trees breadth-first and prints what it finds.
//
// It is a thin driver over the bfs traversal engine: one path per line on
// stdout, errors on stderr, exit status 1 if any path could not be fully
// traversed.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danie-dejager/bfs"
)

type exitCode = int

const (
	exitOk    exitCode = 0
	exitError exitCode = 1
)

var (
	strategyFlag = flag.String("S", "bfs", "search strategy: bfs, dfs, ids, eds")
	workers      = flag.Int("j", 0, "I/O worker threads (0: auto)")
	postOrder    = flag.Bool("depth", false, "list directories after their contents")
	minDepth     = flag.Int("mindepth", 0, "do not list entries shallower than this")
	maxDepth     = flag.Int("maxdepth", -1, "do not descend below this depth (-1: unlimited)")
	xdev         = flag.Bool("xdev", false, "do not descend into other filesystems")
	followAll    = flag.Bool("L", false, "follow all symbolic links")
	followRoots  = flag.Bool("H", false, "follow symbolic links given on the command line")
	sorted       = flag.Bool("s", false, "sort entries within each directory")
	useRing      = flag.Bool("ring", false, "use the io_uring backend where available")
	typeCodes    = flag.Bool("t", false, "prefix each path with its type code")
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] [path ...]\n", os.Args[0])
	flag.PrintDefaults()
	os.Exit(exitError)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	roots := flag.Args()
	if len(roots) == 0 {
		roots = []string{"."}
	}

	var strategy bfs.Strategy

	switch *strategyFlag {
	case "bfs":
		strategy = bfs.StrategyBFS
	case "dfs":
		strategy = bfs.StrategyDFS
	case "ids":
		strategy = bfs.StrategyIDS
	case "eds":
		strategy = bfs.StrategyEDS
	default:
		usage()
	}

	// More descriptors means a larger directory-handle cache.
	_, _ = bfs.RaiseFDLimit()

	opts := []bfs.Option{
		bfs.WithStrategy(strategy),
		bfs.WithWorkers(*workers),
		bfs.WithMinDepth(*minDepth),
		bfs.WithMaxDepth(*maxDepth),
	}

	if *postOrder {
		opts = append(opts, bfs.WithPostOrder())
	}

	if *xdev {
		opts = append(opts, bfs.WithMountPolicy(bfs.MountNoCross))
	}

	if *followAll {
		opts = append(opts, bfs.WithFollowPolicy(bfs.FollowAll))
	} else if *followRoots {
		opts = append(opts, bfs.WithFollowPolicy(bfs.FollowRoots))
	}

	if *sorted {
		opts = append(opts, bfs.WithSortedEntries())
	}

	if *useRing {
		opts = append(opts, bfs.WithRing())
	}

	ctx, cancel := context.WithCancel(context.Background())
	signalChannel := make(chan os.Signal, 1)
	signal.Notify(signalChannel, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		<-signalChannel
		cancel()
	}()

	status := exitOk

	err := bfs.Walk(ctx, roots, func(e *bfs.Entry) bfs.Action {
		if err := e.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %s: %v\n", os.Args[0], e.Path(), err)

			status = exitError
		}

		if !printable(e) {
			return bfs.Continue
		}

		if *typeCodes {
			fmt.Printf("%s %s\n", e.Type(), e.Path())
		} else {
			fmt.Println(e.Path())
		}

		return bfs.Continue
	}, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)

		status = exitError
	}

	os.Exit(status)
}

// printable keeps one line per entry: with -depth, directories print on
// their post-order visit; everything else prints on its only visit.
func printable(e *bfs.Entry) bool {
	if e.Err() != nil {
		return false
	}

	if *postOrder && e.Type() == bfs.TypeDirectory {
		return e.Kind() == bfs.VisitPost
	}

	return e.Kind() == bfs.VisitPre
}
