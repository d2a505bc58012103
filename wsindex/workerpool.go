package wsindex

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// AddResult pairs a path with the outcome of indexing it.
type AddResult struct {
	Path  string
	Entry Entry
	Err   error
}

// AddAll dispatches ix.Add across a worker pool bounded by concurrency
// (spec §4.4, §5: "add may be parallelized across files by a worker pool of
// size push_threads_count"). It never stops early on a single failure --
// the orchestrator collects every result and decides how to report
// failures in aggregate (spec §7 propagation policy).
func AddAll(ctx context.Context, ix *Index, paths []string, mut Mutability, prev PreviousLookup, concurrency int) []AddResult {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]AddResult, len(paths))
	sem := make(chan struct{}, concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			entry, err := ix.Add(gctx, p, mut, prev)
			results[i] = AddResult{Path: p, Entry: entry, Err: err}
			return nil // collect, never abort the group
		})
	}
	_ = g.Wait()
	return results
}
