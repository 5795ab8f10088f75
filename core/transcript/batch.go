package transcript

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// ReplayBatch replays independent transcripts concurrently. Each transcript is
// still verified sequentially. workers <= 0 uses GOMAXPROCS. Results are in
// input order; the only error is context cancellation.
func ReplayBatch(ctx context.Context, transcripts []Transcript, workers int) ([]Result, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([]Result, len(transcripts))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range transcripts {
		i := i
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			results[i] = Replay(transcripts[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
