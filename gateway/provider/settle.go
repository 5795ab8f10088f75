package provider

import (
	"context"
	"errors"
	"fmt"

	"pact/core/types"
	"pact/native/escrow"
	"pact/native/settlement"
	"pact/native/streaming"
)

var ErrStreamStalled = errors.New("provider: stream stopped before the budget was spent")

// SettleHashReveal runs a hash-reveal settlement against the remote provider:
// fetch the commit, lock funds, fetch the reveal and verify it. The returned
// state is RELEASED or FAILED_PROOF on completion; on error it is the state the
// engine was left in.
func SettleHashReveal(ctx context.Context, c *Client, e *escrow.Engine, intentID string, now func() int64) (escrow.State, error) {
	commit, err := c.Commit(ctx, intentID)
	if err != nil {
		return e.State(), fmt.Errorf("fetch commit: %w", err)
	}
	if err := e.Commit(commit); err != nil {
		return e.State(), err
	}
	if err := e.Lock(ctx, now()); err != nil {
		return e.State(), err
	}
	reveal, err := c.Reveal(ctx, intentID)
	if err != nil {
		return e.State(), fmt.Errorf("fetch reveal: %w", err)
	}
	return e.Reveal(ctx, reveal, now())
}

// StreamOptions bounds a streaming run.
type StreamOptions struct {
	// TickAmount is paid after every accepted chunk.
	TickAmount uint64
	// MaxChunks stops the stream on the buyer's behalf once reached. Zero
	// means run until the budget is exhausted.
	MaxChunks uint64
	Now       func() int64
}

// Stream pulls chunks from the provider and pays one tick per chunk until the
// engine reaches a terminal state. A tick the engine refuses, such as one that
// would overdraw the budget, stops the stream on the buyer's behalf. A chunk the provider cannot deliver or sign
// correctly stops the stream on the provider's account; the receipt then
// covers only what was paid so far.
func Stream(ctx context.Context, c *Client, e *streaming.Engine, intentID string, opts StreamOptions) (streaming.State, error) {
	if opts.TickAmount == 0 {
		return e.State(), fmt.Errorf("provider: tick amount must be positive")
	}
	if e.State() == streaming.StateAccepted {
		if err := e.Start(); err != nil {
			return e.State(), err
		}
	}
	for seq := uint64(0); !e.State().Terminal(); seq++ {
		if opts.MaxChunks > 0 && seq >= opts.MaxChunks {
			return e.State(), e.Stop(ctx, types.RoleBuyer, opts.Now())
		}
		if err := ctx.Err(); err != nil {
			return e.State(), err
		}
		env, err := c.StreamChunk(ctx, intentID, seq)
		if err == nil {
			err = e.Chunk(env)
		}
		if err != nil {
			if stopErr := e.Stop(ctx, types.RoleProvider, opts.Now()); stopErr != nil {
				return e.State(), errors.Join(err, stopErr)
			}
			return e.State(), fmt.Errorf("%w: chunk %d: %w", ErrStreamStalled, seq, err)
		}
		if err := e.Tick(ctx, opts.TickAmount, opts.Now()); err != nil {
			if _, ok := settlement.ReasonOf(err); !ok {
				return e.State(), err
			}
			// The remaining budget cannot cover another tick.
			return e.State(), e.Stop(ctx, types.RoleBuyer, opts.Now())
		}
	}
	return e.State(), nil
}
