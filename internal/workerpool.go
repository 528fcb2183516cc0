package internal

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// evaluateGroups fans a tick's enabled resource groups out across a bounded
// pool, each call wrapped with its own timeout so one slow group can't eat
// another's budget, and isolated so a panic or error in one evaluation
// never cancels its siblings.
//
// qpsByLB is the single batched metrics read for the whole tick; groups whose
// load balancer is missing from it fall back to an individual fetch inside
// Evaluate.
func evaluateGroups(ctx context.Context, engine *Engine, groups []ResourceGroup, qpsByLB map[string]*float64, poolSize int, callTimeout time.Duration, now time.Time) []Decision {
	results := make([]Decision, len(groups))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(poolSize)

	for i, group := range groups {
		i, group := i, group
		g.Go(func() error {
			results[i] = evaluateOne(gctx, engine, group, qpsByLB[group.LBID], callTimeout, now)
			return nil
		})
	}

	// g.Go's closures never return a non-nil error: every failure is
	// captured inside the per-group Decision instead, so one group's
	// trouble can't cancel gctx for the rest of the pool. Wait therefore
	// always returns nil; panics are recovered inside evaluateOne before
	// they reach the errgroup.
	_ = g.Wait()

	return results
}

// evaluateOne guards a single group's evaluation with its own deadline and
// panic recovery, turning either into a terminal Decision rather than
// propagating up into the shared errgroup.
func evaluateOne(ctx context.Context, engine *Engine, group ResourceGroup, prefetchedQPS *float64, callTimeout time.Duration, now time.Time) (dec Decision) {
	defer func() {
		if r := recover(); r != nil {
			dec = Decision{
				ResourceGroupID: group.ID,
				Action:          ActionNone,
				Reason:          "panic",
				Error:           "recovered panic during evaluation",
			}
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	dec = engine.Evaluate(callCtx, group, prefetchedQPS, now)

	// ctx is done only when the tick itself is cancelled or past its
	// deadline: a group that had not acted by then reports a timeout,
	// whatever facade error the cancellation surfaced as.
	tickExpired := ctx.Err() != nil && dec.ExecutionResult == nil
	if tickExpired || (callCtx.Err() != nil && dec.Error == "") {
		dec.Action = ActionNone
		dec.Reason = "timeout"
		if dec.Error == "" {
			dec.Error = callCtx.Err().Error()
		}
	}

	return dec
}
