package internal

import (
	"context"
	"log/slog"
	"time"

	albinternal "github.com/windrichie/albqpscaler/internal"
)

// Handle parses configuration, builds a Controller, and dispatches to the
// operation kind selects (a periodic scaling_evaluation, a status read, or a
// validation check). It is shared by every entrypoint (Lambda, local CLI) so
// they differ only in how they're invoked and which kind they pass, not in
// what they do.
func Handle(ctx context.Context, logger *slog.Logger, kind albinternal.EventKind) (any, error) {
	var cfg albinternal.RuntimeConfig
	if err := cfg.Parse(); err != nil {
		return nil, err
	}

	controller, err := albinternal.NewController(ctx, &cfg, logger)
	if err != nil {
		return nil, err
	}
	defer controller.Close()

	return controller.Dispatch(ctx, kind, time.Now())
}
