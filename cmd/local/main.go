package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	cmdinternal "github.com/windrichie/albqpscaler/cmd/internal"
	"github.com/windrichie/albqpscaler/internal"
	"github.com/windrichie/albqpscaler/internal/tracing"
)

func main() {
	debug := flag.Bool("d", false, "enable debug tracing (logs spans to stdout)")
	flag.BoolVar(debug, "debug", false, "enable debug tracing (logs spans to stdout)")
	event := flag.String("e", string(internal.EventScalingEvaluation), "event kind to run: scaling_evaluation, status, or validation")
	flag.StringVar(event, "event", string(internal.EventScalingEvaluation), "event kind to run: scaling_evaluation, status, or validation")
	flag.Parse()

	kind := internal.EventKind(*event)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

	tp, err := tracing.InitTracer(ctx, logger, *debug)
	if err != nil {
		logger.Error("could not initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("error shutting down tracer provider", "error", err)
		}
	}()

	tracer := otel.Tracer("albqpscaler/local")
	ctx, span := tracer.Start(ctx, string(kind))
	defer span.End()

	result, err := cmdinternal.Handle(ctx, logger, kind)
	if err != nil {
		logger.With("msg", err.Error()).Error("could not run invocation")
		span.RecordError(err)
		span.SetStatus(codes.Error, "")
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
}
