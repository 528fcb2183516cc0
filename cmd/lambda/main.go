package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-lambda-go/lambdacontext"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	cmdinternal "github.com/windrichie/albqpscaler/cmd/internal"
	"github.com/windrichie/albqpscaler/internal"
	"github.com/windrichie/albqpscaler/internal/tracing"
)

// Event is the Lambda invocation payload. A plain EventBridge/CloudWatch
// Events timer rule delivers no body at all, which unmarshals to the zero
// value, so an empty Type must mean scaling_evaluation.
type Event struct {
	Type string `json:"type"`
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

	tp, err := tracing.InitTracer(ctx, logger, os.Getenv("DEBUG_TRACING") != "")
	if err != nil {
		logger.Error("could not initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Error("error shutting down tracer provider", "error", err)
		}
	}()

	lambda.Start(func(ctx context.Context, event Event) (any, error) {
		if lc, ok := lambdacontext.FromContext(ctx); ok {
			logger = logger.With("aws_request_id", lc.AwsRequestID)
		}

		kind := internal.EventKind(event.Type)
		if kind == "" {
			kind = internal.EventScalingEvaluation
		}

		tracer := otel.Tracer("albqpscaler/lambda")
		ctx, span := tracer.Start(ctx, string(kind))
		defer span.End()

		result, err := cmdinternal.Handle(ctx, logger, kind)
		if err != nil {
			logger.Error("could not handle invocation", "error", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "")
			return nil, err
		}
		return result, nil
	})
}
