package internal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Controller owns the wiring for one process: the catalog, the facades, the
// state store, and the per-group Decision Engine they feed. RunTick is the
// operation a caller needs for a periodic invocation.
type Controller struct {
	Cfg     *RuntimeConfig
	Catalog Catalog
	Metrics MetricsFacade
	ASG     ASGFacade
	State   StateStore
	Engine  *Engine
	Pool    *pgxpool.Pool
	Logger  *slog.Logger
}

// NewController wires AWS credentials, the PostgreSQL pool, and every
// collaborator the Decision Engine needs, following the same
// config-in/collaborators-out shape as the original AWS controller
// constructor.
func NewController(ctx context.Context, cfg *RuntimeConfig, logger *slog.Logger) (*Controller, error) {
	// Two attempts in total: at most one retry per AWS call within a tick.
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion), awsconfig.WithRetryMaxAttempts(2))
	if err != nil {
		return nil, fmt.Errorf("could not load AWS config: %w", err)
	}

	pool, err := pgxpool.New(ctx, cfg.CatalogDSN)
	if err != nil {
		return nil, fmt.Errorf("could not connect to catalog database: %w", err)
	}

	asgClient := autoscaling.NewFromConfig(awsCfg)
	cwClient := cloudwatch.NewFromConfig(awsCfg)

	catalog := NewPostgresCatalog(pool)
	state := NewPostgresStateStore(pool)
	metrics := NewCloudWatchMetricsFacade(cwClient)
	asg := NewAWSASGFacade(asgClient, otel.Tracer("albqpscaler/asg"))

	engine := NewEngine(asg, metrics, state, logger, cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)

	return &Controller{
		Cfg:     cfg,
		Catalog: catalog,
		Metrics: metrics,
		ASG:     asg,
		State:   state,
		Engine:  engine,
		Pool:    pool,
		Logger:  logger,
	}, nil
}

// Close releases the database pool. The shared cmd/internal Handle builds a
// fresh Controller for every invocation (the Lambda entrypoint included) and
// closes it when that invocation ends.
func (c *Controller) Close() {
	c.Pool.Close()
}

// RunTick executes one full evaluation pass: load enabled groups, fetch QPS
// for every distinct load balancer in a single batched call, fan the
// per-group decisions out across the worker pool, and assemble the result.
func (c *Controller) RunTick(ctx context.Context, now time.Time) TickSummary {
	tracer := otel.Tracer("albqpscaler/controller")
	ctx, span := tracer.Start(ctx, "run_tick")
	defer span.End()

	executionID := uuid.NewString()
	logger := c.Logger.With("execution_id", executionID)
	started := time.Now()

	summary := TickSummary{
		ExecutionID: executionID,
		Timestamp:   now,
		Action:      "run_tick",
		Status:      string(ActivityStatusValueSuccess),
	}

	ctx, cancel := context.WithTimeout(ctx, c.Cfg.TickDeadline)
	defer cancel()

	groups, err := c.Catalog.ListEnabledGroups(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "")
		summary.Status = string(ActivityStatusValueError)
		summary.Error = err.Error()
		summary.ExecutionTimeMS = time.Since(started).Milliseconds()
		logger.Error("could not list enabled resource groups", "error", err)
		return summary
	}

	span.SetAttributes(attribute.Int("groups.count", len(groups)))
	logger.Info("starting tick", "groups", len(groups))

	if len(groups) == 0 {
		summary.Message = "no enabled resource groups"
		summary.ExecutionTimeMS = time.Since(started).Milliseconds()
		return summary
	}

	lbIDs := distinctLBIDs(groups)
	window := time.Duration(maxMetricPeriodSeconds(groups)) * time.Second
	qpsByLB, err := c.Metrics.BatchAverageQPS(ctx, lbIDs, window, now)
	if err != nil {
		// A failed batch fetch degrades, rather than aborts: every group
		// falls back to its own single-LB fetch inside Evaluate.
		logger.Warn("batched QPS fetch failed, falling back to per-group fetches", "error", err)
		qpsByLB = nil
	}

	results := evaluateGroups(ctx, c.Engine, groups, qpsByLB, c.Cfg.WorkerPoolSize, c.Cfg.FacadeCallTimeout, now)

	summary.Results = results
	summary.ExecutionTimeMS = time.Since(started).Milliseconds()

	errored := 0
	for _, r := range results {
		if r.Error != "" {
			errored++
		}
	}
	if errored > 0 {
		summary.Message = fmt.Sprintf("%d/%d groups errored", errored, len(results))
	}

	logger.Info("tick complete", "groups", len(groups), "errored", errored, "duration_ms", summary.ExecutionTimeMS)

	return summary
}

// Status returns the last-known runtime state for every enabled group
// without touching the ASG or metrics provider, for a read-only status
// surface alongside the periodic tick.
func (c *Controller) Status(ctx context.Context) ([]GroupRuntimeState, error) {
	groups, err := c.Catalog.ListEnabledGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not list enabled resource groups: %w", err)
	}

	states := make([]GroupRuntimeState, 0, len(groups))
	for _, g := range groups {
		st, found, err := c.State.GetState(ctx, g.ID)
		if err != nil {
			return nil, fmt.Errorf("could not get state for group %d: %w", g.ID, err)
		}
		if !found {
			st = GroupRuntimeState{ResourceGroupID: g.ID}
		}
		states = append(states, st)
	}

	return states, nil
}

// Validate checks that the catalog is reachable and every enabled group is
// internally consistent, without ever calling the ASG.
func (c *Controller) Validate(ctx context.Context) error {
	groups, err := c.Catalog.ListEnabledGroups(ctx)
	if err != nil {
		return fmt.Errorf("could not list enabled resource groups: %w", err)
	}

	for _, g := range groups {
		if g.EnableDynamicScaling && g.TargetQPSPerInstance <= 0 {
			return fmt.Errorf("group %d: dynamic scaling enabled but target_qps_per_instance is %v", g.ID, g.TargetQPSPerInstance)
		}
		if g.LBID == "" || g.ASGID == "" {
			return fmt.Errorf("group %d: missing lb_id or asg_id", g.ID)
		}
	}

	return nil
}

// Dispatch routes one invocation to RunTick, Status, or Validate depending on
// kind, defaulting to a scaling evaluation for the empty kind — the shape a
// timer trigger with no payload produces. Like RunTick, which reports a
// catalog failure inside its TickSummary, a Status or Validate failure is
// reported inside the returned envelope's Status/Error fields rather than
// surfaced as a Go error, so every kind reports failure the same way.
func (c *Controller) Dispatch(ctx context.Context, kind EventKind, now time.Time) (any, error) {
	switch kind {
	case EventStatus:
		return c.dispatchStatus(ctx, now), nil
	case EventValidation:
		return c.dispatchValidation(ctx, now), nil
	default:
		return c.RunTick(ctx, now), nil
	}
}

func (c *Controller) dispatchStatus(ctx context.Context, now time.Time) StatusSummary {
	executionID := uuid.NewString()
	started := time.Now()

	summary := StatusSummary{
		ExecutionID: executionID,
		Timestamp:   now,
		Action:      "status",
		Status:      string(ActivityStatusValueSuccess),
	}

	states, err := c.Status(ctx)
	summary.ExecutionTimeMS = time.Since(started).Milliseconds()
	if err != nil {
		summary.Status = string(ActivityStatusValueError)
		summary.Error = err.Error()
		c.Logger.Error("status check failed", "execution_id", executionID, "error", err)
		return summary
	}

	summary.Groups = states
	return summary
}

func (c *Controller) dispatchValidation(ctx context.Context, now time.Time) ValidationSummary {
	executionID := uuid.NewString()
	started := time.Now()

	summary := ValidationSummary{
		ExecutionID: executionID,
		Timestamp:   now,
		Action:      "validation",
		Status:      string(ActivityStatusValueSuccess),
	}

	if err := c.Validate(ctx); err != nil {
		summary.Status = string(ActivityStatusValueError)
		summary.Error = err.Error()
		c.Logger.Error("validation failed", "execution_id", executionID, "error", err)
	}

	summary.ExecutionTimeMS = time.Since(started).Milliseconds()
	return summary
}

func distinctLBIDs(groups []ResourceGroup) []string {
	seen := make(map[string]struct{}, len(groups))
	ids := make([]string, 0, len(groups))
	for _, g := range groups {
		if _, ok := seen[g.LBID]; ok {
			continue
		}
		seen[g.LBID] = struct{}{}
		ids = append(ids, g.LBID)
	}
	return ids
}

func maxMetricPeriodSeconds(groups []ResourceGroup) int {
	max := 0
	for _, g := range groups {
		if g.MetricPeriodSeconds > max {
			max = g.MetricPeriodSeconds
		}
	}
	return max
}
