package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"
)

// Engine is the per-group Decision Engine: metrics + ASG status + state in,
// a Decision with an enumerated reason out. An error before the ASG write
// returns a Decision with Action=none and Error set; a failed ASG write keeps
// the chosen Action and sets Error and an error ExecutionResult. Panics from
// a collaborator are not recovered here; evaluateOne recovers them.
type Engine struct {
	asg     ASGFacade
	metrics MetricsFacade
	state   StateStore
	logger  *slog.Logger

	// circuitThreshold is the number of consecutive errors before a group's
	// circuit opens; circuitCooldown is how long it stays open.
	circuitThreshold int
	circuitCooldown  time.Duration
}

func NewEngine(asg ASGFacade, metrics MetricsFacade, state StateStore, logger *slog.Logger, circuitThreshold int, circuitCooldown time.Duration) *Engine {
	return &Engine{
		asg:              asg,
		metrics:          metrics,
		state:            state,
		logger:           logger,
		circuitThreshold: circuitThreshold,
		circuitCooldown:  circuitCooldown,
	}
}

// Evaluate runs the full per-group decision pipeline. now is threaded
// through explicitly so the whole pipeline observes one consistent instant,
// and so tests can drive it deterministically.
func (e *Engine) Evaluate(ctx context.Context, group ResourceGroup, prefetchedQPS *float64, now time.Time) Decision {
	dec := Decision{ResourceGroupID: group.ID}
	logger := e.logger.With("resource_group_id", group.ID, "asg_id", group.ASGID, "lb_id", group.LBID)

	runtimeState, _, err := e.state.GetState(ctx, group.ID)
	if err != nil {
		return e.fail(ctx, group, dec, now, ErrKindStateStore, err, "state_store_error")
	}

	// Step 1: in-progress guard.
	inProgress, err := e.asg.IsActivityInProgress(ctx, group.ASGID)
	if err != nil {
		return e.fail(ctx, group, dec, now, ErrKindASGRead, err, "asg_read_error")
	}
	if inProgress {
		dec.Action = ActionNone
		dec.Reason = "scaling_in_progress"
		logger.Info("scaling already in progress, skipping evaluation")
		return e.finalizeNoAction(ctx, group, dec, now)
	}

	// Step 2: suspension / circuit.
	if blocked, reason := circuitStatus(runtimeState, now); blocked {
		dec.Action = ActionNone
		dec.Reason = reason
		logger.Info("group evaluation short-circuited", "reason", reason)
		return e.finalizeNoAction(ctx, group, dec, now)
	}

	// Step 3: metrics acquisition.
	qps := prefetchedQPS
	if qps == nil {
		window := time.Duration(group.MetricPeriodSeconds) * time.Second
		single, err := e.metrics.BatchAverageQPS(ctx, []string{group.LBID}, window, now)
		if err != nil {
			return e.fail(ctx, group, dec, now, ErrKindMetricsUnavailable, err, "metrics_unavailable")
		}
		qps = single[group.LBID]
	}
	if qps == nil {
		err := fmt.Errorf("no QPS data available for lb %s", group.LBID)
		return e.fail(ctx, group, dec, now, ErrKindMetricsUnavailable, err, "metrics_unavailable")
	}
	dec.CurrentQPS = *qps

	// Step 4: capacity read.
	status, err := e.asg.GetStatus(ctx, group.ASGID)
	if err != nil {
		return e.fail(ctx, group, dec, now, ErrKindASGRead, err, "asg_read_error")
	}
	dec.CurrentInstances = status.CurrentInstances

	// Step 5: QPS/instance, guarding the cold-start division by zero.
	if status.CurrentInstances == 0 {
		dec.QPSPerInstance = 0
	} else {
		dec.QPSPerInstance = dec.CurrentQPS / float64(status.CurrentInstances)
	}

	// Step 6: sizing.
	amount, reason := e.size(ctx, group, &dec, status, now)
	dec.ScalingAmount = absInt(amount)

	// Step 8: classify action.
	switch {
	case amount > 0:
		dec.Action = ActionScaleUp
	case amount < 0:
		dec.Action = ActionScaleDown
	default:
		dec.Action = ActionNone
	}
	dec.Reason = reason

	if dec.Action == ActionNone {
		return e.finalizeNoAction(ctx, group, dec, now)
	}

	// Step 9: cooldown gate, first against the local cooldown_until deadline...
	if runtimeState.CooldownUntil != nil && runtimeState.CooldownUntil.After(now) {
		kind := "scale_up"
		if dec.Action == ActionScaleDown {
			kind = "scale_down"
		}
		remaining := int(runtimeState.CooldownUntil.Sub(now).Seconds())
		dec.Action = ActionNone
		dec.Reason = "cooldown_" + kind
		dec.CooldownRemainingSeconds = remaining
		logger.Info("action blocked by local cooldown", "kind", kind, "remaining_seconds", remaining)
		return e.finalizeNoAction(ctx, group, dec, now)
	}

	// ...then authoritatively against the ASG's own activity log.
	activities, err := e.asg.ListRecentActivities(ctx, group.ASGID, 20)
	if err != nil {
		return e.fail(ctx, group, dec, now, ErrKindASGRead, err, "asg_read_error")
	}
	if cc := checkCooldown(activities, dec.Action, group, now); cc.Blocked {
		dec.Action = ActionNone
		dec.Reason = "cooldown_" + cc.Kind
		dec.CooldownRemainingSeconds = cc.RemainingSeconds
		logger.Info("action blocked by cooldown", "kind", cc.Kind, "remaining_seconds", cc.RemainingSeconds)
		return e.finalizeNoAction(ctx, group, dec, now)
	}

	// Step 10: desired capacity & idempotency key.
	var desired int
	if dec.Action == ActionScaleUp {
		desired = status.CurrentInstances + dec.ScalingAmount
	} else {
		desired = status.CurrentInstances - dec.ScalingAmount
		if desired < 0 {
			desired = 0
		}
	}
	timeBucket := group.TimeBucket(now)
	dec.ActivityKey = fmt.Sprintf("%d-%d-%d", group.ID, desired, timeBucket)

	// Step 11: execute or dry-run.
	execStatus := e.execute(ctx, group, &dec, status, desired, logger)

	// Step 12: record activity + upsert state.
	e.record(ctx, group, &dec, execStatus, now, logger)

	return dec
}

// size computes the optimal instance count (dynamic vs static sizing), then
// applies safety caps, returning the signed scaling amount (positive=up,
// negative=down) and the reason code for the classified action.
func (e *Engine) size(ctx context.Context, group ResourceGroup, dec *Decision, status ASGStatus, now time.Time) (int, string) {
	if group.EnableDynamicScaling && group.TargetQPSPerInstance <= 0 {
		e.recordSoftError(ctx, group.ID, "decision_engine",
			fmt.Sprintf("invalid target_qps_per_instance: %v", group.TargetQPSPerInstance))
		optimal := 0
		dec.OptimalInstances = &optimal
		return 0, "misconfigured_target_qps"
	}

	var optimal int

	if group.EnableDynamicScaling {
		optimal = int(math.Ceil(dec.CurrentQPS / group.TargetQPSPerInstance))

		capped := optimal
		limitType := ""
		if capped < status.MinInstances {
			capped = status.MinInstances
			limitType = "min"
		} else if capped > status.MaxInstances {
			capped = status.MaxInstances
			limitType = "max"
		}
		dec.LimitedByASG = capped != optimal
		dec.ASGLimitType = limitType
		optimal = capped
	} else {
		optimal = status.CurrentInstances
		upThreshold := group.TargetQPSPerInstance * group.ScaleUpThreshold
		downThreshold := group.TargetQPSPerInstance * group.ScaleDownThreshold
		if dec.QPSPerInstance > upThreshold && status.CurrentInstances < status.MaxInstances {
			optimal = status.CurrentInstances + 1
		} else if dec.QPSPerInstance < downThreshold && status.CurrentInstances > status.MinInstances {
			optimal = status.CurrentInstances - 1
		}
	}

	requiredChange := optimal - status.CurrentInstances
	dec.OptimalInstances = &optimal
	dec.RequiredChange = &requiredChange

	amount := requiredChange
	switch {
	case requiredChange > 0 && group.MaxScaleUpPerAction > 0 && amount > group.MaxScaleUpPerAction:
		amount = group.MaxScaleUpPerAction
		dec.LimitedBySafety = true
	case requiredChange < 0 && group.MaxScaleDownPerAction > 0 && -amount > group.MaxScaleDownPerAction:
		amount = -group.MaxScaleDownPerAction
		dec.LimitedBySafety = true
	}

	return amount, e.reasonFor(group, amount, dec)
}

func (e *Engine) reasonFor(group ResourceGroup, amount int, dec *Decision) string {
	action := "none"
	switch {
	case amount > 0:
		action = "scale_up"
	case amount < 0:
		action = "scale_down"
	}

	if action == "none" {
		switch {
		case dec.LimitedByASG && dec.ASGLimitType == "min":
			return "at_asg_min_capacity"
		case dec.LimitedByASG && dec.ASGLimitType == "max":
			return "at_asg_max_capacity"
		case dec.LimitedByASG:
			return "constrained_by_asg_limits"
		default:
			return "optimal_instance_count_reached"
		}
	}

	if !group.EnableDynamicScaling {
		if action == "scale_up" {
			return "qps_above_threshold"
		}
		return "qps_below_threshold"
	}

	if dec.LimitedBySafety {
		return "dynamic_scaling_limited_" + action
	}
	return "dynamic_scaling_" + action
}

func (e *Engine) execute(ctx context.Context, group ResourceGroup, dec *Decision, status ASGStatus, desired int, logger *slog.Logger) ActivityStatus {
	if group.DryRun {
		dec.ExecutionResult = &ExecutionResult{Status: ActivityStatusValueDryRun}
		logger.Info("dry-run: skipping ASG write", "desired_capacity", desired)
		return ActivityStatusValueDryRun
	}

	if desired < status.MinInstances || desired > status.MaxInstances {
		err := fmt.Errorf("desired capacity %d outside ASG bounds [%d, %d]", desired, status.MinInstances, status.MaxInstances)
		dec.Error = err.Error()
		dec.ExecutionResult = &ExecutionResult{Status: ActivityStatusValueError, Error: err.Error()}
		e.recordSoftError(ctx, group.ID, "asg_write", err.Error())
		return ActivityStatusValueError
	}

	if err := e.asg.ModifyCapacity(ctx, group.ASGID, desired); err != nil {
		dec.Error = err.Error()
		dec.ExecutionResult = &ExecutionResult{Status: ActivityStatusValueError, Error: err.Error()}
		e.recordSoftError(ctx, group.ID, "asg_write", err.Error())
		return ActivityStatusValueError
	}

	dec.ExecutionResult = &ExecutionResult{Status: ActivityStatusValueSuccess}
	logger.Info("scaled ASG", "action", dec.Action, "desired_capacity", desired)
	return ActivityStatusValueSuccess
}

func (e *Engine) record(ctx context.Context, group ResourceGroup, dec *Decision, execStatus ActivityStatus, now time.Time, logger *slog.Logger) {
	blob, _ := json.Marshal(dec)

	activity := ScalingActivity{
		ResourceGroupID: group.ID,
		ActivityKey:     dec.ActivityKey,
		Action:          dec.Action,
		Status:          execStatus,
		EvalQPS:         dec.CurrentQPS,
		EvalCapacity:    dec.CurrentInstances,
		TargetQPS:       group.TargetQPSPerInstance,
		ResponseBlob:    blob,
	}

	inserted, err := e.state.RecordActivity(ctx, activity)
	if err != nil {
		e.recordSoftError(ctx, group.ID, "state_store", err.Error())
		if dec.Error == "" {
			dec.Error = err.Error()
		}
	} else if !inserted {
		dec.Reason = "duplicate_activity"
		if dec.ExecutionResult != nil {
			dec.ExecutionResult.Status = ActivityStatusValueSkipped
		}
		logger.Info("skipped duplicate scaling activity", "activity_key", dec.ActivityKey)
	}

	cooldownSeconds := 0
	if dec.Action == ActionScaleUp {
		cooldownSeconds = group.ScaleUpCooldownSeconds
	} else if dec.Action == ActionScaleDown {
		cooldownSeconds = group.ScaleDownCooldownSeconds
	}
	cooldownUntil := now.Add(time.Duration(cooldownSeconds) * time.Second)

	update := StateUpdate{
		LastEvaluatedAt: &now,
		CooldownUntil:   &cooldownUntil,
		LatestQPS:       &dec.CurrentQPS,
		LatestCapacity:  &dec.CurrentInstances,
	}
	if dec.Error == "" {
		zero := 0
		update.ConsecutiveErrors = &zero
	}

	if err := e.state.UpsertState(ctx, group.ID, update); err != nil {
		e.recordSoftError(ctx, group.ID, "state_store", err.Error())
	}

	if dec.Error != "" {
		e.armCircuitIfNeeded(ctx, group.ID, now)
	}
}

// finalizeNoAction persists last_evaluated_at (and clears consecutive_errors
// on a clean none-action) for a decision that ends without acting, including
// one blocked by the step 9 cooldown gate.
func (e *Engine) finalizeNoAction(ctx context.Context, group ResourceGroup, dec Decision, now time.Time) Decision {
	update := StateUpdate{LastEvaluatedAt: &now}
	if dec.Error == "" {
		zero := 0
		update.ConsecutiveErrors = &zero
	}
	if err := e.state.UpsertState(ctx, group.ID, update); err != nil {
		e.recordSoftError(ctx, group.ID, "state_store", err.Error())
	}
	return dec
}

// fail records the error, increments and possibly arms the circuit breaker,
// and returns a terminal Decision. now is still persisted via
// last_evaluated_at so a failing group doesn't look stale forever.
func (e *Engine) fail(ctx context.Context, group ResourceGroup, dec Decision, now time.Time, kind ErrorKind, err error, reason string) Decision {
	dec.Action = ActionNone
	dec.Reason = reason
	dec.Error = err.Error()

	e.recordSoftError(ctx, group.ID, string(kind), err.Error())
	e.armCircuitIfNeeded(ctx, group.ID, now)

	update := StateUpdate{LastEvaluatedAt: &now}
	if upsertErr := e.state.UpsertState(ctx, group.ID, update); upsertErr != nil {
		e.logger.Error("could not persist last_evaluated_at after error", "resource_group_id", group.ID, "error", upsertErr)
	}

	return dec
}

func (e *Engine) recordSoftError(ctx context.Context, groupID int64, source, message string) {
	if err := e.state.RecordError(ctx, &groupID, source, message, nil); err != nil {
		e.logger.Error("could not record error", "resource_group_id", groupID, "source", source, "error", err)
	}
}

// armCircuitIfNeeded increments consecutive_errors and opens the circuit for
// circuitCooldown once the count reaches circuitThreshold.
func (e *Engine) armCircuitIfNeeded(ctx context.Context, groupID int64, now time.Time) {
	count, err := e.state.IncrementConsecutiveErrors(ctx, groupID)
	if err != nil {
		e.logger.Error("could not increment consecutive_errors", "resource_group_id", groupID, "error", err)
		return
	}
	if count < e.circuitThreshold {
		return
	}

	openUntil := now.Add(e.circuitCooldown)
	if err := e.state.UpsertState(ctx, groupID, StateUpdate{CircuitOpenUntil: &openUntil}); err != nil {
		e.logger.Error("could not open circuit", "resource_group_id", groupID, "error", err)
		return
	}
	e.logger.Warn("circuit opened after repeated failures", "resource_group_id", groupID, "consecutive_errors", count, "open_until", openUntil)
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
