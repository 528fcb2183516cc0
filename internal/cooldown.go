package internal

import "time"

// validCooldownStatuses are the activity states the cross-check considers
// "recent enough to still be blocking".
var validCooldownStatuses = map[ActivityStatusCode]struct{}{
	ActivityStatusSuccess:        {},
	ActivityStatusPartialSuccess: {},
	ActivityStatusRunning:        {},
	ActivityStatusInit:           {},
}

// cooldownCheck is the outcome of the authoritative ASG-activity-log
// cross-check.
type cooldownCheck struct {
	Blocked         bool
	Kind            string // "general", "scale_up", "scale_down"
	RemainingSeconds int
}

// checkCooldown cross-checks the intended action against the ASG's own
// recent activity log: a general cooldown blocks any direction, an
// action-specific cooldown blocks only the same direction.
func checkCooldown(activities []RecentActivity, action Action, group ResourceGroup, now time.Time) cooldownCheck {
	if remaining := latestActivityRemaining(activities, nil, group.GeneralCooldownSeconds, now); remaining > 0 {
		return cooldownCheck{Blocked: true, Kind: "general", RemainingSeconds: remaining}
	}

	var (
		specificCooldown int
		specificType     ScalingActivityType
		kind             string
	)
	switch action {
	case ActionScaleUp:
		specificCooldown = group.ScaleUpCooldownSeconds
		specificType = ActivityTypeScaleOut
		kind = "scale_up"
	case ActionScaleDown:
		specificCooldown = group.ScaleDownCooldownSeconds
		specificType = ActivityTypeScaleIn
		kind = "scale_down"
	default:
		return cooldownCheck{}
	}

	if specificCooldown <= 0 {
		return cooldownCheck{}
	}

	if remaining := latestActivityRemaining(activities, &specificType, specificCooldown, now); remaining > 0 {
		return cooldownCheck{Blocked: true, Kind: kind, RemainingSeconds: remaining}
	}

	return cooldownCheck{}
}

func latestActivityRemaining(activities []RecentActivity, activityType *ScalingActivityType, cooldownSeconds int, now time.Time) int {
	if cooldownSeconds <= 0 {
		return 0
	}

	var latest *time.Time
	for _, a := range activities {
		if _, ok := validCooldownStatuses[a.StatusCode]; !ok {
			continue
		}
		if activityType != nil && a.ActivityType != *activityType {
			continue
		}
		created := a.CreatedAt
		if latest == nil || created.After(*latest) {
			latest = &created
		}
	}

	if latest == nil {
		return 0
	}

	elapsed := now.Sub(*latest)
	remaining := time.Duration(cooldownSeconds)*time.Second - elapsed
	if remaining <= 0 {
		return 0
	}
	return int(remaining.Seconds())
}

// circuitStatus reports whether a group's circuit is currently open or the
// group is operator-suspended.
func circuitStatus(state GroupRuntimeState, now time.Time) (blocked bool, reason string) {
	if state.Suspended {
		return true, "suspended"
	}
	if state.CircuitOpenUntil != nil && state.CircuitOpenUntil.After(now) {
		return true, "circuit_open"
	}
	return false, ""
}
