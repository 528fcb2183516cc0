package internal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Catalog is the read-only collaborator that supplies the set of enabled
// resource groups at the start of a tick.
//
//go:generate mockery --inpackage --name Catalog --filename mock_catalog_test.go
type Catalog interface {
	ListEnabledGroups(ctx context.Context) ([]ResourceGroup, error)
}

// PostgresCatalog reads resource_groups from PostgreSQL, the way the
// original DBManager.get_enabled_resource_groups did, translated into the
// facade-interface style used throughout this package.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

func NewPostgresCatalog(pool *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

const listEnabledGroupsQuery = `
SELECT
	id, alb_id, asg_id, region, dry_run,
	target_qps, metric_period_seconds,
	enable_dynamic_scaling, scale_up_threshold, scale_down_threshold,
	max_scale_up_per_action, max_scale_down_per_action,
	scale_up_cooldown_seconds, scale_down_cooldown_seconds, general_cooldown_seconds
FROM resource_groups
WHERE enabled = TRUE
ORDER BY id
`

func (c *PostgresCatalog) ListEnabledGroups(ctx context.Context) ([]ResourceGroup, error) {
	rows, err := c.pool.Query(ctx, listEnabledGroupsQuery)
	if err != nil {
		return nil, fmt.Errorf("could not query enabled resource groups: %w", err)
	}
	defer rows.Close()

	groups, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ResourceGroup, error) {
		var g ResourceGroup
		err := row.Scan(
			&g.ID, &g.LBID, &g.ASGID, &g.Region, &g.DryRun,
			&g.TargetQPSPerInstance, &g.MetricPeriodSeconds,
			&g.EnableDynamicScaling, &g.ScaleUpThreshold, &g.ScaleDownThreshold,
			&g.MaxScaleUpPerAction, &g.MaxScaleDownPerAction,
			&g.ScaleUpCooldownSeconds, &g.ScaleDownCooldownSeconds, &g.GeneralCooldownSeconds,
		)
		g.Enabled = true
		return g, err
	})
	if err != nil {
		return nil, fmt.Errorf("could not scan enabled resource groups: %w", err)
	}

	return groups, nil
}
