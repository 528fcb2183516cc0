package internal

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// RuntimeConfig holds the process-wide configuration for a controller
// invocation. Per-group tuning (target QPS, cooldowns, thresholds) lives in
// the catalog, not here — this is only what the process needs before it can
// even reach the catalog.
type RuntimeConfig struct {
	CatalogDSN string `env:"CATALOG_DSN,notEmpty"`
	AWSRegion  string `env:"AWS_REGION,notEmpty"`

	// WorkerPoolSize bounds the fan-out parallelism for per-group evaluation
	// within a tick.
	WorkerPoolSize int `env:"WORKER_POOL_SIZE" envDefault:"5"`

	// TickDeadline is the overall wall-clock budget for one run_tick call,
	// after which in-flight evaluations are cancelled; a group that had not
	// acted by then is recorded with reason=timeout and its Error set.
	TickDeadline time.Duration `env:"TICK_DEADLINE" envDefault:"4m"`

	// FacadeCallTimeout bounds one group's whole evaluation within a tick:
	// all of its metrics, ASG and state store calls share this one budget.
	// Individual calls have no timeout of their own, and the tick's batched
	// metrics call is bounded only by TickDeadline.
	FacadeCallTimeout time.Duration `env:"FACADE_CALL_TIMEOUT" envDefault:"30s"`

	// CircuitBreakerThreshold is the number of consecutive errors before a
	// group's circuit opens.
	CircuitBreakerThreshold int `env:"CIRCUIT_BREAKER_THRESHOLD" envDefault:"5"`

	// CircuitBreakerCooldown is how long the circuit stays open.
	CircuitBreakerCooldown time.Duration `env:"CIRCUIT_BREAKER_COOLDOWN" envDefault:"15m"`

	// AlertWebhookURL is read from the environment; no component in this
	// repository posts alerts to it.
	AlertWebhookURL string `env:"ALERT_WEBHOOK_URL"`
}

// Parse parses environment variables into the config.
func (r *RuntimeConfig) Parse() error {
	if err := env.Parse(r); err != nil {
		return fmt.Errorf("could not parse environment variables: %w", err)
	}
	return r.Validate()
}

// Validate checks invariants that env-tag parsing alone can't express.
func (r *RuntimeConfig) Validate() error {
	if r.WorkerPoolSize <= 0 {
		return fmt.Errorf("WORKER_POOL_SIZE must be > 0, got %d", r.WorkerPoolSize)
	}
	if r.TickDeadline <= 0 {
		return fmt.Errorf("TICK_DEADLINE must be > 0, got %s", r.TickDeadline)
	}
	if r.CircuitBreakerThreshold <= 0 {
		return fmt.Errorf("CIRCUIT_BREAKER_THRESHOLD must be > 0, got %d", r.CircuitBreakerThreshold)
	}
	return nil
}
