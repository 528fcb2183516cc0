package internal

// ErrorKind enumerates the failure taxonomy. These are not Go error types to
// wrap/unwrap — they're the classification recorded alongside an
// ErrorRecord and surfaced in a Decision's reason.
type ErrorKind string

const (
	ErrKindConfiguration     ErrorKind = "configuration_error"
	ErrKindCatalog           ErrorKind = "catalog_error"
	ErrKindMetricsUnavailable ErrorKind = "metrics_unavailable"
	ErrKindASGRead           ErrorKind = "asg_read_error"
	ErrKindASGWrite          ErrorKind = "asg_write_error"
	ErrKindStateStore        ErrorKind = "state_store_error"
	ErrKindDeadlineExceeded  ErrorKind = "deadline_exceeded"
	ErrKindDuplicateActivity ErrorKind = "duplicate_activity"
)
