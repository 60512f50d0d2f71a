package lifecycle

import "time"

// Config carries the tunables the lifecycle controller needs: timeout
// bounds on submitted actions, the requeue-poll interval, the grace period
// added on top of an action's own timeout before the completion watchdog
// fires, and the page-size defaults for ListOperations.
type Config struct {
	// MaximumActionTimeout bounds a submitted action's own timeout; zero
	// means unbounded. DefaultActionTimeout is used when an action doesn't
	// name one at all; zero means no completion watchdog is installed for
	// such actions.
	MaximumActionTimeout time.Duration `mapstructure:"maximum_action_timeout"`
	DefaultActionTimeout time.Duration `mapstructure:"default_action_timeout"`

	OperationPollTimeout    time.Duration `mapstructure:"operation_poll_timeout"`
	OperationCompletedDelay time.Duration `mapstructure:"operation_completed_delay"`

	ListOperationsDefaultPageSize int32 `mapstructure:"list_operations_default_page_size"`
	ListOperationsMaxPageSize     int32 `mapstructure:"list_operations_max_page_size"`
}

// DefaultConfig mirrors the teacher's pattern of a sane zero-config default
// suitable for tests and local runs.
func DefaultConfig() Config {
	return Config{
		OperationPollTimeout:          10 * time.Second,
		OperationCompletedDelay:       10 * time.Second,
		ListOperationsDefaultPageSize: 1024,
		ListOperationsMaxPageSize:     16384,
	}
}
