package scheduler

import "errors"

// ErrStopped is returned to waiters once the scheduler stopped.
var ErrStopped = errors.New("scheduler stopped")
