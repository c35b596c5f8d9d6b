package feed

import "errors"

// ErrQueueRejected is returned when the queue refuses an observation.
var ErrQueueRejected = errors.New("observation queue rejected event")
