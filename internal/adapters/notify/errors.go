package notify

import "errors"

// ErrAddrRequired is returned by NewRedis for an empty address.
var ErrAddrRequired = errors.New("redis address is required")
