package identity

import "errors"

// Sentinel kinds for registry errors.
var (
	ErrAliasShared   = errors.New("alias already bound to another startup")
	ErrLoadRegistry  = errors.New("load registry failed")
	ErrInvalidRecord = errors.New("invalid registry record")
)
