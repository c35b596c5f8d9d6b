// Package failure defines the error taxonomy shared by the ledger client,
// the resolver, the projector and the HTTP layer.
//
// Every error crossing a component boundary is either a *Error carrying a
// Kind or wraps one. Callers branch with errors.Is against the sentinels
// below or with KindOf.
package failure

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and user-facing reporting.
type Kind int

const (
	KindUnknown Kind = iota
	KindTransient
	KindAlreadyApplied
	KindUnauthorized
	KindUnknownIdentifier
	KindResolverConflict
	KindDecode
	KindConfig
	KindInvalid
	KindNotFound
)

var kindNames = map[Kind]string{
	KindUnknown:           "unknown",
	KindTransient:         "transient",
	KindAlreadyApplied:    "already_applied",
	KindUnauthorized:      "unauthorized",
	KindUnknownIdentifier: "unknown_identifier",
	KindResolverConflict:  "resolver_conflict",
	KindDecode:            "decode",
	KindConfig:            "config",
	KindInvalid:           "invalid",
	KindNotFound:          "not_found",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

// Sentinels matched by errors.Is for each kind.
var (
	ErrTransient         = errors.New("transient ledger failure")
	ErrAlreadyApplied    = errors.New("already applied")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrUnknownIdentifier = errors.New("unknown identifier")
	ErrResolverConflict  = errors.New("resolver conflict")
	ErrDecode            = errors.New("decode failed")
	ErrConfig            = errors.New("configuration error")
	ErrInvalid           = errors.New("invalid request")
	ErrNotFound          = errors.New("not found")
)

var sentinels = map[Kind]error{
	KindTransient:         ErrTransient,
	KindAlreadyApplied:    ErrAlreadyApplied,
	KindUnauthorized:      ErrUnauthorized,
	KindUnknownIdentifier: ErrUnknownIdentifier,
	KindResolverConflict:  ErrResolverConflict,
	KindDecode:            ErrDecode,
	KindConfig:            ErrConfig,
	KindInvalid:           ErrInvalid,
	KindNotFound:          ErrNotFound,
}

// Error is a classified error raised by operation Op.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New builds a classified error from a message.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Err: errors.New(msg)}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the kind of the outermost classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var ce *ConflictError
	if errors.As(err, &ce) {
		return KindResolverConflict
	}
	for k, s := range sentinels {
		if errors.Is(err, s) {
			return k
		}
	}
	return KindUnknown
}

func IsTransient(err error) bool      { return KindOf(err) == KindTransient }
func IsAlreadyApplied(err error) bool { return KindOf(err) == KindAlreadyApplied }
func IsUnauthorized(err error) bool   { return KindOf(err) == KindUnauthorized }

// Absorbed reports whether err is handled where it is detected and must not
// propagate to the caller of the triggering operation.
func Absorbed(err error) bool {
	switch KindOf(err) {
	case KindAlreadyApplied, KindUnknownIdentifier, KindDecode, KindResolverConflict:
		return true
	default:
		return false
	}
}

// Category is the user-visible message category for a failed operation.
func Category(err error) string {
	switch KindOf(err) {
	case KindUnauthorized:
		return "authorization"
	case KindTransient:
		return "transient"
	case KindAlreadyApplied:
		return "already_done"
	case KindNotFound, KindUnknownIdentifier:
		return "not_found"
	case KindInvalid, KindDecode:
		return "invalid"
	case KindResolverConflict:
		return "conflict"
	case KindConfig:
		return "configuration"
	default:
		return "internal"
	}
}
