package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/okian/mentorsync/internal/domain/failure"
)

var (
	ErrNoContractCode     = errors.New("no contract code at address")
	ErrUnknownCapability  = errors.New("unknown contract capability")
	ErrCapabilityMismatch = errors.New("deployed contract matches no known capability")
	ErrSlotsUnsupported   = errors.New("contract does not support slot reads")
	ErrMissingSigner      = errors.New("no signing key configured")
	ErrInvalidAddress     = errors.New("invalid address")
	ErrTxFailed           = errors.New("transaction failed")
	ErrValueOverflow      = errors.New("value does not fit in uint64")
)

// Revert reasons that mean the write's effect is already in place.
var alreadyAppliedReasons = []string{
	"already a mentor",
	"already verified",
	"already assigned",
}

// Revert reasons that mean the sender lacks the required role.
var unauthorizedReasons = []string{
	"only owner",
	"ownable: caller is not the owner",
	"not a mentor",
	"not the assigned mentor",
	"not authorized",
	"unauthorized",
	"caller is not",
}

var notFoundReasons = []string{
	"invalid milestone index",
	"milestone does not exist",
	"index out of bounds",
	"startup not found",
}

// revert builds the error a contract call reports for a failed require.
func revert(reason string) error {
	return fmt.Errorf("execution reverted: %s", reason)
}

// classify maps an RPC or revert error onto the failure taxonomy. Errors
// that are already classified and context cancellation pass through.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.Wrap(failure.KindTransient, op, err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, alreadyAppliedReasons):
		return failure.Wrap(failure.KindAlreadyApplied, op, err)
	case containsAny(msg, unauthorizedReasons):
		return failure.Wrap(failure.KindUnauthorized, op, err)
	case containsAny(msg, notFoundReasons):
		return failure.Wrap(failure.KindNotFound, op, err)
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "execution reverted"):
		return failure.Wrap(failure.KindInvalid, op, err)
	}
	// Anything else failed between us and the node and is retried within
	// the caller's budget.
	return failure.Wrap(failure.KindTransient, op, err)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// outcome is the metric label of a finished ledger call.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return failure.Category(err)
}
