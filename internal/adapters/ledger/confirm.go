package ledger

import (
	"context"

	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/retry"
)

// Confirm sends an idempotent write and waits for its finality, retrying the
// pair on transient failures. Use it for verifyMilestone, addMentor and
// assignMentor: a repeated send of any of them reverts as already applied.
func Confirm(ctx context.Context, cfg retry.Config, log logger.Logger, op string,
	send func(context.Context) (Pending, error),
) (Receipt, error) {
	return retry.Do(ctx, cfg, log, op, func(ctx context.Context) (Receipt, error) {
		p, err := send(ctx)
		if err != nil {
			return Receipt{}, err
		}
		accepted(ctx, log, op, p)
		return p.Wait(ctx)
	})
}

// ConfirmOnce sends a write that must not be repeated and retries only the
// wait for its finality. submitMilestone appends on every send, so a send
// that fails after the node accepted it is reported, never re-sent.
func ConfirmOnce(ctx context.Context, cfg retry.Config, log logger.Logger, op string,
	send func(context.Context) (Pending, error),
) (Receipt, error) {
	p, err := send(ctx)
	if err != nil {
		return Receipt{}, err
	}
	accepted(ctx, log, op, p)
	return retry.Do(ctx, cfg, log, op+".wait", p.Wait)
}

func accepted(ctx context.Context, log logger.Logger, op string, p Pending) {
	if log != nil {
		log.Debug(ctx, "transaction accepted", logger.String("operation", op), logger.String("tx", p.TxHash()))
	}
}
