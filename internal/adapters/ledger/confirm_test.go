package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/pkg/retry"
	. "github.com/smartystreets/goconvey/convey"
)

type flakyPending struct {
	fails int
	waits int
}

func (p *flakyPending) TxHash() string { return "0xfeed" }

func (p *flakyPending) Wait(context.Context) (ledger.Receipt, error) {
	p.waits++
	if p.waits <= p.fails {
		return ledger.Receipt{}, failure.Wrap(failure.KindTransient, "wait", errors.New("connection reset by peer"))
	}
	return ledger.Receipt{TxHash: "0xfeed", Sequence: 7}, nil
}

func confirmRetry() retry.Config {
	return retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 2}
}

func TestConfirmOnce(t *testing.T) {
	Convey("Given a write that must not be repeated", t, func() {
		ctx := context.Background()
		sends := 0

		Convey("When the send fails transiently", func() {
			_, err := ledger.ConfirmOnce(ctx, confirmRetry(), nil, "ledger.submit_milestone", func(context.Context) (ledger.Pending, error) {
				sends++
				return nil, failure.Wrap(failure.KindTransient, "send", errors.New("connection reset by peer"))
			})

			Convey("Then it is sent once and the failure is reported", func() {
				So(sends, ShouldEqual, 1)
				So(failure.IsTransient(err), ShouldBeTrue)
			})
		})

		Convey("When only the wait fails transiently", func() {
			p := &flakyPending{fails: 2}
			rcpt, err := ledger.ConfirmOnce(ctx, confirmRetry(), nil, "ledger.submit_milestone", func(context.Context) (ledger.Pending, error) {
				sends++
				return p, nil
			})

			Convey("Then the wait is retried without a second send", func() {
				So(err, ShouldBeNil)
				So(sends, ShouldEqual, 1)
				So(p.waits, ShouldEqual, 3)
				So(rcpt.Sequence, ShouldEqual, 7)
			})
		})
	})
}

func TestConfirmResends(t *testing.T) {
	Convey("Given an idempotent write whose send fails once", t, func() {
		sends := 0
		rcpt, err := ledger.Confirm(context.Background(), confirmRetry(), nil, "ledger.add_mentor", func(context.Context) (ledger.Pending, error) {
			sends++
			if sends == 1 {
				return nil, failure.Wrap(failure.KindTransient, "send", errors.New("connection reset by peer"))
			}
			return &flakyPending{}, nil
		})

		Convey("Then the send is repeated", func() {
			So(err, ShouldBeNil)
			So(sends, ShouldEqual, 2)
			So(rcpt.TxHash, ShouldEqual, "0xfeed")
		})
	})
}
