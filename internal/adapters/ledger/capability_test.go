package ledger_test

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/okian/mentorsync/internal/adapters/ledger"
	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

// bytecode fakes a dispatcher pushing the selectors of methods.
func bytecode(c ledger.Capability, methods ...string) []byte {
	code := []byte{0x60, 0x80, 0x60, 0x40, 0x52}
	for _, name := range methods {
		code = append(code, 0x80, 0x63)
		code = append(code, c.ABI.Methods[name].ID...)
		code = append(code, 0x14)
	}
	return code
}

var v1Methods = []string{"submitMilestone", "verifyMilestone", "getStartupMilestones", "addMentor", "assignMentor"}

func TestResolveCapability(t *testing.T) {
	Convey("Given the known capabilities", t, func() {
		all, err := ledger.Capabilities()
		So(err, ShouldBeNil)
		So(all, ShouldHaveLength, 2)
		v2 := ledger.Latest()
		So(v2.Version, ShouldEqual, "v2")
		So(v2.Supports("getMilestoneBySlot"), ShouldBeTrue)

		v1Code := bytecode(v2, v1Methods...)
		v2Code := bytecode(v2, append(v1Methods, "getMilestoneBySlot", "getMilestoneCount")...)

		Convey("Detection picks the newest matching version", func() {
			c, err := ledger.ResolveCapability("auto", v1Code)
			So(err, ShouldBeNil)
			So(c.Version, ShouldEqual, "v1")
			So(c.Slots, ShouldBeFalse)

			c, err = ledger.ResolveCapability("", v2Code)
			So(err, ShouldBeNil)
			So(c.Version, ShouldEqual, "v2")
			So(c.Slots, ShouldBeTrue)
		})

		Convey("An explicit version is checked against the code", func() {
			c, err := ledger.ResolveCapability("v1", v2Code)
			So(err, ShouldBeNil)
			So(c.Version, ShouldEqual, "v1")

			_, err = ledger.ResolveCapability("v2", v1Code)
			So(errors.Is(err, ledger.ErrCapabilityMismatch), ShouldBeTrue)
			So(failure.KindOf(err), ShouldEqual, failure.KindConfig)
		})

		Convey("A contract matching nothing fails fast", func() {
			_, err := ledger.ResolveCapability("", bytecode(v2, "addMentor"))
			So(errors.Is(err, ledger.ErrCapabilityMismatch), ShouldBeTrue)

			_, err = ledger.ResolveCapability("", nil)
			So(errors.Is(err, ledger.ErrNoContractCode), ShouldBeTrue)

			_, err = ledger.ResolveCapability("v9", v2Code)
			So(errors.Is(err, ledger.ErrUnknownCapability), ShouldBeTrue)
		})
	})
}

func TestDecodeLog(t *testing.T) {
	c := ledger.Latest()
	tx := common.HexToHash("0xabc")

	Convey("Given a MilestoneVerified log", t, func() {
		ev := c.ABI.Events["MilestoneVerified"]
		data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(3), common.HexToAddress(mentor))
		So(err, ShouldBeNil)
		l := types.Log{
			Topics:      []common.Hash{ev.ID, crypto.Keccak256Hash([]byte("s1"))},
			Data:        data,
			BlockNumber: 42,
			TxHash:      tx,
			Index:       2,
		}

		e, err := c.DecodeLog(l)

		Convey("Then every field is decoded", func() {
			So(err, ShouldBeNil)
			So(e.Kind, ShouldEqual, model.ObservedVerified)
			So(e.Index, ShouldEqual, 3)
			So(e.Mentor, ShouldEqual, mentor)
			So(e.Topic, ShouldEqual, ledger.TopicOf("s1"))
			So(e.Sequence, ShouldEqual, 42)
			So(e.Key, ShouldEqual, tx.Hex()+":2")
			So(e.StartupID, ShouldBeEmpty)
		})

		Convey("Then a truncated payload is a decode error", func() {
			l.Data = l.Data[:10]
			_, err := c.DecodeLog(l)
			So(errors.Is(err, failure.ErrDecode), ShouldBeTrue)
			So(failure.Absorbed(err), ShouldBeTrue)
		})

		Convey("Then a missing startup topic is a decode error", func() {
			l.Topics = l.Topics[:1]
			_, err := c.DecodeLog(l)
			So(failure.KindOf(err), ShouldEqual, failure.KindDecode)
		})
	})

	Convey("Given a MentorAdded log", t, func() {
		ev := c.ABI.Events["MentorAdded"]
		data, err := ev.Inputs.NonIndexed().Pack(common.HexToAddress(mentor))
		So(err, ShouldBeNil)

		e, err := c.DecodeLog(types.Log{Topics: []common.Hash{ev.ID}, Data: data, BlockNumber: 7, TxHash: tx})
		So(err, ShouldBeNil)
		So(e.Kind, ShouldEqual, model.ObservedMentorAdded)
		So(e.Mentor, ShouldEqual, mentor)
		So(e.Topic, ShouldBeEmpty)
	})

	Convey("Given a log of an unrelated event", t, func() {
		_, err := c.DecodeLog(types.Log{Topics: []common.Hash{crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))}})
		So(failure.KindOf(err), ShouldEqual, failure.KindDecode)
	})

	Convey("Event ids cover the four followed events", t, func() {
		So(c.EventIDs(), ShouldHaveLength, 4)
	})
}
