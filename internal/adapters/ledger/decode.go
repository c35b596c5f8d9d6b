package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
)

// tuple mirrors the contract's Milestone struct. Field names follow the
// abi package's camel-casing of the component names.
type tuple struct {
	StartupId     string //nolint:revive // must match the abi component name
	MilestoneType string
	Value         *big.Int
	Description   string
	MentorAddress common.Address
	ProofHash     string
	Timestamp     *big.Int
	Verified      bool
}

func (t tuple) record() (model.MilestoneRecord, error) {
	value, err := toUint64("value", t.Value)
	if err != nil {
		return model.MilestoneRecord{}, err
	}
	ts, err := toUint64("timestamp", t.Timestamp)
	if err != nil {
		return model.MilestoneRecord{}, err
	}
	return model.MilestoneRecord{
		StartupID:     t.StartupId,
		MilestoneType: t.MilestoneType,
		Value:         value,
		Description:   t.Description,
		MentorAddress: model.NormalizeAddress(t.MentorAddress.Hex()),
		ProofHash:     t.ProofHash,
		Timestamp:     ts,
		Verified:      t.Verified,
	}, nil
}

func toUint64(field string, v *big.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}
	if !v.IsUint64() {
		return 0, failure.Wrap(failure.KindDecode, "ledger.decode", fmt.Errorf("%s %s: %w", field, v, ErrValueOverflow))
	}
	return v.Uint64(), nil
}

// decodeTuples converts an unpacked tuple[] output.
func decodeTuples(out []any) (recs []model.MilestoneRecord, err error) {
	if len(out) != 1 {
		return nil, failure.New(failure.KindDecode, "ledger.decode", fmt.Sprintf("expected 1 output, got %d", len(out)))
	}
	defer func() {
		if r := recover(); r != nil {
			err = failure.New(failure.KindDecode, "ledger.decode", fmt.Sprintf("milestone tuple: %v", r))
		}
	}()
	tuples := *abi.ConvertType(out[0], new([]tuple)).(*[]tuple)
	recs = make([]model.MilestoneRecord, 0, len(tuples))
	for _, t := range tuples {
		rec, err := t.record()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// decodeTuple converts a single unpacked tuple output.
func decodeTuple(out []any) (rec model.MilestoneRecord, err error) {
	if len(out) != 1 {
		return model.MilestoneRecord{}, failure.New(failure.KindDecode, "ledger.decode", fmt.Sprintf("expected 1 output, got %d", len(out)))
	}
	defer func() {
		if r := recover(); r != nil {
			err = failure.New(failure.KindDecode, "ledger.decode", fmt.Sprintf("milestone tuple: %v", r))
		}
	}()
	t := *abi.ConvertType(out[0], new(tuple)).(*tuple)
	return t.record()
}

func decodeUint(out []any) (uint64, error) {
	if len(out) != 1 {
		return 0, failure.New(failure.KindDecode, "ledger.decode", fmt.Sprintf("expected 1 output, got %d", len(out)))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return 0, failure.New(failure.KindDecode, "ledger.decode", fmt.Sprintf("expected uint256, got %T", out[0]))
	}
	return toUint64("count", v)
}

// DecodeLog turns a contract log into an Event. Malformed logs yield a
// failure.KindDecode error.
func (c Capability) DecodeLog(l types.Log) (Event, error) {
	const op = "ledger.decode_log"
	if len(l.Topics) == 0 {
		return Event{}, failure.New(failure.KindDecode, op, "log without topics")
	}
	ev, err := c.ABI.EventByID(l.Topics[0])
	if err != nil {
		return Event{}, failure.Wrap(failure.KindDecode, op, err)
	}
	values := make(map[string]any)
	if err := c.ABI.UnpackIntoMap(values, ev.Name, l.Data); err != nil {
		return Event{}, failure.Wrap(failure.KindDecode, op, fmt.Errorf("%s: %w", ev.Name, err))
	}

	e := Event{
		Sequence: l.BlockNumber,
		Key:      fmt.Sprintf("%s:%d", l.TxHash.Hex(), l.Index),
	}
	switch ev.Name {
	case eventSubmitted, eventVerified, eventMentorAssign:
		if len(l.Topics) < 2 {
			return Event{}, failure.New(failure.KindDecode, op, ev.Name+" without startup topic")
		}
		e.Topic = l.Topics[1].Hex()
	}

	switch ev.Name {
	case eventSubmitted:
		e.Kind = model.ObservedSubmitted
		e.Index, err = bigField(values, "milestoneIndex")
	case eventVerified:
		e.Kind = model.ObservedVerified
		e.Index, err = bigField(values, "milestoneIndex")
		if err == nil {
			e.Mentor, err = addressField(values, "mentor")
		}
	case eventMentorAdded:
		e.Kind = model.ObservedMentorAdded
		e.Mentor, err = addressField(values, "mentor")
	case eventMentorAssign:
		e.Kind = model.ObservedAssigned
		e.Mentor, err = addressField(values, "mentor")
	default:
		return Event{}, failure.New(failure.KindDecode, op, "unexpected event "+ev.Name)
	}
	if err != nil {
		return Event{}, failure.Wrap(failure.KindDecode, op, fmt.Errorf("%s: %w", ev.Name, err))
	}
	return e, nil
}

func bigField(values map[string]any, name string) (uint64, error) {
	v, ok := values[name].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("field %s is %T", name, values[name])
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("field %s %s: %w", name, v, ErrValueOverflow)
	}
	return v.Uint64(), nil
}

func addressField(values map[string]any, name string) (string, error) {
	v, ok := values[name].(common.Address)
	if !ok {
		return "", fmt.Errorf("field %s is %T", name, values[name])
	}
	return model.NormalizeAddress(v.Hex()), nil
}

// EventIDs returns the topic0 of every event the engine follows.
func (c Capability) EventIDs() []common.Hash {
	names := []string{eventSubmitted, eventVerified, eventMentorAdded, eventMentorAssign}
	out := make([]common.Hash, 0, len(names))
	for _, n := range names {
		if ev, ok := c.ABI.Events[n]; ok {
			out = append(out, ev.ID)
		}
	}
	return out
}
