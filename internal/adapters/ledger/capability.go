package ledger

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/okian/mentorsync/internal/domain/failure"
)

const milestoneTuple = `[
	{"name":"startupId","type":"string"},
	{"name":"milestoneType","type":"string"},
	{"name":"value","type":"uint256"},
	{"name":"description","type":"string"},
	{"name":"mentorAddress","type":"address"},
	{"name":"proofHash","type":"string"},
	{"name":"timestamp","type":"uint256"},
	{"name":"verified","type":"bool"}
]`

// coreABI is the interface of the deployed milestone contract.
var coreABI = `
	{"type":"function","name":"submitMilestone","stateMutability":"nonpayable",
	 "inputs":[{"name":"_startupId","type":"string"},{"name":"_milestoneType","type":"string"},{"name":"_value","type":"uint256"},{"name":"_description","type":"string"},{"name":"_proofHash","type":"string"}],
	 "outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"verifyMilestone","stateMutability":"nonpayable",
	 "inputs":[{"name":"_startupId","type":"string"},{"name":"_milestoneIndex","type":"uint256"}],
	 "outputs":[]},
	{"type":"function","name":"getStartupMilestones","stateMutability":"view",
	 "inputs":[{"name":"_startupId","type":"string"}],
	 "outputs":[{"name":"","type":"tuple[]","components":` + milestoneTuple + `}]},
	{"type":"function","name":"addMentor","stateMutability":"nonpayable",
	 "inputs":[{"name":"_mentorAddress","type":"address"}],"outputs":[]},
	{"type":"function","name":"assignMentor","stateMutability":"nonpayable",
	 "inputs":[{"name":"_startupId","type":"string"},{"name":"_mentorAddress","type":"address"}],"outputs":[]},
	{"type":"event","name":"MilestoneSubmitted","anonymous":false,
	 "inputs":[{"name":"startupId","type":"string","indexed":true},{"name":"milestoneIndex","type":"uint256","indexed":false}]},
	{"type":"event","name":"MilestoneVerified","anonymous":false,
	 "inputs":[{"name":"startupId","type":"string","indexed":true},{"name":"milestoneIndex","type":"uint256","indexed":false},{"name":"mentor","type":"address","indexed":false}]},
	{"type":"event","name":"MentorAdded","anonymous":false,
	 "inputs":[{"name":"mentor","type":"address","indexed":false}]},
	{"type":"event","name":"MentorAssigned","anonymous":false,
	 "inputs":[{"name":"startupId","type":"string","indexed":true},{"name":"mentor","type":"address","indexed":false}]}`

// slotABI adds reads by numeric slot.
var slotABI = `
	{"type":"function","name":"getMilestoneBySlot","stateMutability":"view",
	 "inputs":[{"name":"_slot","type":"uint256"},{"name":"_index","type":"uint256"}],
	 "outputs":[{"name":"","type":"tuple","components":` + milestoneTuple + `}]},
	{"type":"function","name":"getMilestoneCount","stateMutability":"view",
	 "inputs":[{"name":"_slot","type":"uint256"}],
	 "outputs":[{"name":"","type":"uint256"}]}`

// Contract method and event names.
const (
	methodSubmit      = "submitMilestone"
	methodVerify      = "verifyMilestone"
	methodByID        = "getStartupMilestones"
	methodAddMentor   = "addMentor"
	methodAssign      = "assignMentor"
	methodBySlot      = "getMilestoneBySlot"
	methodSlotCount   = "getMilestoneCount"
	eventSubmitted    = "MilestoneSubmitted"
	eventVerified     = "MilestoneVerified"
	eventMentorAdded  = "MentorAdded"
	eventMentorAssign = "MentorAssigned"
)

// Capability is one known version of the contract interface.
type Capability struct {
	Version string
	Slots   bool
	ABI     abi.ABI
	methods []string
}

// Supports reports whether the capability exposes method.
func (c Capability) Supports(method string) bool {
	_, ok := c.ABI.Methods[method]
	return ok
}

type capabilityDef struct {
	version string
	slots   bool
	json    string
	methods []string
}

// Versions, oldest first.
var capabilityDefs = []capabilityDef{
	{
		version: "v1",
		json:    "[" + coreABI + "]",
		methods: []string{methodSubmit, methodVerify, methodByID, methodAddMentor, methodAssign},
	},
	{
		version: "v2",
		slots:   true,
		json:    "[" + coreABI + "," + slotABI + "]",
		methods: []string{methodSubmit, methodVerify, methodByID, methodAddMentor, methodAssign, methodBySlot, methodSlotCount},
	},
}

var (
	capOnce sync.Once
	caps    []Capability
	capErr  error
)

// Capabilities returns every known capability, oldest first.
func Capabilities() ([]Capability, error) {
	capOnce.Do(func() {
		for _, d := range capabilityDefs {
			parsed, err := abi.JSON(strings.NewReader(d.json))
			if err != nil {
				capErr = fmt.Errorf("parse %s abi: %w", d.version, err)
				return
			}
			caps = append(caps, Capability{Version: d.version, Slots: d.slots, ABI: parsed, methods: d.methods})
		}
	})
	return caps, capErr
}

// Lookup returns the capability with the given version.
func Lookup(version string) (Capability, error) {
	all, err := Capabilities()
	if err != nil {
		return Capability{}, failure.Wrap(failure.KindConfig, "ledger.capability", err)
	}
	for _, c := range all {
		if c.Version == version {
			return c, nil
		}
	}
	return Capability{}, failure.Wrap(failure.KindConfig, "ledger.capability",
		fmt.Errorf("%w: %q", ErrUnknownCapability, version))
}

// Latest returns the newest capability.
func Latest() Capability {
	all, err := Capabilities()
	if err != nil || len(all) == 0 {
		panic(fmt.Sprintf("ledger: no capabilities: %v", err))
	}
	return all[len(all)-1]
}

// ResolveCapability picks the interface version of a deployed contract from
// its runtime bytecode. A non-empty version is checked rather than detected.
// The newest version whose function selectors all appear in code wins.
func ResolveCapability(version string, code []byte) (Capability, error) {
	const op = "ledger.capability"
	if len(code) == 0 {
		return Capability{}, failure.Wrap(failure.KindConfig, op, ErrNoContractCode)
	}
	if version != "" && version != "auto" {
		c, err := Lookup(version)
		if err != nil {
			return Capability{}, err
		}
		if missing := c.missing(code); len(missing) > 0 {
			return Capability{}, failure.Wrap(failure.KindConfig, op,
				fmt.Errorf("%w: %s lacks %s", ErrCapabilityMismatch, version, strings.Join(missing, ", ")))
		}
		return c, nil
	}

	all, err := Capabilities()
	if err != nil {
		return Capability{}, failure.Wrap(failure.KindConfig, op, err)
	}
	for i := len(all) - 1; i >= 0; i-- {
		if len(all[i].missing(code)) == 0 {
			return all[i], nil
		}
	}
	return Capability{}, failure.Wrap(failure.KindConfig, op, ErrCapabilityMismatch)
}

// missing lists methods whose selector is not pushed anywhere in code.
// Solidity dispatchers compare the calldata selector against PUSH4 <id>.
func (c Capability) missing(code []byte) []string {
	var out []string
	for _, name := range c.methods {
		m, ok := c.ABI.Methods[name]
		if !ok {
			out = append(out, name)
			continue
		}
		if !bytes.Contains(code, append([]byte{push4}, m.ID...)) {
			out = append(out, name)
		}
	}
	return out
}

const push4 = 0x63
