package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/time/rate"

	"github.com/okian/mentorsync/internal/domain/failure"
	"github.com/okian/mentorsync/internal/domain/model"
	"github.com/okian/mentorsync/pkg/logger"
	"github.com/okian/mentorsync/pkg/metrics"
)

// EthereumConfig locates the deployed contract.
type EthereumConfig struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	// PrivateKey is the hex signing key. Without it the client is read-only.
	PrivateKey string
	// Capability is "", "auto" or an explicit version such as "v1".
	Capability string
}

// Ethereum is a Client for an EVM JSON-RPC endpoint.
type Ethereum struct {
	rpc      *ethclient.Client
	address  common.Address
	contract *bind.BoundContract
	capab    Capability
	chainID  *big.Int

	key  *ecdsa.PrivateKey
	from common.Address

	limiter *rate.Limiter
	signers *xsync.Map[common.Address, *signerState]

	readsPerSecond float64
	readBurst      int
	confirmations  uint64
	callTimeout    time.Duration
	pollInterval   time.Duration

	log logger.Logger
}

// signerState serializes sends from one address and tracks the next nonce
// so back-to-back sends do not race the node's pending pool.
type signerState struct {
	mu    sync.Mutex
	next  uint64
	known bool
}

// DialEthereum connects, checks the chain and resolves the contract
// capability. Any mismatch is a failure.KindConfig error.
func DialEthereum(ctx context.Context, cfg EthereumConfig, opts ...Option) (*Ethereum, error) {
	const op = "ledger.dial"
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, failure.New(failure.KindConfig, op, "rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, failure.Wrap(failure.KindConfig, op, fmt.Errorf("%w: contract %q", ErrInvalidAddress, cfg.ContractAddress))
	}

	e := &Ethereum{
		address:        common.HexToAddress(cfg.ContractAddress),
		signers:        xsync.NewMap[common.Address, *signerState](),
		readsPerSecond: defaultReadsPerSecond,
		readBurst:      1,
		confirmations:  defaultConfirmations,
		callTimeout:    defaultCallTimeout,
		pollInterval:   defaultPollInterval,
		log:            logger.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.readsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(e.readsPerSecond), e.readBurst)
	}

	if cfg.PrivateKey != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.PrivateKey), "0x"))
		if err != nil {
			return nil, failure.Wrap(failure.KindConfig, op, fmt.Errorf("parse private key: %w", err))
		}
		e.key = key
		e.from = crypto.PubkeyToAddress(key.PublicKey)
	}

	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, failure.Wrap(failure.KindTransient, op, fmt.Errorf("dial %s: %w", cfg.RPCURL, err))
	}
	e.rpc = rpc

	chainID, err := rpc.ChainID(ctx)
	if err != nil {
		rpc.Close()
		return nil, classify(op, fmt.Errorf("chain id: %w", err))
	}
	if cfg.ChainID != 0 && chainID.Int64() != cfg.ChainID {
		rpc.Close()
		return nil, failure.New(failure.KindConfig, op,
			fmt.Sprintf("endpoint serves chain %s, configured %d", chainID, cfg.ChainID))
	}
	e.chainID = chainID

	code, err := rpc.CodeAt(ctx, e.address, nil)
	if err != nil {
		rpc.Close()
		return nil, classify(op, fmt.Errorf("contract code: %w", err))
	}
	capab, err := ResolveCapability(cfg.Capability, code)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	e.capab = capab
	e.contract = bind.NewBoundContract(e.address, capab.ABI, rpc, rpc, rpc)

	e.log.Info(ctx, "ledger connected",
		logger.String("contract", e.address.Hex()),
		logger.String("chain_id", chainID.String()),
		logger.String("capability", capab.Version),
		logger.String("signer", e.Signer()),
	)
	return e, nil
}

// Close releases the RPC connection.
func (e *Ethereum) Close() { e.rpc.Close() }

// Capability returns the resolved interface version.
func (e *Ethereum) Capability() Capability { return e.capab }

// Signer returns the sending address, or "" for a read-only client.
func (e *Ethereum) Signer() string {
	if e.key == nil {
		return ""
	}
	return model.NormalizeAddress(e.from.Hex())
}

// Head returns the latest block number.
func (e *Ethereum) Head(ctx context.Context) (uint64, error) {
	start := time.Now()
	head, err := e.rpc.BlockNumber(ctx)
	err = classify("ledger.head", err)
	observe("head", start, err)
	return head, err
}

// MilestonesByID calls getStartupMilestones.
func (e *Ethereum) MilestonesByID(ctx context.Context, startupID string, at uint64) ([]model.MilestoneRecord, error) {
	out, err := e.read(ctx, methodByID, at, startupID)
	if err != nil {
		return nil, err
	}
	return decodeTuples(out)
}

// MilestoneCount calls getMilestoneCount.
func (e *Ethereum) MilestoneCount(ctx context.Context, slot, at uint64) (uint64, error) {
	if !e.capab.Slots {
		return 0, failure.Wrap(failure.KindUnknownIdentifier, "ledger."+methodSlotCount, ErrSlotsUnsupported)
	}
	out, err := e.read(ctx, methodSlotCount, at, new(big.Int).SetUint64(slot))
	if err != nil {
		return 0, err
	}
	return decodeUint(out)
}

// MilestoneBySlot calls getMilestoneBySlot.
func (e *Ethereum) MilestoneBySlot(ctx context.Context, slot, index, at uint64) (model.MilestoneRecord, error) {
	if !e.capab.Slots {
		return model.MilestoneRecord{}, failure.Wrap(failure.KindUnknownIdentifier, "ledger."+methodBySlot, ErrSlotsUnsupported)
	}
	out, err := e.read(ctx, methodBySlot, at, new(big.Int).SetUint64(slot), new(big.Int).SetUint64(index))
	if err != nil {
		return model.MilestoneRecord{}, err
	}
	return decodeTuple(out)
}

func (e *Ethereum) read(ctx context.Context, method string, at uint64, params ...any) ([]any, error) {
	start := time.Now()
	out, err := e.call(ctx, method, at, params...)
	err = classify("ledger."+method, err)
	observe(method, start, err)
	return out, err
}

func (e *Ethereum) call(ctx context.Context, method string, at uint64, params ...any) ([]any, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	cctx, cancel := context.WithTimeout(ctx, e.callTimeout)
	defer cancel()
	opts := &bind.CallOpts{Context: cctx}
	if at > 0 {
		opts.BlockNumber = new(big.Int).SetUint64(at)
	}
	var out []any
	if err := e.contract.Call(opts, &out, method, params...); err != nil {
		return nil, err
	}
	return out, nil
}

// Events reads the followed events mined in [from, to]. A zero to means the
// head. Removed logs are dropped and malformed ones skipped.
func (e *Ethereum) Events(ctx context.Context, from, to uint64) (Batch, error) {
	start := time.Now()
	batch, err := e.events(ctx, from, to)
	err = classify("ledger.events", err)
	observe("events", start, err)
	return batch, err
}

func (e *Ethereum) events(ctx context.Context, from, to uint64) (Batch, error) {
	if to == 0 {
		head, err := e.rpc.BlockNumber(ctx)
		if err != nil {
			return Batch{}, err
		}
		to = head
	}
	batch := Batch{From: from, To: to}
	if from > to {
		return batch, nil
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return Batch{}, err
		}
	}
	logs, err := e.rpc.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{e.address},
		Topics:    [][]common.Hash{e.capab.EventIDs()},
	})
	if err != nil {
		return Batch{}, err
	}
	for _, l := range logs {
		if l.Removed {
			continue
		}
		ev, err := e.capab.DecodeLog(l)
		if err != nil {
			metrics.RecordDecodeError()
			e.log.Warn(ctx, "skipping undecodable log",
				logger.String("tx", l.TxHash.Hex()),
				logger.Uint64("block", l.BlockNumber),
				logger.Error(err),
			)
			batch.DecodeErrors = append(batch.DecodeErrors, err)
			continue
		}
		batch.Events = append(batch.Events, ev)
	}
	return batch, nil
}

// SubmitMilestone sends submitMilestone.
func (e *Ethereum) SubmitMilestone(ctx context.Context, req SubmitRequest) (Pending, error) {
	return e.transact(ctx, methodSubmit, req.StartupID,
		req.StartupID, req.Type, new(big.Int).SetUint64(req.Value), req.Description, req.ProofRef)
}

// VerifyMilestone sends verifyMilestone.
func (e *Ethereum) VerifyMilestone(ctx context.Context, startupID string, index uint64) (Pending, error) {
	return e.transact(ctx, methodVerify, startupID, startupID, new(big.Int).SetUint64(index))
}

// AddMentor sends addMentor.
func (e *Ethereum) AddMentor(ctx context.Context, address string) (Pending, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	return e.transact(ctx, methodAddMentor, "", common.HexToAddress(addr))
}

// AssignMentor sends assignMentor.
func (e *Ethereum) AssignMentor(ctx context.Context, startupID, address string) (Pending, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	return e.transact(ctx, methodAssign, startupID, startupID, common.HexToAddress(addr))
}

func (e *Ethereum) transact(ctx context.Context, method, startupID string, params ...any) (Pending, error) {
	start := time.Now()
	p, err := e.send(ctx, method, startupID, params...)
	err = classify("ledger."+method, err)
	observe(method, start, err)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// send signs and broadcasts one transaction. Sends from the same address
// are serialized so nonces are assigned in order.
func (e *Ethereum) send(ctx context.Context, method, startupID string, params ...any) (*ethPending, error) {
	if e.key == nil {
		return nil, failure.Wrap(failure.KindConfig, "ledger."+method, ErrMissingSigner)
	}
	st, _ := e.signers.LoadOrStore(e.from, &signerState{})
	st.mu.Lock()
	defer st.mu.Unlock()

	nonce, err := e.rpc.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	if st.known && st.next > nonce {
		nonce = st.next
	}

	opts, err := bind.NewKeyedTransactorWithChainID(e.key, e.chainID)
	if err != nil {
		return nil, failure.Wrap(failure.KindConfig, "ledger."+method, err)
	}
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)

	tx, err := e.contract.Transact(opts, method, params...)
	if err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "nonce") {
			st.known = false
		}
		return nil, err
	}
	st.next, st.known = nonce+1, true

	e.log.Info(ctx, "transaction sent",
		logger.String("method", method),
		logger.String("tx", tx.Hash().Hex()),
		logger.Uint64("nonce", nonce),
	)
	return &ethPending{e: e, tx: tx, method: method, startupID: startupID}, nil
}

type ethPending struct {
	e         *Ethereum
	tx        *types.Transaction
	method    string
	startupID string
}

func (p *ethPending) TxHash() string { return p.tx.Hash().Hex() }

// Wait blocks until the transaction is mined and buried under the
// configured confirmation depth.
func (p *ethPending) Wait(ctx context.Context) (Receipt, error) {
	start := time.Now()
	r, err := p.wait(ctx)
	err = classify("ledger."+p.method, err)
	observe(p.method+"_wait", start, err)
	return r, err
}

func (p *ethPending) wait(ctx context.Context) (Receipt, error) {
	rcpt, err := bind.WaitMined(ctx, p.e.rpc, p.tx)
	if err != nil {
		return Receipt{}, err
	}
	if rcpt.Status == types.ReceiptStatusFailed {
		return Receipt{}, p.e.revertReason(ctx, p.tx, rcpt)
	}
	block := rcpt.BlockNumber.Uint64()
	if err := p.e.awaitDepth(ctx, block); err != nil {
		return Receipt{}, err
	}

	out := Receipt{TxHash: rcpt.TxHash.Hex(), Sequence: block}
	topic := ""
	if p.startupID != "" {
		topic = TopicOf(p.startupID)
	}
	for _, l := range rcpt.Logs {
		if l.Address != p.e.address {
			continue
		}
		ev, err := p.e.capab.DecodeLog(*l)
		if err != nil {
			metrics.RecordDecodeError()
			p.e.log.Warn(ctx, "skipping undecodable receipt log", logger.String("tx", out.TxHash), logger.Error(err))
			continue
		}
		if topic != "" && ev.Topic == topic {
			ev.StartupID = p.startupID
		}
		out.Events = append(out.Events, ev)
	}
	return out, nil
}

// revertReason replays a failed transaction at its block to recover the
// require message.
func (e *Ethereum) revertReason(ctx context.Context, tx *types.Transaction, rcpt *types.Receipt) error {
	to := e.address
	_, err := e.rpc.CallContract(ctx, ethereum.CallMsg{
		From:  e.from,
		To:    &to,
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}, rcpt.BlockNumber)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrTxFailed, tx.Hash().Hex(), err)
	}
	return fmt.Errorf("%w: %s: %w", ErrTxFailed, tx.Hash().Hex(), revert("no reason"))
}

func (e *Ethereum) awaitDepth(ctx context.Context, block uint64) error {
	if e.confirmations <= 1 {
		return nil
	}
	target := block + e.confirmations - 1
	ticker := time.NewTicker(e.pollInterval)
	defer ticker.Stop()
	for {
		head, err := e.rpc.BlockNumber(ctx)
		if err == nil && head >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
