package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"proofpay/native/escrow"
)

// EVMClient defines the subset of the Ethereum RPC used by the adapter.
type EVMClient interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	BlockNumber(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]gethtypes.Log, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// EVMConfig configures the EVM adapter.
type EVMConfig struct {
	Contract       common.Address
	Token          common.Address
	ChainID        *big.Int
	Owner          Signer
	Confirmations  uint64
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
	LookbackBlocks uint64
	// MaxIDsPerQuery bounds the topic filter size of a single FilterLogs call.
	MaxIDsPerQuery int
	Logger         *slog.Logger
	Now            func() time.Time
}

// EVMAdapter talks to the deployed escrow contract.
type EVMAdapter struct {
	client  EVMClient
	cfg     EVMConfig
	decoder *Decoder
	logger  *slog.Logger

	nonceMu sync.Mutex
	locks   map[common.Address]*sync.Mutex
}

// NewEVMAdapter validates cfg and constructs an adapter.
func NewEVMAdapter(client EVMClient, cfg EVMConfig) (*EVMAdapter, error) {
	if client == nil {
		return nil, fmt.Errorf("chain: evm client is required")
	}
	if cfg.Contract == (common.Address{}) {
		return nil, fmt.Errorf("chain: escrow contract address is required")
	}
	if cfg.Token == (common.Address{}) {
		return nil, fmt.Errorf("chain: token address is required")
	}
	if cfg.ChainID == nil || cfg.ChainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain: chain id is required")
	}
	if cfg.Owner == nil {
		return nil, fmt.Errorf("chain: owner signer is required")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.LookbackBlocks == 0 {
		cfg.LookbackBlocks = 43_200
	}
	if cfg.MaxIDsPerQuery <= 0 {
		cfg.MaxIDsPerQuery = 100
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &EVMAdapter{
		client:  client,
		cfg:     cfg,
		decoder: NewDecoder(),
		logger:  logger,
		locks:   make(map[common.Address]*sync.Mutex),
	}, nil
}

func (a *EVMAdapter) SubmitCreate(ctx context.Context, buyer, seller common.Address, amount *big.Int) (string, string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", "", fmt.Errorf("chain: amount must be positive")
	}
	data, err := escrowABI.Pack("createEscrow", buyer, seller, amount)
	if err != nil {
		return "", "", fmt.Errorf("chain: pack createEscrow: %w", err)
	}
	receipt, err := a.transact(ctx, OpCreate, a.cfg.Owner, a.cfg.Contract, data)
	if err != nil {
		return "", "", err
	}
	txHash := receipt.TxHash.Hex()
	for _, log := range receipt.Logs {
		if log == nil || log.Address != a.cfg.Contract {
			continue
		}
		if len(log.Topics) == 0 || log.Topics[0] != Topic(escrow.EventEscrowCreated) {
			continue
		}
		evt, err := a.decoder.Decode(*log)
		if err != nil {
			return "", txHash, &ChainError{Op: OpCreate, TxHash: txHash, Err: err}
		}
		created := evt.(escrow.EscrowCreated)
		return FormatID(created.ID), txHash, nil
	}
	return "", txHash, &ChainError{Op: OpCreate, TxHash: txHash, Err: errors.New("EscrowCreated event missing from receipt")}
}

func (a *EVMAdapter) SubmitFund(ctx context.Context, onChainID string, amount *big.Int, payer Signer) (string, error) {
	if payer == nil {
		return "", fmt.Errorf("chain: payer signer is required")
	}
	id, state, err := a.preflight(ctx, OpFund, onChainID)
	if err != nil {
		return "", err
	}
	if state.Buyer != payer.Address() {
		return "", &TransitionError{Op: OpFund, Reason: "payer is not the buyer", Observed: state}
	}
	if amount != nil && state.Amount.Cmp(amount) != 0 {
		return "", &TransitionError{Op: OpFund, Reason: "amount does not match on-chain terms", Observed: state}
	}
	allowance, err := a.allowance(ctx, payer.Address())
	if err != nil {
		return "", err
	}
	if allowance.Cmp(state.Amount) < 0 {
		data, err := erc20ABI.Pack("approve", a.cfg.Contract, state.Amount)
		if err != nil {
			return "", fmt.Errorf("chain: pack approve: %w", err)
		}
		if _, err := a.transact(ctx, OpApprove, payer, a.cfg.Token, data); err != nil {
			return "", err
		}
	}
	return a.call(ctx, OpFund, payer, "fundEscrow", id)
}

func (a *EVMAdapter) SubmitRelease(ctx context.Context, onChainID string) (string, error) {
	id, _, err := a.preflight(ctx, OpRelease, onChainID)
	if err != nil {
		return "", err
	}
	return a.call(ctx, OpRelease, a.cfg.Owner, "ownerReleaseFunds", id)
}

func (a *EVMAdapter) SubmitDispute(ctx context.Context, onChainID string, party Signer) (string, error) {
	if party == nil {
		return "", fmt.Errorf("chain: party signer is required")
	}
	id, state, err := a.preflight(ctx, OpDispute, onChainID)
	if err != nil {
		return "", err
	}
	if party.Address() != state.Buyer && party.Address() != state.Seller {
		return "", &TransitionError{Op: OpDispute, Reason: "signer is not a party", Observed: state}
	}
	return a.call(ctx, OpDispute, party, "raiseDispute", id)
}

func (a *EVMAdapter) SubmitResolve(ctx context.Context, onChainID string, buyerPct uint8) (string, error) {
	if buyerPct > 100 {
		return "", fmt.Errorf("chain: buyer percentage out of range")
	}
	id, _, err := a.preflight(ctx, OpResolve, onChainID)
	if err != nil {
		return "", err
	}
	return a.call(ctx, OpResolve, a.cfg.Owner, "resolveDispute", id, buyerPct)
}

func (a *EVMAdapter) SubmitAutoRelease(ctx context.Context, onChainID string) (string, error) {
	id, _, err := a.preflight(ctx, OpAutoRelease, onChainID)
	if err != nil {
		return "", err
	}
	return a.call(ctx, OpAutoRelease, a.cfg.Owner, "autoRelease", id)
}

func (a *EVMAdapter) EscrowState(ctx context.Context, onChainID string) (*OnChainEscrow, error) {
	id, err := ParseID(onChainID)
	if err != nil {
		return nil, err
	}
	return a.escrowState(ctx, id)
}

func (a *EVMAdapter) escrowState(ctx context.Context, id [32]byte) (*OnChainEscrow, error) {
	data, err := escrowABI.Pack("getEscrow", id)
	if err != nil {
		return nil, fmt.Errorf("chain: pack getEscrow: %w", err)
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.cfg.Contract, Data: data}, nil)
	if err != nil {
		return nil, &ChainError{Op: OpQuery, Err: err}
	}
	var res getEscrowResult
	if err := escrowABI.UnpackIntoInterface(&res, "getEscrow", out); err != nil {
		return nil, &ChainError{Op: OpQuery, Err: fmt.Errorf("decode getEscrow: %w", err)}
	}
	if res.Buyer == (common.Address{}) {
		return nil, ErrUnknownEscrow
	}
	status := escrow.Status(res.Status)
	if !status.Valid() {
		return nil, &ChainError{Op: OpQuery, Err: fmt.Errorf("unknown status ordinal %d", res.Status)}
	}
	return &OnChainEscrow{
		ID:            FormatID(id),
		Buyer:         res.Buyer,
		Seller:        res.Seller,
		Amount:        res.Amount,
		Status:        status,
		CreatedAt:     unixTime(bigToInt64(res.CreatedAt)),
		FundedAt:      unixTime(bigToInt64(res.FundedAt)),
		AutoReleaseAt: unixTime(bigToInt64(res.AutoReleaseAt)),
		Disputed:      res.Disputed,
	}, nil
}

// QueryFundedEvents returns EscrowFunded logs for exactly the given ids within
// the lookback window ending at the current head.
func (a *EVMAdapter) QueryFundedEvents(ctx context.Context, onChainIDs []string) ([]FundedEvent, error) {
	if len(onChainIDs) == 0 {
		return nil, nil
	}
	ids := make([]common.Hash, 0, len(onChainIDs))
	for _, raw := range onChainIDs {
		id, err := ParseID(raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, common.Hash(id))
	}
	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, &ChainError{Op: OpQuery, Err: err}
	}
	var from uint64
	if head > a.cfg.LookbackBlocks {
		from = head - a.cfg.LookbackBlocks
	}
	var events []FundedEvent
	for start := 0; start < len(ids); start += a.cfg.MaxIDsPerQuery {
		end := start + a.cfg.MaxIDsPerQuery
		if end > len(ids) {
			end = len(ids)
		}
		logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(head),
			Addresses: []common.Address{a.cfg.Contract},
			Topics:    [][]common.Hash{{Topic(escrow.EventEscrowFunded)}, ids[start:end]},
		})
		if err != nil {
			return nil, &ChainError{Op: OpQuery, Err: err}
		}
		for _, log := range logs {
			if log.Removed {
				continue
			}
			evt, err := a.decoder.Decode(log)
			if err != nil {
				return nil, err
			}
			funded, ok := evt.(escrow.EscrowFunded)
			if !ok {
				return nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformedEvent, escrow.EventEscrowFunded, evt.EventName())
			}
			events = append(events, FundedEvent{
				OnChainID:   FormatID(funded.ID),
				Amount:      funded.Amount,
				BlockNumber: log.BlockNumber,
				TxHash:      log.TxHash.Hex(),
			})
		}
	}
	return events, nil
}

func (a *EVMAdapter) preflight(ctx context.Context, op, onChainID string) ([32]byte, *OnChainEscrow, error) {
	id, err := ParseID(onChainID)
	if err != nil {
		return id, nil, err
	}
	state, err := a.escrowState(ctx, id)
	if err != nil {
		if errors.Is(err, ErrUnknownEscrow) {
			return id, nil, &TransitionError{Op: op, Reason: "escrow not found on chain"}
		}
		return id, nil, err
	}
	now := a.cfg.Now()
	if op == OpAutoRelease {
		if header, herr := a.client.HeaderByNumber(ctx, nil); herr == nil && header != nil {
			now = time.Unix(int64(header.Time), 0)
		}
	}
	if err := checkPrecondition(op, state, now); err != nil {
		return id, state, err
	}
	return id, state, nil
}

func (a *EVMAdapter) allowance(ctx context.Context, owner common.Address) (*big.Int, error) {
	data, err := erc20ABI.Pack("allowance", owner, a.cfg.Contract)
	if err != nil {
		return nil, fmt.Errorf("chain: pack allowance: %w", err)
	}
	out, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.cfg.Token, Data: data}, nil)
	if err != nil {
		return nil, &ChainError{Op: OpApprove, Err: err}
	}
	values, err := erc20ABI.Unpack("allowance", out)
	if err != nil || len(values) != 1 {
		return nil, &ChainError{Op: OpApprove, Err: fmt.Errorf("decode allowance: %v", err)}
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, &ChainError{Op: OpApprove, Err: errors.New("allowance is not uint256")}
	}
	return v, nil
}

func (a *EVMAdapter) call(ctx context.Context, op string, signer Signer, method string, args ...interface{}) (string, error) {
	data, err := escrowABI.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("chain: pack %s: %w", method, err)
	}
	receipt, err := a.transact(ctx, op, signer, a.cfg.Contract, data)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func (a *EVMAdapter) lockFor(addr common.Address) *sync.Mutex {
	a.nonceMu.Lock()
	defer a.nonceMu.Unlock()
	mu, ok := a.locks[addr]
	if !ok {
		mu = &sync.Mutex{}
		a.locks[addr] = mu
	}
	return mu
}

// transact builds, signs and broadcasts a transaction, then waits for it to
// reach the configured confirmation depth.
func (a *EVMAdapter) transact(ctx context.Context, op string, signer Signer, to common.Address, data []byte) (*gethtypes.Receipt, error) {
	tx, err := a.send(ctx, op, signer, to, data)
	if err != nil {
		return nil, err
	}
	a.logger.Info("chain transaction broadcast", slog.String("op", op), slog.String("tx_hash", tx.Hash().Hex()), slog.String("from", signer.Address().Hex()))
	return a.waitConfirmed(ctx, op, tx.Hash())
}

func (a *EVMAdapter) send(ctx context.Context, op string, signer Signer, to common.Address, data []byte) (*gethtypes.Transaction, error) {
	from := signer.Address()
	mu := a.lockFor(from)
	mu.Lock()
	defer mu.Unlock()

	msg := ethereum.CallMsg{From: from, To: &to, Data: data}
	gas, err := a.client.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return nil, &TransitionError{Op: op, Reason: reason}
		}
		return nil, &ChainError{Op: op, Err: fmt.Errorf("estimate gas: %w", err)}
	}
	gas = gas + gas/5
	nonce, err := a.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, &ChainError{Op: op, Err: fmt.Errorf("nonce: %w", err)}
	}
	tip, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, &ChainError{Op: op, Err: fmt.Errorf("gas tip: %w", err)}
	}
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, &ChainError{Op: op, Err: fmt.Errorf("head: %w", err)}
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	unsigned := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   a.cfg.ChainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	signed, err := signer.SignTx(ctx, unsigned, a.cfg.ChainID)
	if err != nil {
		return nil, &ChainError{Op: op, Err: fmt.Errorf("sign: %w", err)}
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, &ChainError{Op: op, Err: fmt.Errorf("send: %w", err)}
	}
	return signed, nil
}

func (a *EVMAdapter) waitConfirmed(ctx context.Context, op string, hash common.Hash) (*gethtypes.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.ConfirmTimeout)
	defer cancel()
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	txHash := hash.Hex()
	for {
		receipt, err := a.client.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return nil, &TransitionError{Op: op, Reason: "transaction reverted", TxHash: txHash}
			}
			if a.confirmed(waitCtx, receipt) {
				return receipt, nil
			}
		case err != nil && !errors.Is(err, ethereum.NotFound):
			a.logger.Warn("receipt lookup failed", slog.String("op", op), slog.String("tx_hash", txHash), slog.Any("error", err))
		}
		select {
		case <-waitCtx.Done():
			return nil, &ChainError{Op: op, TxHash: txHash, Unknown: true, Err: waitCtx.Err()}
		case <-ticker.C:
		}
	}
}

func (a *EVMAdapter) confirmed(ctx context.Context, receipt *gethtypes.Receipt) bool {
	if a.cfg.Confirmations <= 1 {
		return true
	}
	if receipt.BlockNumber == nil {
		return false
	}
	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return false
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return false
	}
	return head-mined+1 >= a.cfg.Confirmations
}

func revertReason(err error) (string, bool) {
	msg := err.Error()
	idx := strings.Index(msg, "execution reverted")
	if idx < 0 {
		return "", false
	}
	reason := strings.TrimSpace(strings.TrimPrefix(msg[idx:], "execution reverted"))
	reason = strings.TrimSpace(strings.TrimPrefix(reason, ":"))
	if reason == "" {
		reason = "execution reverted"
	}
	return reason, true
}

func bigToInt64(v *big.Int) int64 {
	if v == nil || !v.IsInt64() {
		return 0
	}
	return v.Int64()
}
