// Package chain submits CTF redemptions on Polygon. Paired YES+NO holdings
// are merged back into USDC.e collateral through mergePositions, either
// directly from the signer's account or through its Polymarket proxy wallet.
package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/updownarb/internal/domain"
)

// Polygon mainnet contracts.
var (
	CollateralAddress     = common.HexToAddress("0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174")
	CTFAddress            = common.HexToAddress("0x4D97DCd97eC945f40cF65F87097ACe5EA0476045")
	NegRiskAdapterAddress = common.HexToAddress("0xd91E80cF2E7be2e162c6513ceD06f1dD0dA35296")
	ProxyFactoryAddress   = common.HexToAddress("0xaB45c5A4B0c941a2F231C04C3f49182e1A254052")
)

const (
	mergeGasLimit = uint64(300_000)
	callTypeCall  = uint8(1)
)

var (
	ctfABI     = mustABI(`[{"name":"mergePositions","type":"function","outputs":[],"inputs":[{"name":"collateralToken","type":"address"},{"name":"parentCollectionId","type":"bytes32"},{"name":"conditionId","type":"bytes32"},{"name":"partition","type":"uint256[]"},{"name":"amount","type":"uint256"}]}]`)
	negRiskABI = mustABI(`[{"name":"mergePositions","type":"function","outputs":[],"inputs":[{"name":"conditionId","type":"bytes32"},{"name":"amount","type":"uint256"}]}]`)
	proxyABI   = mustABI(`[{"name":"proxy","type":"function","stateMutability":"payable","outputs":[{"name":"returnValues","type":"bytes[]"}],"inputs":[{"name":"calls","type":"tuple[]","components":[{"name":"typeCode","type":"uint8"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"data","type":"bytes"}]}]}]`)
)

func mustABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: abi: " + err.Error())
	}
	return parsed
}

// proxyCall mirrors the ProxyWalletFactory call tuple.
type proxyCall struct {
	TypeCode uint8
	To       common.Address
	Value    *big.Int
	Data     []byte
}

// Backend is the subset of ethclient.Client the redeemer needs.
type Backend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// TxSigner signs transactions for the wallet's EOA.
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// Config controls transaction submission.
type Config struct {
	// ProxyWallet routes the merge through the Polymarket proxy factory when
	// set. The proxy holds the positions; the EOA pays gas.
	ProxyWallet    common.Address
	ReceiptTimeout time.Duration
	PollInterval   time.Duration
}

// Redeemer implements domain.Redeemer against the CTF contracts.
type Redeemer struct {
	cfg     Config
	backend Backend
	signer  TxSigner
	logger  *slog.Logger
}

// NewRedeemer creates a Redeemer.
func NewRedeemer(cfg Config, backend Backend, signer TxSigner, logger *slog.Logger) *Redeemer {
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	return &Redeemer{
		cfg:     cfg,
		backend: backend,
		signer:  signer,
		logger:  logger.With(slog.String("component", "chain")),
	}
}

// Redeem merges amount YES+NO shares of conditionID and waits for the
// receipt. It returns the transaction hash once the merge is mined.
func (r *Redeemer) Redeem(ctx context.Context, conditionID string, amount float64, negRisk bool) (string, error) {
	cond, err := conditionBytes(conditionID)
	if err != nil {
		return "", fmt.Errorf("chain: %w: %v", domain.ErrInvalidOrder, err)
	}
	units := decimal.NewFromFloat(amount).Shift(6).Truncate(0).BigInt()
	if units.Sign() <= 0 {
		return "", fmt.Errorf("chain: merge %s: %w", conditionID, domain.ErrMergeNoOp)
	}

	to, data, err := r.calldata(cond, units, negRisk)
	if err != nil {
		return "", fmt.Errorf("chain: pack merge: %w", err)
	}

	from := r.signer.Address()
	nonce, err := r.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return "", classify("nonce", err)
	}
	gasPrice, err := r.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", classify("gas price", err)
	}
	gas, err := r.backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, GasPrice: gasPrice, Data: data})
	if err != nil {
		r.logger.WarnContext(ctx, "gas estimate failed, using default limit",
			slog.String("error", err.Error()),
			slog.Uint64("limit", mergeGasLimit),
		)
		gas = mergeGasLimit
	}
	gas = gas * 12 / 10

	signed, err := r.signer.SignTx(types.NewTransaction(nonce, to, big.NewInt(0), gas, gasPrice, data))
	if err != nil {
		return "", fmt.Errorf("chain: %w: %v", domain.ErrSigningFailed, err)
	}
	if err := r.backend.SendTransaction(ctx, signed); err != nil {
		return "", classify("send", err)
	}
	hash := signed.Hash().Hex()
	r.logger.InfoContext(ctx, "merge submitted",
		slog.String("market", conditionID),
		slog.String("amount", decimal.NewFromBigInt(units, -6).String()),
		slog.Bool("neg_risk", negRisk),
		slog.Bool("proxy", r.viaProxy()),
		slog.String("tx", hash),
	)

	receipt, err := r.waitReceipt(ctx, signed.Hash())
	if err != nil {
		return hash, fmt.Errorf("chain: merge %s: receipt: %w", hash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return hash, fmt.Errorf("chain: merge %s reverted", hash)
	}
	return hash, nil
}

func (r *Redeemer) viaProxy() bool {
	return r.cfg.ProxyWallet != (common.Address{})
}

// calldata returns the destination and input of the merge transaction.
func (r *Redeemer) calldata(cond [32]byte, units *big.Int, negRisk bool) (common.Address, []byte, error) {
	var (
		target common.Address
		inner  []byte
		err    error
	)
	if negRisk {
		target = NegRiskAdapterAddress
		inner, err = negRiskABI.Pack("mergePositions", cond, units)
	} else {
		target = CTFAddress
		inner, err = ctfABI.Pack("mergePositions", CollateralAddress, [32]byte{}, cond,
			[]*big.Int{big.NewInt(1), big.NewInt(2)}, units)
	}
	if err != nil {
		return common.Address{}, nil, err
	}
	if !r.viaProxy() {
		return target, inner, nil
	}
	outer, err := proxyABI.Pack("proxy", []proxyCall{{
		TypeCode: callTypeCall,
		To:       target,
		Value:    big.NewInt(0),
		Data:     inner,
	}})
	if err != nil {
		return common.Address{}, nil, err
	}
	return ProxyFactoryAddress, outer, nil
}

func (r *Redeemer) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := r.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			r.logger.DebugContext(ctx, "receipt poll failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// classify maps RPC failures onto the error taxonomy. Public RPC endpoints
// report throttling only in the message text.
func classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return fmt.Errorf("chain: %s: %w: %v", op, domain.ErrRateLimited, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("chain: %s: %w", op, err)
	default:
		return fmt.Errorf("chain: %s: %w: %v", op, domain.ErrTransientNetwork, err)
	}
}

func conditionBytes(id string) ([32]byte, error) {
	var out [32]byte
	s := strings.TrimPrefix(strings.ToLower(id), "0x")
	if len(s) != 64 {
		return out, fmt.Errorf("condition id %q: expected 32 bytes", id)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("condition id %q: %w", id, err)
	}
	copy(out[:], b)
	return out, nil
}
