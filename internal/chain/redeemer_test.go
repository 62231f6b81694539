package chain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownarb/internal/crypto"
	"github.com/alanyoungcy/updownarb/internal/domain"
)

const (
	testKey   = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	condition = "0x1111111111111111111111111111111111111111111111111111111111111111"
)

type fakeBackend struct {
	mu       sync.Mutex
	sent     []*types.Transaction
	status   uint64
	pending  int // receipt polls answered with NotFound
	sendErr  error
	estimate uint64
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(30_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if b.estimate == 0 {
		return 0, errors.New("execution reverted")
	}
	return b.estimate, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending > 0 {
		b.pending--
		return nil, ethereum.NotFound
	}
	return &types.Receipt{Status: b.status}, nil
}

func newTestRedeemer(t *testing.T, cfg Config, b *fakeBackend) *Redeemer {
	t.Helper()
	signer, err := crypto.NewSigner(testKey, 137)
	require.NoError(t, err)
	cfg.PollInterval = time.Millisecond
	return NewRedeemer(cfg, b, signer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRedeem_DirectCTFMerge(t *testing.T) {
	b := &fakeBackend{status: types.ReceiptStatusSuccessful, pending: 2, estimate: 100_000}
	r := newTestRedeemer(t, Config{}, b)

	hash, err := r.Redeem(context.Background(), condition, 30, false)
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	assert.Equal(t, tx.Hash().Hex(), hash)
	assert.Equal(t, CTFAddress, *tx.To())
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(120_000), tx.Gas())

	method, err := ctfABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "mergePositions", method.Name)
	args, err := method.Inputs.Unpack(tx.Data()[4:])
	require.NoError(t, err)
	require.Len(t, args, 5)
	assert.Equal(t, CollateralAddress, args[0])
	assert.Equal(t, []*big.Int{big.NewInt(1), big.NewInt(2)}, args[3])
	assert.Equal(t, big.NewInt(30_000_000), args[4])
}

func TestRedeem_NegRiskThroughProxy(t *testing.T) {
	b := &fakeBackend{status: types.ReceiptStatusSuccessful}
	proxy := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	r := newTestRedeemer(t, Config{ProxyWallet: proxy}, b)

	_, err := r.Redeem(context.Background(), condition, 1.5, true)
	require.NoError(t, err)
	require.Len(t, b.sent, 1)

	tx := b.sent[0]
	assert.Equal(t, ProxyFactoryAddress, *tx.To())
	assert.Equal(t, mergeGasLimit*12/10, tx.Gas())
	method, err := proxyABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "proxy", method.Name)

	cond, err := conditionBytes(condition)
	require.NoError(t, err)
	inner, err := negRiskABI.Pack("mergePositions", cond, big.NewInt(1_500_000))
	require.NoError(t, err)
	assert.Contains(t, string(tx.Data()), string(inner))
}

func TestRedeem_RevertedReceipt(t *testing.T) {
	b := &fakeBackend{status: types.ReceiptStatusFailed, estimate: 100_000}
	r := newTestRedeemer(t, Config{}, b)

	hash, err := r.Redeem(context.Background(), condition, 5, false)
	require.Error(t, err)
	assert.NotEmpty(t, hash)
	assert.Contains(t, err.Error(), "reverted")
}

func TestRedeem_RateLimitedRPC(t *testing.T) {
	b := &fakeBackend{sendErr: errors.New("429 Too Many Requests: retry in 10s"), estimate: 100_000}
	r := newTestRedeemer(t, Config{}, b)

	_, err := r.Redeem(context.Background(), condition, 5, false)
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestRedeem_RejectsBadInput(t *testing.T) {
	r := newTestRedeemer(t, Config{}, &fakeBackend{})

	_, err := r.Redeem(context.Background(), "0x1234", 5, false)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)

	_, err = r.Redeem(context.Background(), condition, 0.0000001, false)
	assert.ErrorIs(t, err, domain.ErrMergeNoOp)
}
