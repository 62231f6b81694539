package app

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/updownarb/internal/config"
	"github.com/alanyoungcy/updownarb/internal/domain"
)

type memAudit struct {
	events []string
	err    error
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.events = append(m.events, event)
	return m.err
}

func TestFanoutWritesEverySink(t *testing.T) {
	ok := &memAudit{}
	broken := &memAudit{err: errors.New("pg down")}
	f := fanout{broken, ok}

	err := f.Log(context.Background(), domain.AuditTradePair, nil)
	require.Error(t, err)
	assert.Equal(t, []string{domain.AuditTradePair}, ok.events)
	assert.Equal(t, []string{domain.AuditTradePair}, broken.events)
}

func TestMergeProxy(t *testing.T) {
	cfg := config.Defaults()
	cfg.Wallet.ProxyAddress = "0x00000000000000000000000000000000000000aa"
	assert.Equal(t, common.Address{}, mergeProxy(&cfg))

	cfg.Polymarket.SignatureType = 1
	assert.Equal(t, common.HexToAddress("0x00000000000000000000000000000000000000aa"), mergeProxy(&cfg))

	cfg.Wallet.ProxyAddress = ""
	assert.Equal(t, common.Address{}, mergeProxy(&cfg))
}

func TestNeedsChain(t *testing.T) {
	assert.True(t, needsChain("run"))
	assert.True(t, needsChain("MERGE"))
	assert.False(t, needsChain("positions"))
	assert.False(t, needsChain("price"))
}

func TestPrintJobs(t *testing.T) {
	var buf bytes.Buffer
	printJobs(&buf, []domain.MergeJob{
		{MarketID: "0xa", Amount: 12.5, Status: domain.MergeConfirmed, TxHash: "0xtx"},
		{MarketID: "0xb", Status: domain.MergeNoOp, Err: domain.ErrMergeNoOp},
		{MarketID: "0xc", Amount: 3, Status: domain.MergeFailed, Err: errors.New("reverted")},
	})
	out := buf.String()
	assert.Contains(t, out, "0xa  confirmed amount=12.500000 tx=0xtx")
	assert.Contains(t, out, "0xb  noop")
	assert.NotContains(t, out, "nothing to merge")
	assert.Contains(t, out, "error=reverted")

	buf.Reset()
	printJobs(&buf, nil)
	assert.Equal(t, "no positions to merge\n", buf.String())
}

func TestRenderPositions(t *testing.T) {
	var buf bytes.Buffer
	err := renderPositions(&buf, []domain.Position{
		{MarketID: "0x2222222222222222222222", YesSize: 10, NoSize: 4, YesCost: 4.5, NoCost: 2},
		{MarketID: "0x1", YesSize: 1, NoSize: 1, NegRisk: true},
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "0x222222…2222")
	assert.Contains(t, out, "$6.50")
	assert.Contains(t, out, "11.00")
	assert.Less(t, bytes.Index(buf.Bytes(), []byte("0x1 ")), bytes.Index(buf.Bytes(), []byte("0x222222")))
}

func TestFormatTop(t *testing.T) {
	book := domain.OrderBook{
		TokenID: "tok",
		Bids:    []domain.PriceLevel{{Price: 0.44, Size: 10}},
	}
	assert.Equal(t, "tok  bid 0.440 x 10.00  ask -", formatTop(book))
}
