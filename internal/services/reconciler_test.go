package services

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/pkg/config"
)

type fakePositionReader struct {
	positions []domain.Position
	err       error
}

func (f *fakePositionReader) AccountPositions(_ context.Context, _ common.Address) ([]domain.Position, error) {
	return f.positions, f.err
}

func (f *fakePositionReader) VaultTVL(_ context.Context, _ common.Address) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (f *fakePositionReader) SharePrice(_ context.Context, _ common.Address) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type fakeReceiptChecker struct {
	receipts map[common.Hash]*types.Receipt
}

func (f *fakeReceiptChecker) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	return f.receipts[hash], nil
}

func reconTestVault() *domain.Vault {
	return &domain.Vault{
		Address:      "0xBBBB000000000000000000000000000000000001",
		StrategySlug: "baseline-smacross",
		Status:       domain.VaultStatusActive,
	}
}

func insertConfirmed(t *testing.T, store *Store, vault string, asset string, dir domain.Direction, size float64) {
	t.Helper()
	rec := &domain.TradeRecord{
		VaultAddress: vault,
		StrategySlug: "baseline-smacross",
		Asset:        asset,
		Direction:    dir,
		SizeUSD:      size,
		FeeWei:       "100000000000000",
		Status:       domain.TradeStatusPending,
	}
	if err := store.InsertTrade(context.Background(), rec); err != nil {
		t.Fatalf("插入交易失败: %v", err)
	}
	if err := store.UpdateTradeStatus(context.Background(), rec.ID, domain.TradeStatusConfirmed, "0x01", "", 0); err != nil {
		t.Fatalf("确认交易失败: %v", err)
	}
}

func newTestReconciler(t *testing.T, reader PositionReader) (*Reconciler, *Store) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "recon.db"))
	if err != nil {
		t.Fatalf("打开存储失败: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	vaults := []*domain.Vault{reconTestVault()}
	r := NewReconciler(store, reader, &fakeReceiptChecker{}, vaults, config.ReconcilerConfig{ToleranceUSD: 1.0})
	return r, store
}

// TestReconcileCleanVault 本地净额与链上持仓一致时报告为 clean
func TestReconcileCleanVault(t *testing.T) {
	vault := reconTestVault()
	reader := &fakePositionReader{positions: []domain.Position{
		{Asset: "ETH", SizeUSD: 300},
	}}
	r, store := newTestReconciler(t, reader)

	insertConfirmed(t, store, vault.Address, "ETH", domain.DirectionLong, 100)
	insertConfirmed(t, store, vault.Address, "ETH", domain.DirectionLong, 200)

	report, err := r.ReconcileVault(context.Background(), vault)
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if !report.Clean {
		t.Fatalf("预期 clean 报告, got deltas=%+v", report.Deltas)
	}
	if len(report.Deltas) != 1 || report.Deltas[0].Asset != "ETH" {
		t.Fatalf("预期单个 ETH delta, got %+v", report.Deltas)
	}
	if math.Abs(report.Deltas[0].DeltaUSD) > 1e-9 {
		t.Fatalf("预期零偏差, got %.4f", report.Deltas[0].DeltaUSD)
	}
}

// TestReconcileDetectsMismatch 链上持仓偏离本地净额且超容忍时标记不一致
func TestReconcileDetectsMismatch(t *testing.T) {
	vault := reconTestVault()
	reader := &fakePositionReader{positions: []domain.Position{
		{Asset: "ETH", SizeUSD: 50},
	}}
	r, store := newTestReconciler(t, reader)

	insertConfirmed(t, store, vault.Address, "ETH", domain.DirectionLong, 100)

	report, err := r.ReconcileVault(context.Background(), vault)
	if err != nil {
		t.Fatalf("对账失败: %v", err)
	}
	if report.Clean {
		t.Fatal("预期脏报告")
	}
	d := report.Deltas[0]
	if d.ExpectedUSD != 100 || d.ObservedUSD != 50 || d.DeltaUSD != -50 {
		t.Fatalf("delta 不符: %+v", d)
	}
}

// TestExpectedExposureReplay 平仓（NEUTRAL）向零收缩且不越过零；
// 做空记为负净额；归零的资产从预期中移除。
func TestExpectedExposureReplay(t *testing.T) {
	vault := reconTestVault()
	r, store := newTestReconciler(t, &fakePositionReader{})

	// ETH: 开多 100，再开多 50，平仓 200（超额，收缩到 0 不越过）
	insertConfirmed(t, store, vault.Address, "ETH", domain.DirectionLong, 100)
	insertConfirmed(t, store, vault.Address, "ETH", domain.DirectionLong, 50)
	insertConfirmed(t, store, vault.Address, "ETH", domain.DirectionNeutral, 200)
	// BTC: 开空 80，平仓 30 → 净 -50
	insertConfirmed(t, store, vault.Address, "BTC", domain.DirectionShort, 80)
	insertConfirmed(t, store, vault.Address, "BTC", domain.DirectionNeutral, 30)

	net, err := r.expectedExposure(context.Background(), vault.Address)
	if err != nil {
		t.Fatalf("净额回放失败: %v", err)
	}
	if _, ok := net["ETH"]; ok {
		t.Fatalf("ETH 已平仓应被移除, got %+v", net)
	}
	if got := net["BTC"]; got != -50 {
		t.Fatalf("BTC 净额 = %.2f, want -50", got)
	}
}

// TestSweepPendingFlagsOnly PENDING 交易出现回执时只标记告警，状态保持 PENDING 不自动晋级
func TestSweepPendingFlagsOnly(t *testing.T) {
	vault := reconTestVault()
	r, store := newTestReconciler(t, &fakePositionReader{})

	rec := &domain.TradeRecord{
		VaultAddress: vault.Address,
		StrategySlug: "baseline-smacross",
		Asset:        "ETH",
		Direction:    domain.DirectionLong,
		SizeUSD:      100,
		FeeWei:       "100000000000000",
		TxHash:       "0xab11223344556677889900112233445566778899001122334455667788990011",
		Status:       domain.TradeStatusPending,
	}
	if err := store.InsertTrade(context.Background(), rec); err != nil {
		t.Fatalf("插入交易失败: %v", err)
	}

	hash := common.HexToHash(rec.TxHash)
	r.receipts = &fakeReceiptChecker{receipts: map[common.Hash]*types.Receipt{
		hash: {Status: types.ReceiptStatusSuccessful},
	}}
	r.sweepPending(context.Background())

	pending, err := store.PendingTrades(context.Background())
	if err != nil {
		t.Fatalf("读取 PENDING 失败: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != rec.ID {
		t.Fatalf("记录应保持 PENDING, got %+v", pending)
	}
}
