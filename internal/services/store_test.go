package services

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/atlasvault/gotrader/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "trader.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleTrade(vault string) *domain.TradeRecord {
	return &domain.TradeRecord{
		VaultAddress: vault,
		StrategySlug: "baseline-smacross",
		Asset:        "ETH",
		Direction:    domain.DirectionLong,
		SizeUSD:      100,
		FeeWei:       "100000000000000",
		Status:       domain.TradeStatusPending,
	}
}

// TestInsertTradeGeneratesID 空 ID 入库时自动生成 uuid，且可按金库查回
func TestInsertTradeGeneratesID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := sampleTrade("0xAAAA000000000000000000000000000000000001")
	require.NoError(t, store.InsertTrade(ctx, rec))
	require.NotEmpty(t, rec.ID)
	require.False(t, rec.CreatedAt.IsZero())

	got, err := store.TradesByVault(ctx, rec.VaultAddress, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, rec.ID, got[0].ID)
	require.Equal(t, domain.TradeStatusPending, got[0].Status)
	require.Equal(t, "ETH", got[0].Asset)
	require.Equal(t, domain.DirectionLong, got[0].Direction)
	require.Equal(t, "100000000000000", got[0].FeeWei)
}

// TestUpdateTradeStatusTerminalOnly 状态跃迁只允许 PENDING → 终态；
// 已终态的记录不可再改写。
func TestUpdateTradeStatusTerminalOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := sampleTrade("0xAAAA000000000000000000000000000000000002")
	require.NoError(t, store.InsertTrade(ctx, rec))

	require.NoError(t, store.UpdateTradeStatus(ctx, rec.ID, domain.TradeStatusConfirmed, "0xdeadbeef", "", 210000))

	got, err := store.TradesByVault(ctx, rec.VaultAddress, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, domain.TradeStatusConfirmed, got[0].Status)
	require.Equal(t, "0xdeadbeef", got[0].TxHash)
	require.Equal(t, uint64(210000), got[0].GasUsed)

	// 终态 → 终态被拒绝
	err = store.UpdateTradeStatus(ctx, rec.ID, domain.TradeStatusFailed, "", "late failure", 0)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already terminal")

	// 不存在的 ID 同样报错
	err = store.UpdateTradeStatus(ctx, "no-such-id", domain.TradeStatusConfirmed, "", "", 0)
	require.Error(t, err)
}

// TestUpdateTradeStatusKeepsTxHash 空 txHash 不覆盖已有哈希
func TestUpdateTradeStatusKeepsTxHash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := sampleTrade("0xAAAA000000000000000000000000000000000003")
	rec.TxHash = "0xfeedface"
	require.NoError(t, store.InsertTrade(ctx, rec))
	require.NoError(t, store.UpdateTradeStatus(ctx, rec.ID, domain.TradeStatusReverted, "", "execution reverted", 50000))

	got, err := store.TradesByVault(ctx, rec.VaultAddress, 10)
	require.NoError(t, err)
	require.Equal(t, "0xfeedface", got[0].TxHash)
	require.Equal(t, "execution reverted", got[0].Error)
}

// TestPendingTrades 只返回 PENDING 记录
func TestPendingTrades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	vault := "0xAAAA000000000000000000000000000000000004"

	pending := sampleTrade(vault)
	require.NoError(t, store.InsertTrade(ctx, pending))

	confirmed := sampleTrade(vault)
	require.NoError(t, store.InsertTrade(ctx, confirmed))
	require.NoError(t, store.UpdateTradeStatus(ctx, confirmed.ID, domain.TradeStatusConfirmed, "0x01", "", 0))

	got, err := store.PendingTrades(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, pending.ID, got[0].ID)
}

// TestConfirmedTradesByVaultOrdering 对账回放要求已确认交易按时间正序返回，
// 且大小写不同的金库地址视为同一金库。
func TestConfirmedTradesByVaultOrdering(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	vault := "0xAAAA000000000000000000000000000000000005"
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, size := range []float64{100, 200, 300} {
		rec := sampleTrade(vault)
		rec.SizeUSD = size
		rec.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.InsertTrade(ctx, rec))
		require.NoError(t, store.UpdateTradeStatus(ctx, rec.ID, domain.TradeStatusConfirmed, "0x01", "", 0))
	}
	failed := sampleTrade(vault)
	require.NoError(t, store.InsertTrade(ctx, failed))
	require.NoError(t, store.UpdateTradeStatus(ctx, failed.ID, domain.TradeStatusFailed, "", "nonce too low", 0))

	got, err := store.ConfirmedTradesByVault(ctx, "0xaaaa000000000000000000000000000000000005")
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, []float64{100, 200, 300}, []float64{got[0].SizeUSD, got[1].SizeUSD, got[2].SizeUSD})
}

// TestSignalLogRoundTrip 信号日志写入后按时间倒序读回
func TestSignalLogRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	vault := "0xAAAA000000000000000000000000000000000006"
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, dir := range []domain.Direction{domain.DirectionLong, domain.DirectionNeutral} {
		require.NoError(t, store.InsertSignalLog(ctx, &domain.SignalLog{
			VaultAddress: vault,
			StrategySlug: "baseline-marketgod",
			Asset:        "BTC",
			Direction:    dir,
			Confidence:   0.8,
			SizeFraction: 0.1,
			Reason:       "cross",
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
		}))
	}

	got, err := store.SignalLogsByVault(ctx, vault, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, domain.DirectionNeutral, got[0].Direction) // 最新的在前
	require.Equal(t, domain.DirectionLong, got[1].Direction)
	require.Equal(t, "cross", got[0].Reason)
}

// TestReconciliationReportRoundTrip 对账报告 JSON 往返，多份报告取最新
func TestReconciliationReportRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	vault := "0xAAAA000000000000000000000000000000000007"

	got, err := store.LatestReconciliationReport(ctx, vault)
	require.NoError(t, err)
	require.Nil(t, got) // 尚无报告

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.InsertReconciliationReport(ctx, &domain.ReconciliationReport{
		VaultAddress: vault,
		GeneratedAt:  base,
		Deltas:       []domain.PositionDelta{},
		Clean:        true,
	}))
	require.NoError(t, store.InsertReconciliationReport(ctx, &domain.ReconciliationReport{
		VaultAddress: vault,
		GeneratedAt:  base.Add(time.Hour),
		Deltas: []domain.PositionDelta{
			{Asset: "ETH", ExpectedUSD: 100, ObservedUSD: 90, DeltaUSD: 10},
		},
		Clean: false,
	}))

	got, err = store.LatestReconciliationReport(ctx, vault)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.False(t, got.Clean)
	require.Len(t, got.Deltas, 1)
	require.Equal(t, "ETH", got.Deltas[0].Asset)
	require.Equal(t, 10.0, got.Deltas[0].DeltaUSD)
}
