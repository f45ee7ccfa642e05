package services

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/internal/metrics"
	"github.com/atlasvault/gotrader/pkg/config"
)

var reconLog = logrus.WithField("component", "reconciler")

// ReceiptChecker 单次回执查询（未打包 → nil, nil）
type ReceiptChecker interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Reconciler 对账器。
// 独立节拍运行：把本地 CONFIRMED 交易净额推导出的预期持仓，与链上实际持仓
// 逐资产对比，超出容忍即告警并落盘报告。只标记差异，绝不自动纠偏——
// 纠偏交易本身可能失败，让对账器下单会让账目问题变成资金问题。
// 同时扫描超时的 PENDING 记录：回执后来出现的也只标记，不自动晋级终态。
type Reconciler struct {
	store    *Store
	reader   PositionReader
	receipts ReceiptChecker
	vaults   []*domain.Vault

	interval     time.Duration
	toleranceUSD float64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewReconciler 创建对账器
func NewReconciler(store *Store, reader PositionReader, receipts ReceiptChecker, vaults []*domain.Vault, cfg config.ReconcilerConfig) *Reconciler {
	interval := time.Duration(cfg.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	tolerance := cfg.ToleranceUSD
	if tolerance <= 0 {
		tolerance = 1.0
	}
	return &Reconciler{
		store:        store,
		reader:       reader,
		receipts:     receipts,
		vaults:       vaults,
		interval:     interval,
		toleranceUSD: tolerance,
	}
}

// Start 启动对账循环（非阻塞）
func (r *Reconciler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.runOnce(runCtx)
			}
		}
	}()
	reconLog.Infof("✅ Reconciler 已启动 (interval=%s tolerance=$%.2f)", r.interval, r.toleranceUSD)
}

// Stop 停止对账循环
func (r *Reconciler) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.done != nil {
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("reconciler: stop timed out: %w", ctx.Err())
		}
	}
	return nil
}

// runOnce 一轮完整对账：先扫 PENDING，再逐金库对比持仓。
func (r *Reconciler) runOnce(ctx context.Context) {
	metrics.ReconcileRuns.Add(1)
	r.sweepPending(ctx)
	for _, vault := range r.vaults {
		if !vault.IsActive() {
			continue
		}
		report, err := r.ReconcileVault(ctx, vault)
		if err != nil {
			reconLog.Errorf("🛑 对账失败: vault=%s err=%v", vault.Address, err)
			continue
		}
		if err := r.store.InsertReconciliationReport(ctx, report); err != nil {
			reconLog.Errorf("🛑 对账报告落盘失败: vault=%s err=%v", vault.Address, err)
		}
	}
}

// ReconcileVault 对单个金库对账并返回报告（调用方决定是否落盘）。
func (r *Reconciler) ReconcileVault(ctx context.Context, vault *domain.Vault) (*domain.ReconciliationReport, error) {
	expected, err := r.expectedExposure(ctx, vault.Address)
	if err != nil {
		return nil, fmt.Errorf("reconciler: expected exposure: %w", err)
	}

	observed := make(map[string]float64)
	positions, err := r.reader.AccountPositions(ctx, common.HexToAddress(vault.Address))
	if err != nil {
		return nil, fmt.Errorf("reconciler: on-chain positions: %w", err)
	}
	for _, p := range positions {
		observed[strings.ToUpper(p.Asset)] += p.SizeUSD
	}

	assets := make(map[string]struct{})
	for a := range expected {
		assets[a] = struct{}{}
	}
	for a := range observed {
		assets[a] = struct{}{}
	}
	names := make([]string, 0, len(assets))
	for a := range assets {
		names = append(names, a)
	}
	sort.Strings(names)

	report := &domain.ReconciliationReport{
		VaultAddress: vault.Address,
		GeneratedAt:  time.Now().UTC(),
		Clean:        true,
	}
	for _, asset := range names {
		delta := domain.PositionDelta{
			Asset:       asset,
			ExpectedUSD: expected[asset],
			ObservedUSD: observed[asset],
			DeltaUSD:    observed[asset] - expected[asset],
		}
		report.Deltas = append(report.Deltas, delta)
		if !delta.InTolerance(r.toleranceUSD) {
			report.Clean = false
			metrics.ReconcileMismatches.Add(1)
			reconLog.Warnf("⚠️ 持仓不一致: vault=%s asset=%s expected=$%.2f observed=$%.2f delta=$%.2f",
				vault.Address, asset, delta.ExpectedUSD, delta.ObservedUSD, delta.DeltaUSD)
		}
	}
	return report, nil
}

// expectedExposure 按时间顺序回放 CONFIRMED 交易，推导逐资产的净名义仓位。
// 开仓按方向累加；平仓把净额向零收缩（不越过零）。
func (r *Reconciler) expectedExposure(ctx context.Context, vaultAddr string) (map[string]float64, error) {
	trades, err := r.store.ConfirmedTradesByVault(ctx, vaultAddr)
	if err != nil {
		return nil, err
	}

	net := make(map[string]float64)
	for _, t := range trades {
		asset := strings.ToUpper(t.Asset)
		switch t.Direction {
		case domain.DirectionLong:
			net[asset] += t.SizeUSD
		case domain.DirectionShort:
			net[asset] -= t.SizeUSD
		default:
			// 平仓记录方向为 NEUTRAL：向零收缩
			cur := net[asset]
			reduce := math.Min(math.Abs(cur), t.SizeUSD)
			if cur > 0 {
				net[asset] = cur - reduce
			} else {
				net[asset] = cur + reduce
			}
		}
	}
	for asset, v := range net {
		if v == 0 {
			delete(net, asset)
		}
	}
	return net, nil
}

// sweepPending 扫描 PENDING 记录：回执后来出现的只告警标记，不自动晋级。
// 终态晋级是人工决定（回执出现 ≠ 交易语义成功，GMX keeper 可能已取消订单）。
func (r *Reconciler) sweepPending(ctx context.Context) {
	pending, err := r.store.PendingTrades(ctx)
	if err != nil {
		reconLog.Errorf("🛑 PENDING 记录读取失败: %v", err)
		return
	}
	for _, trade := range pending {
		if trade.TxHash == "" {
			continue
		}
		receipt, err := r.receipts.TransactionReceipt(ctx, common.HexToHash(trade.TxHash))
		if err != nil {
			reconLog.Warnf("⚠️ 回执查询失败: tx=%s err=%v", trade.TxHash, err)
			continue
		}
		if receipt == nil {
			continue
		}
		outcome := "reverted"
		if receipt.Status == types.ReceiptStatusSuccessful {
			outcome = "succeeded"
		}
		metrics.ReconcileMismatches.Add(1)
		reconLog.Warnf("⚠️ PENDING 交易已有回执 (%s)，需人工处理: id=%s tx=%s age=%s",
			outcome, trade.ID, trade.TxHash, time.Since(trade.CreatedAt).Truncate(time.Second))
	}
}
