package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/internal/metrics"
	"github.com/atlasvault/gotrader/pkg/config"
)

var schedLog = logrus.WithField("component", "scheduler")

// ErrCycleInFlight 该金库已有周期在执行，不排队不并发。
var ErrCycleInFlight = errors.New("scheduler: cycle already in flight for vault")

// ErrVaultUnknown 地址不在调度清单内
var ErrVaultUnknown = errors.New("scheduler: unknown vault")

// PositionReader 调度器需要的链上金库视图
type PositionReader interface {
	AccountPositions(ctx context.Context, vault common.Address) ([]domain.Position, error)
	VaultTVL(ctx context.Context, vault common.Address) (decimal.Decimal, error)
	SharePrice(ctx context.Context, vault common.Address) (decimal.Decimal, error)
}

// Scheduler 周期调度器。
// 固定节拍扫描金库清单，按各自 CheckInterval 决定是否到期；
// 同一金库的周期绝不并发：在途未完成时跳过本轮并记录，绝不排队补偿。
type Scheduler struct {
	engine    *SignalEngine
	executor  *TradeExecutor
	positions PositionReader
	store     *Store
	pool      *WorkerPool

	tick         time.Duration
	cycleTimeout time.Duration

	mu       sync.Mutex
	vaults   []*domain.Vault
	inFlight map[string]bool
	lastRun  map[string]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewVaultsFromConfig 把配置的金库清单转成域对象
func NewVaultsFromConfig(cfgs []config.VaultConfig) []*domain.Vault {
	vaults := make([]*domain.Vault, 0, len(cfgs))
	for _, vc := range cfgs {
		status := domain.VaultStatusActive
		if vc.Paused {
			status = domain.VaultStatusPaused
		}
		vaults = append(vaults, &domain.Vault{
			Address:        vc.Address,
			StrategySlug:   vc.Strategy,
			TraderAddress:  vc.Trader,
			Allowlist:      vc.Allowlist,
			CheckInterval:  vc.CheckInterval,
			MaxPositionUSD: vc.MaxPositionUSD,
			Status:         status,
		})
	}
	return vaults
}

// NewScheduler 创建调度器
func NewScheduler(
	engine *SignalEngine,
	executor *TradeExecutor,
	reader PositionReader,
	store *Store,
	vaults []*domain.Vault,
	cfg config.SchedulerConfig,
) *Scheduler {
	tick := time.Duration(cfg.TickSeconds) * time.Second
	if tick <= 0 {
		tick = time.Minute
	}
	timeout := time.Duration(cfg.CycleTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Scheduler{
		engine:       engine,
		executor:     executor,
		positions:    reader,
		store:        store,
		pool:         NewWorkerPool(cfg.Workers, len(vaults)*2+8),
		tick:         tick,
		cycleTimeout: timeout,
		vaults:       vaults,
		inFlight:     make(map[string]bool),
		lastRun:      make(map[string]time.Time),
	}
}

// Start 启动节拍循环（非阻塞）
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.pool.Start(runCtx)

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()

		s.sweep(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.sweep(runCtx)
			}
		}
	}()
	schedLog.Infof("✅ Scheduler 已启动 (tick=%s vaults=%d)", s.tick, len(s.vaults))
}

// Stop 停止节拍并等待在途周期结束
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return fmt.Errorf("scheduler: stop timed out: %w", ctx.Err())
		}
	}
	return s.pool.Stop(ctx)
}

// sweep 扫一遍金库清单，把到期且空闲的金库派发给任务池。
func (s *Scheduler) sweep(ctx context.Context) {
	now := time.Now()
	for _, vault := range s.vaults {
		vault := vault
		if !vault.IsActive() {
			continue
		}
		key := strings.ToLower(vault.Address)

		s.mu.Lock()
		due := now.Sub(s.lastRun[key]) >= time.Duration(vault.CheckIntervalSeconds())*time.Second
		busy := s.inFlight[key]
		if due && !busy {
			s.inFlight[key] = true
		}
		s.mu.Unlock()

		if !due {
			continue
		}
		if busy {
			// 周期超过 CheckInterval：跳过并告警，绝不排队
			metrics.CyclesSkipped.Add(1)
			schedLog.Warnf("⚠️ 周期仍在执行，跳过本轮: vault=%s", vault.Address)
			continue
		}

		ok := s.pool.Submit(Task{
			Name:    "cycle:" + key,
			Timeout: s.cycleTimeout,
			Do: func(taskCtx context.Context) {
				defer s.finish(key)
				s.runCycle(taskCtx, vault)
			},
		})
		if !ok {
			s.finish(key)
			metrics.CyclesSkipped.Add(1)
		}
	}
}

func (s *Scheduler) finish(key string) {
	s.mu.Lock()
	s.inFlight[key] = false
	s.lastRun[key] = time.Now()
	s.mu.Unlock()
}

// TriggerVault 手动触发一次周期（同步执行）。
// 该金库已有周期在途时拒绝，不排队。
func (s *Scheduler) TriggerVault(ctx context.Context, address string) error {
	return s.RunExclusive(address, func(vault *domain.Vault) error {
		runCtx, cancel := context.WithTimeout(ctx, s.cycleTimeout)
		defer cancel()
		s.runCycle(runCtx, vault)
		return nil
	})
}

// RunExclusive 持有该金库的周期锁执行 fn。
// 调度周期、手动触发、手动下单共用这把锁，保证单金库串行：
// 在途时拒绝（ErrCycleInFlight），绝不排队。
func (s *Scheduler) RunExclusive(address string, fn func(*domain.Vault) error) error {
	target := s.findVault(address)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrVaultUnknown, address)
	}
	key := strings.ToLower(target.Address)

	s.mu.Lock()
	if s.inFlight[key] {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCycleInFlight, address)
	}
	s.inFlight[key] = true
	s.mu.Unlock()
	defer s.finish(key)

	return fn(target)
}

func (s *Scheduler) findVault(address string) *domain.Vault {
	for _, v := range s.vaults {
		if strings.EqualFold(v.Address, address) {
			return v
		}
	}
	return nil
}

// Vaults 当前调度清单（副本）
func (s *Scheduler) Vaults() []*domain.Vault {
	out := make([]*domain.Vault, len(s.vaults))
	copy(out, s.vaults)
	return out
}

// runCycle 单金库完整周期：评估信号 → 记录 → 对照持仓决策 → 执行 → 快照。
func (s *Scheduler) runCycle(ctx context.Context, vault *domain.Vault) {
	metrics.CyclesRun.Add(1)

	signal, evalErr := s.engine.Evaluate(ctx, vault)
	metrics.SignalsEvaluated.Add(1)

	// 无论评估结果如何都落一条信号日志（审计线索不依赖评估成功）
	logEntry := &domain.SignalLog{
		VaultAddress: vault.Address,
		StrategySlug: vault.StrategySlug,
		Asset:        signal.Asset,
		Direction:    signal.Direction,
		Confidence:   signal.Confidence,
		SizeFraction: signal.SizeFraction,
		Reason:       signal.Reason,
		Timestamp:    signal.Timestamp,
	}
	if err := s.store.InsertSignalLog(ctx, logEntry); err != nil {
		schedLog.Errorf("🛑 信号日志落盘失败: vault=%s err=%v", vault.Address, err)
	}

	if evalErr != nil {
		if errors.Is(evalErr, ErrInsufficientData) {
			schedLog.Warnf("⚠️ 数据不足，本周期不交易: vault=%s reason=%s", vault.Address, signal.Reason)
		} else {
			schedLog.Errorf("🛑 信号评估失败: vault=%s err=%v", vault.Address, evalErr)
		}
		return
	}

	vaultAddr := common.HexToAddress(vault.Address)
	all, err := s.positions.AccountPositions(ctx, vaultAddr)
	if err != nil {
		schedLog.Errorf("🛑 持仓读取失败，本周期不交易: vault=%s err=%v", vault.Address, err)
		return
	}
	assetPositions := filterByAsset(all, signal.Asset)
	current := domain.NetDirection(assetPositions)

	switch {
	case signal.Direction == domain.DirectionNeutral:
		if current == domain.DirectionNeutral {
			schedLog.Debugf("信号中性且无持仓，保持空仓: vault=%s", vault.Address)
			break
		}
		// 中性信号 = 离场：平掉该资产现有仓位
		for i := range assetPositions {
			if _, err := s.executor.ClosePosition(ctx, vault, signal, &assetPositions[i]); err != nil {
				s.logTradeError(vault, "中性平仓", err)
			}
		}

	case current == signal.Direction:
		schedLog.Debugf("方向一致，保持持仓: vault=%s %s %s", vault.Address, signal.Asset, current)

	case current == domain.DirectionNeutral:
		if _, err := s.executor.OpenPosition(ctx, vault, signal); err != nil {
			s.logTradeError(vault, "开仓", err)
		}

	default:
		// 反向信号：先平后开
		closedAll := true
		for i := range assetPositions {
			if _, err := s.executor.ClosePosition(ctx, vault, signal, &assetPositions[i]); err != nil {
				s.logTradeError(vault, "平仓", err)
				closedAll = false
			}
		}
		if closedAll {
			if _, err := s.executor.OpenPosition(ctx, vault, signal); err != nil {
				s.logTradeError(vault, "反向开仓", err)
			}
		}
	}

	s.snapshot(ctx, vault, vaultAddr)
}

func (s *Scheduler) logTradeError(vault *domain.Vault, action string, err error) {
	switch {
	case errors.Is(err, ErrTradingDisabled):
		schedLog.Infof("交易已禁用，跳过%s: vault=%s", action, vault.Address)
	default:
		schedLog.Errorf("🛑 %s失败: vault=%s err=%v", action, vault.Address, err)
	}
}

// snapshot 周期末尾采集绩效快照（尽力而为，失败只告警）。
func (s *Scheduler) snapshot(ctx context.Context, vault *domain.Vault, addr common.Address) {
	tvl, err := s.positions.VaultTVL(ctx, addr)
	if err != nil {
		schedLog.Warnf("⚠️ TVL 读取失败: vault=%s err=%v", vault.Address, err)
		return
	}
	sharePrice, err := s.positions.SharePrice(ctx, addr)
	if err != nil {
		schedLog.Warnf("⚠️ 份额价格读取失败: vault=%s err=%v", vault.Address, err)
		return
	}
	positions, err := s.positions.AccountPositions(ctx, addr)
	if err != nil {
		positions = nil
	}
	// 未实现盈亏 = (标记价 − 开仓价) × 带符号持仓量
	var pnl float64
	for i := range positions {
		price, err := s.engine.MarkPrice(ctx, positions[i].Asset)
		if err != nil || price <= 0 {
			continue
		}
		positions[i].MarkPrice = price
		positions[i].UnrealizedPnL = (price - positions[i].EntryPrice) * positions[i].SizeTokens
		pnl += positions[i].UnrealizedPnL
	}
	snap := &domain.VaultSnapshot{
		VaultAddress:  vault.Address,
		Timestamp:     time.Now().UTC(),
		TVL:           tvl.InexactFloat64(),
		SharePrice:    sharePrice.InexactFloat64(),
		Positions:     positions,
		UnrealizedPnL: pnl,
	}
	if err := s.store.InsertPerformanceSnapshot(ctx, snap); err != nil {
		schedLog.Warnf("⚠️ 绩效快照落盘失败: vault=%s err=%v", vault.Address, err)
	}
}

func filterByAsset(positions []domain.Position, asset string) []domain.Position {
	out := make([]domain.Position, 0, len(positions))
	for _, p := range positions {
		if strings.EqualFold(p.Asset, asset) {
			out = append(out, p)
		}
	}
	return out
}
