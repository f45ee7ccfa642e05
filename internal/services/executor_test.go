package services

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/internal/gmx"
	"github.com/atlasvault/gotrader/internal/risk"
	"github.com/atlasvault/gotrader/pkg/config"
)

const (
	execVault  = "0x1111111111111111111111111111111111111111"
	execTrader = "0x2222222222222222222222222222222222222222"
	execMarket = "0x47c031236e19d024b42f8AE6780E44A573170703"
)

type fakeTxChain struct {
	sent        []*types.Transaction
	sendErr     error
	receipt     *types.Receipt
	receiptErr  error
	estimateErr error
}

func (f *fakeTxChain) GasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(20_000_000), nil
}

func (f *fakeTxChain) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return 7, nil
}

func (f *fakeTxChain) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	if f.estimateErr != nil {
		return 0, f.estimateErr
	}
	return 1_000_000, nil
}

func (f *fakeTxChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeTxChain) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return f.receipt, f.receiptErr
}

type fakeTxSigner struct{}

func (fakeTxSigner) Address() common.Address { return common.HexToAddress(execTrader) }

func (fakeTxSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) { return tx, nil }

type fakeMarkets struct{}

func (fakeMarkets) MarketForAsset(ctx context.Context, asset string) (common.Address, error) {
	return common.HexToAddress(execMarket), nil
}

func executorGMXConfig() config.GMXConfig {
	return config.GMXConfig{
		ExchangeRouter:   "0x900173A66dbD345006C51fA35fA3aB760FcD843b",
		OrderVault:       "0x31eF83a530Fde1B38EE9A18093A333D8Bbbc40D5",
		CollateralToken:  testUSDC,
		FeeToken:         testWETH,
		UIFeeReceiver:    "0x0000000000000000000000000000000000000000",
		V2Guard:          "0x4444444444444444444444444444444444444444",
		SlippageBps:      50,
		KeeperGasUnits:   5_000_000,
		CallbackGasLimit: 750_000,
		FeeFloorWei:      "100000000000000",
	}
}

func executorVault() *domain.Vault {
	return &domain.Vault{
		Address:       execVault,
		StrategySlug:  "baseline-smacross",
		TraderAddress: execTrader,
		Allowlist:     []string{"BTC"},
		Status:        domain.VaultStatusActive,
	}
}

func executorSignal() domain.Signal {
	return domain.Signal{
		Direction:    domain.DirectionLong,
		Confidence:   1,
		SizeFraction: 0.1,
		Asset:        "BTC",
		Timeframe:    "1m",
		StrategySlug: "baseline-smacross",
		MarkPrice:    50_000,
		Timestamp:    time.Now().UTC(),
	}
}

func newTestExecutor(t *testing.T, txChain TxChain, tradingCfg config.TradingConfig) (*TradeExecutor, *Store) {
	t.Helper()
	return newTestExecutorRetries(t, txChain, tradingCfg, 1)
}

func newTestExecutorRetries(t *testing.T, txChain TxChain, tradingCfg config.TradingConfig, retries int) (*TradeExecutor, *Store) {
	t.Helper()
	gmxCfg := executorGMXConfig()

	store, err := OpenStore(filepath.Join(t.TempDir(), "exec.db"))
	if err != nil {
		t.Fatalf("打开存储失败: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	chainq := &fakeChainQuerier{
		gasPrice: big.NewInt(20_000_000),
		balances: map[common.Address]*big.Int{
			common.HexToAddress(testUSDC): big.NewInt(1_000_000_000),           // $1000
			common.HexToAddress(testWETH): big.NewInt(1_000_000_000_000_000_0), // 0.01 ETH
		},
	}
	sizer, err := NewSizer(chainq, gmxCfg, tradingCfg)
	if err != nil {
		t.Fatalf("NewSizer error: %v", err)
	}
	validator := risk.NewValidator(risk.Limits{
		MaxLeverage:    decimal.NewFromInt(10),
		MinPositionUSD: decimal.NewFromInt(2),
	})
	breakers := risk.NewBreakerSet(risk.CircuitBreakerConfig{
		MaxConsecutiveFailures: 5,
		Cooldown:               time.Hour,
	})
	exec := NewTradeExecutor(txChain, fakeTxSigner{}, fakeMarkets{}, gmx.NewOrderBuilder(gmxCfg),
		sizer, validator, breakers, store,
		config.ChainConfig{SubmitRetries: retries}, gmxCfg, tradingCfg)
	return exec, store
}

// TestOpenPositionConfirmed 完整提交路径：PENDING 落盘 → 回执成功 → CONFIRMED
func TestOpenPositionConfirmed(t *testing.T) {
	txChain := &fakeTxChain{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful, GasUsed: 900_000}}
	exec, store := newTestExecutor(t, txChain, config.TradingConfig{Enabled: true, DefaultLeverage: 5})

	record, err := exec.OpenPosition(context.Background(), executorVault(), executorSignal())
	if err != nil {
		t.Fatalf("OpenPosition error: %v", err)
	}
	if record.Status != domain.TradeStatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", record.Status)
	}
	if record.TxHash == "" {
		t.Fatal("确认交易必须带哈希")
	}
	if len(txChain.sent) != 1 {
		t.Fatalf("应提交 1 笔交易, got %d", len(txChain.sent))
	}

	stored, err := store.TradesByVault(context.Background(), execVault, 10)
	if err != nil {
		t.Fatalf("读取交易失败: %v", err)
	}
	if len(stored) != 1 || stored[0].Status != domain.TradeStatusConfirmed {
		t.Fatalf("落盘记录不符: %+v", stored)
	}
	if stored[0].GasUsed != 900_000 {
		t.Fatalf("gasUsed = %d, want 900000", stored[0].GasUsed)
	}
}

// TestOpenPositionDisabled 交易开关关闭时直接拒绝，不触链不落盘
func TestOpenPositionDisabled(t *testing.T) {
	txChain := &fakeTxChain{}
	exec, store := newTestExecutor(t, txChain, config.TradingConfig{Enabled: false, DefaultLeverage: 5})

	if _, err := exec.OpenPosition(context.Background(), executorVault(), executorSignal()); !errors.Is(err, ErrTradingDisabled) {
		t.Fatalf("expected ErrTradingDisabled, got %v", err)
	}
	if len(txChain.sent) != 0 {
		t.Fatal("禁用状态不应触链")
	}
	stored, _ := store.TradesByVault(context.Background(), execVault, 10)
	if len(stored) != 0 {
		t.Fatalf("禁用状态不应落盘, got %+v", stored)
	}
}

// TestOpenPositionDryRun dry-run 走完整构建但不提交：无哈希、无落盘记录
func TestOpenPositionDryRun(t *testing.T) {
	txChain := &fakeTxChain{}
	exec, store := newTestExecutor(t, txChain, config.TradingConfig{Enabled: true, DryRun: true, DefaultLeverage: 5})

	record, err := exec.OpenPosition(context.Background(), executorVault(), executorSignal())
	if err != nil {
		t.Fatalf("OpenPosition error: %v", err)
	}
	if record.TxHash != "" {
		t.Fatalf("dry-run 不应有交易哈希, got %s", record.TxHash)
	}
	if len(txChain.sent) != 0 {
		t.Fatal("dry-run 不应触链")
	}
	stored, _ := store.TradesByVault(context.Background(), execVault, 10)
	if len(stored) != 0 {
		t.Fatalf("dry-run 不应落盘, got %+v", stored)
	}
}

// TestOpenPositionWouldRevert gas 预估回滚视为必败，中止且不落盘
func TestOpenPositionWouldRevert(t *testing.T) {
	txChain := &fakeTxChain{estimateErr: errors.New("execution reverted: asset not enabled")}
	exec, store := newTestExecutor(t, txChain, config.TradingConfig{Enabled: true, DefaultLeverage: 5})

	_, err := exec.OpenPosition(context.Background(), executorVault(), executorSignal())
	if !errors.Is(err, ErrWouldRevert) {
		t.Fatalf("expected ErrWouldRevert, got %v", err)
	}
	if len(txChain.sent) != 0 {
		t.Fatal("必败交易不应提交")
	}
	stored, _ := store.TradesByVault(context.Background(), execVault, 10)
	if len(stored) != 0 {
		t.Fatalf("必败交易不应落盘, got %+v", stored)
	}
}

// TestSubmitExhaustedPersistsFailed 提交重试耗尽后落 FAILED 记录并计入熔断
func TestSubmitExhaustedPersistsFailed(t *testing.T) {
	txChain := &fakeTxChain{sendErr: errors.New("nonce too low")}
	exec, store := newTestExecutor(t, txChain, config.TradingConfig{Enabled: true, DefaultLeverage: 5})

	record, err := exec.OpenPosition(context.Background(), executorVault(), executorSignal())
	if err == nil {
		t.Fatal("expected submit error")
	}
	if record == nil || record.Status != domain.TradeStatusFailed {
		t.Fatalf("record = %+v, want FAILED", record)
	}
	stored, _ := store.TradesByVault(context.Background(), execVault, 10)
	if len(stored) != 1 || stored[0].Status != domain.TradeStatusFailed {
		t.Fatalf("FAILED 记录应落盘, got %+v", stored)
	}
	if stored[0].TxHash != "" {
		t.Fatal("提交失败的记录不应有哈希")
	}
}

// TestPreviewOpen 预检返回完整订单明细（含 execTransaction calldata），不触链不落盘
func TestPreviewOpen(t *testing.T) {
	txChain := &fakeTxChain{}
	// 预检在交易禁用时也可用
	exec, store := newTestExecutor(t, txChain, config.TradingConfig{Enabled: false, DefaultLeverage: 5})

	preview, err := exec.PreviewOpen(context.Background(), executorVault(), executorSignal())
	if err != nil {
		t.Fatalf("PreviewOpen error: %v", err)
	}
	if preview.Asset != "BTC" || preview.Direction != "LONG" || preview.Kind != "increase" {
		t.Fatalf("preview 明细不符: %+v", preview)
	}
	if preview.NotionalUSD != "100" || preview.CollateralUSD != "20" {
		t.Fatalf("preview 尺寸不符: %+v", preview)
	}
	if !strings.HasPrefix(preview.Calldata, "0x") || len(preview.Calldata) < 10 {
		t.Fatalf("calldata 不符: %s", preview.Calldata)
	}
	if len(txChain.sent) != 0 {
		t.Fatal("预检不应触链")
	}
	stored, _ := store.TradesByVault(context.Background(), execVault, 10)
	if len(stored) != 0 {
		t.Fatalf("预检不应落盘, got %+v", stored)
	}
}

// cancelOnSubmitChain 首次提交时取消父上下文并返回暂时性错误，
// 用于验证提交开始后的链上调用不受关闭取消影响。
type cancelOnSubmitChain struct {
	*fakeTxChain
	cancel  context.CancelFunc
	failAll bool
	calls   int
}

func (c *cancelOnSubmitChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.calls++
	if c.calls == 1 {
		c.cancel()
		return errors.New("connection reset during submit")
	}
	if c.failAll {
		return errors.New("connection reset during submit")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.fakeTxChain.SendTransaction(ctx, tx)
}

// TestOpenPositionSurvivesShutdownCancel 提交开始后父上下文取消不中断在途交易：
// 重试照常退避、回执照常等待、CONFIRMED 照常落盘。
func TestOpenPositionSurvivesShutdownCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chain := &cancelOnSubmitChain{
		fakeTxChain: &fakeTxChain{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}},
		cancel:      cancel,
	}
	exec, store := newTestExecutorRetries(t, chain, config.TradingConfig{Enabled: true, DefaultLeverage: 5}, 2)

	record, err := exec.OpenPosition(ctx, executorVault(), executorSignal())
	if err != nil {
		t.Fatalf("OpenPosition error: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatal("父上下文应已被取消")
	}
	if chain.calls != 2 {
		t.Fatalf("取消后仍应完成第二次提交, calls = %d", chain.calls)
	}
	if record.Status != domain.TradeStatusConfirmed {
		t.Fatalf("status = %s, want CONFIRMED", record.Status)
	}
	stored, err := store.TradesByVault(context.Background(), execVault, 10)
	if err != nil {
		t.Fatalf("读取交易失败: %v", err)
	}
	if len(stored) != 1 || stored[0].Status != domain.TradeStatusConfirmed {
		t.Fatalf("落盘记录不符: %+v", stored)
	}
}

// TestSubmitExhaustedUnderCancelPersistsFailed 取消与提交失败叠加时, FAILED 终态仍须落盘
func TestSubmitExhaustedUnderCancelPersistsFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	chain := &cancelOnSubmitChain{fakeTxChain: &fakeTxChain{}, cancel: cancel, failAll: true}
	exec, store := newTestExecutorRetries(t, chain, config.TradingConfig{Enabled: true, DefaultLeverage: 5}, 2)

	record, err := exec.OpenPosition(ctx, executorVault(), executorSignal())
	if err == nil {
		t.Fatal("expected submit error")
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("不应以上下文取消中止: %v", err)
	}
	if chain.calls != 2 {
		t.Fatalf("应重试满 2 次, got %d", chain.calls)
	}
	if record == nil || record.Status != domain.TradeStatusFailed {
		t.Fatalf("record = %+v, want FAILED", record)
	}
	stored, _ := store.TradesByVault(context.Background(), execVault, 10)
	if len(stored) != 1 || stored[0].Status != domain.TradeStatusFailed {
		t.Fatalf("FAILED 记录应落盘, got %+v", stored)
	}
}

// TestBreakerIsolatedPerVault 一个金库连续失败触发熔断后，其他金库照常交易
func TestBreakerIsolatedPerVault(t *testing.T) {
	txChain := &fakeTxChain{sendErr: errors.New("nonce too low")}
	exec, _ := newTestExecutor(t, txChain, config.TradingConfig{Enabled: true, DefaultLeverage: 5})

	vaultA := executorVault()
	for i := 0; i < 5; i++ {
		if _, err := exec.OpenPosition(context.Background(), vaultA, executorSignal()); err == nil {
			t.Fatal("expected submit error")
		}
	}
	if _, err := exec.OpenPosition(context.Background(), vaultA, executorSignal()); !errors.Is(err, risk.ErrCircuitBreakerOpen) {
		t.Fatalf("连续失败后该金库应熔断, got %v", err)
	}

	vaultB := executorVault()
	vaultB.Address = "0x3333333333333333333333333333333333333333"
	if _, err := exec.OpenPosition(context.Background(), vaultB, executorSignal()); errors.Is(err, risk.ErrCircuitBreakerOpen) {
		t.Fatalf("其他金库不应被熔断: %v", err)
	}
}

// TestPreviewOpenUSD 人工指定名义仓位的预检：collateral = notional / leverage
func TestPreviewOpenUSD(t *testing.T) {
	txChain := &fakeTxChain{}
	exec, _ := newTestExecutor(t, txChain, config.TradingConfig{Enabled: true, DefaultLeverage: 5})

	preview, err := exec.PreviewOpenUSD(context.Background(), executorVault(), executorSignal(), 20)
	if err != nil {
		t.Fatalf("PreviewOpenUSD error: %v", err)
	}
	if preview.NotionalUSD != "20" || preview.CollateralUSD != "4" {
		t.Fatalf("人工尺寸不符: %+v", preview)
	}
	if len(txChain.sent) != 0 {
		t.Fatal("预检不应触链")
	}
}

// TestBackoffDelay 提交重试的指数退避序列
func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second}
	for i, w := range want {
		if got := backoffDelay(i + 1); got != w {
			t.Fatalf("backoffDelay(%d) = %s, want %s", i+1, got, w)
		}
	}
}

// TestClosePositionDecrease 平仓走 MarketDecrease，记录方向为 NEUTRAL
func TestClosePositionDecrease(t *testing.T) {
	txChain := &fakeTxChain{receipt: &types.Receipt{Status: types.ReceiptStatusSuccessful}}
	exec, _ := newTestExecutor(t, txChain, config.TradingConfig{Enabled: true, DefaultLeverage: 5})

	pos := &domain.Position{Asset: "BTC", SizeUSD: -100, MarkPrice: 50_000}
	record, err := exec.ClosePosition(context.Background(), executorVault(), executorSignal(), pos)
	if err != nil {
		t.Fatalf("ClosePosition error: %v", err)
	}
	if record.Direction != domain.DirectionNeutral {
		t.Fatalf("平仓记录方向 = %s, want NEUTRAL", record.Direction)
	}
	if record.SizeUSD != 100 {
		t.Fatalf("平仓名义 = %.2f, want 100", record.SizeUSD)
	}
}
