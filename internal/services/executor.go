package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/atlasvault/gotrader/internal/chain"
	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/internal/gmx"
	"github.com/atlasvault/gotrader/internal/metrics"
	"github.com/atlasvault/gotrader/internal/risk"
	"github.com/atlasvault/gotrader/pkg/config"
)

var execLog = logrus.WithField("component", "executor")

var (
	// ErrTradingDisabled 配置层关闭了交易执行
	ErrTradingDisabled = errors.New("executor: trading is disabled by config")
	// ErrWouldRevert 预估 gas 时合约回滚，提交必然失败
	ErrWouldRevert = errors.New("executor: transaction would revert")
)

const (
	// 预估失败（非回滚）时的兜底 gas 上限
	fallbackGasLimit = 2_000_000
	// gas 预估放大分子/分母（1.3x）
	gasBufferNum = 13
	gasBufferDen = 10

	submitBackoffBase = 500 * time.Millisecond
)

// backoffDelay 第 attempt 次提交失败后的等待时长（指数退避，base × 2^(attempt-1)）
func backoffDelay(attempt int) time.Duration {
	return submitBackoffBase << (attempt - 1)
}

// TxChain 执行器需要的链上能力子集
type TxChain interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// TxSigner 交易签名者
type TxSigner interface {
	Address() common.Address
	SignTx(tx *types.Transaction) (*types.Transaction, error)
}

// MarketResolver 资产符号 → GMX 市场地址
type MarketResolver interface {
	MarketForAsset(ctx context.Context, asset string) (common.Address, error)
}

// TradeExecutor 把信号变成链上交易：
// 尺寸计算 → 风控校验 → 订单编码 → 签名提交 → 回执确认 → 持久化。
// 每一步失败都落盘可审计；确认超时保持 PENDING，交由对账器补账。
type TradeExecutor struct {
	chain     TxChain
	signer    TxSigner
	markets   MarketResolver
	builder   *gmx.OrderBuilder
	sizer     *Sizer
	validator *risk.Validator
	breakers  *risk.BreakerSet
	store     *Store

	enabled         bool
	dryRun          bool
	submitRetries   int
	slippageBps     int64
	collateralToken string
	defaultLeverage decimal.Decimal
}

// NewTradeExecutor 创建交易执行器
func NewTradeExecutor(
	txChain TxChain,
	signer TxSigner,
	markets MarketResolver,
	builder *gmx.OrderBuilder,
	sizer *Sizer,
	validator *risk.Validator,
	breakers *risk.BreakerSet,
	store *Store,
	chainCfg config.ChainConfig,
	gmxCfg config.GMXConfig,
	tradingCfg config.TradingConfig,
) *TradeExecutor {
	retries := chainCfg.SubmitRetries
	if retries <= 0 {
		retries = 1
	}
	return &TradeExecutor{
		chain:           txChain,
		signer:          signer,
		markets:         markets,
		builder:         builder,
		sizer:           sizer,
		validator:       validator,
		breakers:        breakers,
		store:           store,
		enabled:         tradingCfg.Enabled,
		dryRun:          tradingCfg.DryRun,
		submitRetries:   retries,
		slippageBps:     gmxCfg.SlippageBps,
		collateralToken: gmxCfg.CollateralToken,
		defaultLeverage: decimal.NewFromInt(tradingCfg.DefaultLeverage),
	}
}

// OpenPosition 按信号开仓（MarketIncrease），仓位由信号比例与金库余额推算。
func (e *TradeExecutor) OpenPosition(ctx context.Context, vault *domain.Vault, signal domain.Signal) (*domain.TradeRecord, error) {
	if !e.enabled {
		return nil, ErrTradingDisabled
	}
	if err := e.breakers.For(vault.Address).AllowTrading(); err != nil {
		return nil, err
	}
	req, err := e.openRequest(ctx, vault, signal)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, vault, signal, req)
}

// OpenPositionUSD 按人工指定的名义仓位（USD）开仓，用于控制面手动下单。
func (e *TradeExecutor) OpenPositionUSD(ctx context.Context, vault *domain.Vault, signal domain.Signal, notionalUSD float64) (*domain.TradeRecord, error) {
	if !e.enabled {
		return nil, ErrTradingDisabled
	}
	if err := e.breakers.For(vault.Address).AllowTrading(); err != nil {
		return nil, err
	}
	req, err := e.openRequestUSD(ctx, vault, signal, notionalUSD)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, vault, signal, req)
}

// ClosePosition 平掉现有仓位（MarketDecrease，保证金转移为 0）。
// 平仓方向记录为仓位自身方向，价格容忍取反方向。
func (e *TradeExecutor) ClosePosition(ctx context.Context, vault *domain.Vault, signal domain.Signal, pos *domain.Position) (*domain.TradeRecord, error) {
	if !e.enabled {
		return nil, ErrTradingDisabled
	}
	if err := e.breakers.For(vault.Address).AllowTrading(); err != nil {
		return nil, err
	}
	req, err := e.closeRequest(ctx, signal, pos, vault)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, vault, signal, req)
}

// OrderPreview 构建完成但未提交的订单视图（预检用）
type OrderPreview struct {
	Asset         string `json:"asset"`
	Direction     string `json:"direction"`
	Kind          string `json:"kind"`
	NotionalUSD   string `json:"notional_usd"`
	CollateralUSD string `json:"collateral_usd"`
	Leverage      string `json:"leverage"`
	FeeWei        string `json:"fee_wei"`
	Calldata      string `json:"calldata"`
}

// PreviewOpen 走完整尺寸/风控/编码管线但不提交不落盘，返回订单明细。
// 不检查交易开关：预检在交易禁用时也要可用。
func (e *TradeExecutor) PreviewOpen(ctx context.Context, vault *domain.Vault, signal domain.Signal) (*OrderPreview, error) {
	req, err := e.openRequest(ctx, vault, signal)
	if err != nil {
		return nil, err
	}
	return e.preview(ctx, vault, req)
}

// PreviewOpenUSD 人工指定名义仓位的开仓预检。
func (e *TradeExecutor) PreviewOpenUSD(ctx context.Context, vault *domain.Vault, signal domain.Signal, notionalUSD float64) (*OrderPreview, error) {
	req, err := e.openRequestUSD(ctx, vault, signal, notionalUSD)
	if err != nil {
		return nil, err
	}
	return e.preview(ctx, vault, req)
}

// PreviewClose 平仓预检，规则同 PreviewOpen。
func (e *TradeExecutor) PreviewClose(ctx context.Context, vault *domain.Vault, signal domain.Signal, pos *domain.Position) (*OrderPreview, error) {
	req, err := e.closeRequest(ctx, signal, pos, vault)
	if err != nil {
		return nil, err
	}
	return e.preview(ctx, vault, req)
}

func (e *TradeExecutor) openRequest(ctx context.Context, vault *domain.Vault, signal domain.Signal) (*domain.OrderRequest, error) {
	size, err := e.sizer.SizeOrder(ctx, vault, signal)
	if err != nil {
		return nil, err
	}
	return e.increaseRequest(vault, signal, size), nil
}

func (e *TradeExecutor) openRequestUSD(ctx context.Context, vault *domain.Vault, signal domain.Signal, notionalUSD float64) (*domain.OrderRequest, error) {
	size, err := e.sizer.SizeFixed(ctx, vault, decimal.NewFromFloat(notionalUSD))
	if err != nil {
		return nil, err
	}
	return e.increaseRequest(vault, signal, size), nil
}

func (e *TradeExecutor) increaseRequest(vault *domain.Vault, signal domain.Signal, size *OrderSize) *domain.OrderRequest {
	return &domain.OrderRequest{
		VaultAddress:    vault.Address,
		Asset:           signal.Asset,
		Direction:       signal.Direction,
		Kind:            domain.OrderKindIncrease,
		NotionalUSD:     size.NotionalUSD,
		CollateralUSD:   size.CollateralUSD,
		Leverage:        size.Leverage,
		ExecutionFeeWei: size.FeeWei,
		SlippageBps:     e.slippageBps,
		MarkPrice:       signal.MarkPrice,
		CollateralToken: e.collateralToken,
	}
}

func (e *TradeExecutor) closeRequest(ctx context.Context, signal domain.Signal, pos *domain.Position, vault *domain.Vault) (*domain.OrderRequest, error) {
	fee, err := e.sizer.ExecutionFee(ctx)
	if err != nil {
		return nil, err
	}
	direction := domain.NetDirection([]domain.Position{*pos})
	if direction == domain.DirectionNeutral {
		return nil, fmt.Errorf("executor: position %s has no direction", pos.Asset)
	}
	return &domain.OrderRequest{
		VaultAddress:    vault.Address,
		Asset:           pos.Asset,
		Direction:       direction,
		Kind:            domain.OrderKindDecrease,
		NotionalUSD:     decimal.NewFromFloat(math.Abs(pos.SizeUSD)),
		CollateralUSD:   decimal.Zero,
		Leverage:        e.defaultLeverage,
		ExecutionFeeWei: fee,
		SlippageBps:     e.slippageBps,
		MarkPrice:       signal.MarkPrice,
		CollateralToken: e.collateralToken,
	}, nil
}

// buildOrder 校验并编码：风控 → 市场解析 → multicall → execTransaction 包装。
func (e *TradeExecutor) buildOrder(ctx context.Context, vault *domain.Vault, req *domain.OrderRequest) (*gmx.Order, []byte, error) {
	approval, err := e.validator.Validate(risk.CheckRequest{
		Vault:         vault,
		Asset:         req.Asset,
		SignerAddress: e.signer.Address().Hex(),
		Leverage:      req.Leverage,
		NotionalUSD:   req.NotionalUSD,
	})
	if err != nil {
		execLog.Warnf("⚠️ 风控拒绝: vault=%s asset=%s err=%v", vault.Address, req.Asset, err)
		return nil, nil, err
	}

	market, err := e.markets.MarketForAsset(ctx, req.Asset)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: resolve market: %w", err)
	}
	order, err := e.builder.Build(req, market, approval)
	if err != nil {
		return nil, nil, fmt.Errorf("executor: build order: %w", err)
	}
	calldata, err := order.ExecCalldata()
	if err != nil {
		return nil, nil, fmt.Errorf("executor: wrap exec calldata: %w", err)
	}
	return order, calldata, nil
}

// preview 构建完成即返回，不触链不落盘。
func (e *TradeExecutor) preview(ctx context.Context, vault *domain.Vault, req *domain.OrderRequest) (*OrderPreview, error) {
	_, calldata, err := e.buildOrder(ctx, vault, req)
	if err != nil {
		return nil, err
	}
	kind := "increase"
	if req.Kind == domain.OrderKindDecrease {
		kind = "decrease"
	}
	return &OrderPreview{
		Asset:         req.Asset,
		Direction:     req.Direction.String(),
		Kind:          kind,
		NotionalUSD:   req.NotionalUSD.String(),
		CollateralUSD: req.CollateralUSD.String(),
		Leverage:      req.Leverage.String(),
		FeeWei:        req.ExecutionFeeWei.String(),
		Calldata:      hexutil.Encode(calldata),
	}, nil
}

// execute 共同路径：校验 → 编码 → 提交 → 确认 → 落盘。
func (e *TradeExecutor) execute(ctx context.Context, vault *domain.Vault, signal domain.Signal, req *domain.OrderRequest) (*domain.TradeRecord, error) {
	_, calldata, err := e.buildOrder(ctx, vault, req)
	if err != nil {
		return nil, err
	}

	record := &domain.TradeRecord{
		VaultAddress: vault.Address,
		StrategySlug: signal.StrategySlug,
		Asset:        req.Asset,
		Direction:    req.Direction,
		SizeUSD:      req.NotionalUSD.InexactFloat64(),
		FeeWei:       req.ExecutionFeeWei.String(),
		Status:       domain.TradeStatusPending,
	}
	if req.Kind == domain.OrderKindDecrease {
		record.Direction = domain.DirectionNeutral
	}

	// dry-run：订单构建完整走完，不提交也不落盘（无交易哈希，无记录）
	if e.dryRun {
		execLog.Infof("🧪 dry-run: vault=%s asset=%s notional=%s fee=%s calldata=%dB (未提交)",
			vault.Address, req.Asset, req.NotionalUSD, req.ExecutionFeeWei, len(calldata))
		return record, nil
	}

	tx, err := e.signAndPrepare(ctx, vault, calldata)
	if err != nil {
		return nil, err
	}

	// 提交开始后屏蔽取消：在途链上调用只允许完成或自行超时，
	// 终态必须落盘。关闭流程等待周期结束，不在这里截断。
	ctx = context.WithoutCancel(ctx)
	breaker := e.breakers.For(vault.Address)

	if err := e.submitWithRetry(ctx, tx); err != nil {
		record.Status = domain.TradeStatusFailed
		record.Error = err.Error()
		if insErr := e.store.InsertTrade(ctx, record); insErr != nil {
			execLog.Errorf("🛑 提交失败且落盘失败: %v (原始错误: %v)", insErr, err)
		}
		breaker.OnFailure()
		metrics.TradesFailed.Add(1)
		return record, err
	}

	record.TxHash = tx.Hash().Hex()
	if err := e.store.InsertTrade(ctx, record); err != nil {
		return nil, fmt.Errorf("executor: persist pending trade: %w", err)
	}
	metrics.TradesSubmitted.Add(1)
	execLog.Infof("📤 已提交: vault=%s asset=%s tx=%s", vault.Address, req.Asset, record.TxHash)

	receipt, err := e.chain.WaitForReceipt(ctx, tx.Hash())
	if err != nil {
		if errors.Is(err, chain.ErrConfirmationTimeout) {
			// 未确认不等于失败：保持 PENDING，由对账器后续补账
			execLog.Warnf("⚠️ 确认超时，保持 PENDING: tx=%s", record.TxHash)
			return record, nil
		}
		return record, fmt.Errorf("executor: wait receipt: %w", err)
	}

	if receipt.Status == types.ReceiptStatusSuccessful {
		if err := e.store.UpdateTradeStatus(ctx, record.ID, domain.TradeStatusConfirmed, "", "", receipt.GasUsed); err != nil {
			return record, fmt.Errorf("executor: mark confirmed: %w", err)
		}
		record.Status = domain.TradeStatusConfirmed
		record.GasUsed = receipt.GasUsed
		breaker.OnSuccess()
		metrics.TradesConfirmed.Add(1)
		execLog.Infof("✅ 已确认: tx=%s gas=%d", record.TxHash, receipt.GasUsed)
		return record, nil
	}

	if err := e.store.UpdateTradeStatus(ctx, record.ID, domain.TradeStatusReverted, "", "on-chain revert", receipt.GasUsed); err != nil {
		return record, fmt.Errorf("executor: mark reverted: %w", err)
	}
	record.Status = domain.TradeStatusReverted
	breaker.OnFailure()
	metrics.TradesFailed.Add(1)
	return record, fmt.Errorf("executor: transaction reverted: %s", record.TxHash)
}

// signAndPrepare 申请 nonce、预估 gas（1.3x 放大，回滚即中止）、签名。
func (e *TradeExecutor) signAndPrepare(ctx context.Context, vault *domain.Vault, calldata []byte) (*types.Transaction, error) {
	from := e.signer.Address()
	to := common.HexToAddress(vault.Address)

	nonce, err := e.chain.PendingNonce(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("executor: pending nonce: %w", err)
	}
	gasPrice, err := e.chain.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("executor: gas price: %w", err)
	}

	gasLimit := uint64(fallbackGasLimit)
	estimated, err := e.chain.EstimateGas(ctx, from, to, calldata)
	switch {
	case err == nil:
		gasLimit = estimated * gasBufferNum / gasBufferDen
	case strings.Contains(err.Error(), "execution reverted"):
		return nil, fmt.Errorf("%w: %v", ErrWouldRevert, err)
	default:
		execLog.Warnf("⚠️ gas 预估失败，使用兜底上限 %d: %v", fallbackGasLimit, err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gasLimit,
		To:       &to,
		Value:    big.NewInt(0),
		Data:     calldata,
	})
	signed, err := e.signer.SignTx(tx)
	if err != nil {
		return nil, fmt.Errorf("executor: sign: %w", err)
	}
	return signed, nil
}

// submitWithRetry 有限重试提交，指数退避；全部失败返回最后一次错误。
func (e *TradeExecutor) submitWithRetry(ctx context.Context, tx *types.Transaction) error {
	var lastErr error
	for attempt := 1; attempt <= e.submitRetries; attempt++ {
		if err := e.chain.SendTransaction(ctx, tx); err != nil {
			lastErr = err
			execLog.Warnf("⚠️ 提交失败 (%d/%d): %v", attempt, e.submitRetries, err)
			if attempt < e.submitRetries {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(backoffDelay(attempt)):
				}
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("executor: submit exhausted after %d attempts: %w", e.submitRetries, lastErr)
}
