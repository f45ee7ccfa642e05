package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/pkg/config"
)

var sizingLog = logrus.WithField("component", "sizing")

// 余额不足的两类错误相互独立：保证金（USDC）与执行费（WETH）分别报告。
var (
	ErrInsufficientBalance    = errors.New("sizing: vault collateral balance insufficient")
	ErrInsufficientFeeBalance = errors.New("sizing: vault fee token balance insufficient")
	ErrZeroEquity             = errors.New("sizing: vault has no usable equity")
)

// ChainQuerier 链上查询（sizing 所需的最小面）
type ChainQuerier interface {
	GasPrice(ctx context.Context) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
}

// OrderSize 计算结果
type OrderSize struct {
	NotionalUSD   decimal.Decimal // 名义仓位
	CollateralUSD decimal.Decimal // 需转入的保证金
	Leverage      decimal.Decimal // 使用杠杆
	FeeWei        *big.Int        // keeper 执行费
}

// Sizer 费用与仓位计算器
type Sizer struct {
	chain          ChainQuerier
	collateralAddr common.Address
	feeTokenAddr   common.Address
	keeperGasUnits *big.Int
	feeFloorWei    *big.Int
	leverage       decimal.Decimal
}

// NewSizer 创建计算器
func NewSizer(chainq ChainQuerier, gmxCfg config.GMXConfig, tradingCfg config.TradingConfig) (*Sizer, error) {
	floor, ok := new(big.Int).SetString(gmxCfg.FeeFloorWei, 10)
	if !ok {
		return nil, fmt.Errorf("sizing: invalid fee floor %q", gmxCfg.FeeFloorWei)
	}
	return &Sizer{
		chain:          chainq,
		collateralAddr: common.HexToAddress(gmxCfg.CollateralToken),
		feeTokenAddr:   common.HexToAddress(gmxCfg.FeeToken),
		keeperGasUnits: new(big.Int).SetUint64(gmxCfg.KeeperGasUnits),
		feeFloorWei:    floor,
		leverage:       decimal.NewFromInt(tradingCfg.DefaultLeverage),
	}, nil
}

// ExecutionFee 执行费 = 当前 gas price × keeper 执行 gas 单位数，不低于配置下限。
// 费用单调不降于下限；gas price 翻倍时线性翻倍。
func (s *Sizer) ExecutionFee(ctx context.Context) (*big.Int, error) {
	gasPrice, err := s.chain.GasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("sizing: gas price: %w", err)
	}
	fee := new(big.Int).Mul(gasPrice, s.keeperGasUnits)
	if fee.Cmp(s.feeFloorWei) < 0 {
		fee.Set(s.feeFloorWei)
	}
	return fee, nil
}

// SizeOrder 根据信号比例与金库可用保证金计算订单尺寸。
//
// notional = min(sizeFraction × 可用保证金, 金库仓位上限)，随余额同比例缩放；
// collateral = notional / leverage。
// 最小仓位在风控层校验，这里只做上限收缩与余额预检：
// 保证金不足报 ErrInsufficientBalance，WETH 付不起执行费报 ErrInsufficientFeeBalance。
func (s *Sizer) SizeOrder(ctx context.Context, vault *domain.Vault, signal domain.Signal) (*OrderSize, error) {
	if signal.SizeFraction <= 0 {
		return nil, fmt.Errorf("sizing: non-positive size fraction %v", signal.SizeFraction)
	}
	vaultAddr := common.HexToAddress(vault.Address)

	usdcRaw, err := s.chain.TokenBalance(ctx, s.collateralAddr, vaultAddr)
	if err != nil {
		return nil, fmt.Errorf("sizing: usdc balance: %w", err)
	}
	usdcBalance := decimal.NewFromBigInt(usdcRaw, -6)
	if !usdcBalance.IsPositive() {
		return nil, ErrZeroEquity
	}

	fraction := decimal.NewFromFloat(signal.SizeFraction)
	notional := usdcBalance.Mul(fraction)
	if vault.MaxPositionUSD > 0 {
		limit := decimal.NewFromFloat(vault.MaxPositionUSD)
		if notional.GreaterThan(limit) {
			notional = limit
		}
	}
	collateral := notional.Div(s.leverage)

	if collateral.GreaterThan(usdcBalance) {
		return nil, fmt.Errorf("%w: need=%s have=%s", ErrInsufficientBalance, collateral, usdcBalance)
	}

	fee, err := s.ExecutionFee(ctx)
	if err != nil {
		return nil, err
	}
	wethRaw, err := s.chain.TokenBalance(ctx, s.feeTokenAddr, vaultAddr)
	if err != nil {
		return nil, fmt.Errorf("sizing: weth balance: %w", err)
	}
	if wethRaw.Cmp(fee) < 0 {
		return nil, fmt.Errorf("%w: have=%s need=%s wei", ErrInsufficientFeeBalance, wethRaw, fee)
	}

	sizingLog.Debugf("仓位计算: vault=%s notional=%s collateral=%s fee=%s wei",
		vault.Address, notional, collateral, fee)
	return &OrderSize{
		NotionalUSD:   notional,
		CollateralUSD: collateral,
		Leverage:      s.leverage,
		FeeWei:        fee,
	}, nil
}

// SizeFixed 人工指定名义仓位（USD）时的尺寸计算：collateral = notional / leverage。
// 只做余额与执行费预检（与 SizeOrder 相同的错误口径），仓位上下限交由风控层。
func (s *Sizer) SizeFixed(ctx context.Context, vault *domain.Vault, notionalUSD decimal.Decimal) (*OrderSize, error) {
	if !notionalUSD.IsPositive() {
		return nil, fmt.Errorf("sizing: non-positive notional %s", notionalUSD)
	}
	vaultAddr := common.HexToAddress(vault.Address)

	usdcRaw, err := s.chain.TokenBalance(ctx, s.collateralAddr, vaultAddr)
	if err != nil {
		return nil, fmt.Errorf("sizing: usdc balance: %w", err)
	}
	usdcBalance := decimal.NewFromBigInt(usdcRaw, -6)
	collateral := notionalUSD.Div(s.leverage)
	if collateral.GreaterThan(usdcBalance) {
		return nil, fmt.Errorf("%w: need=%s have=%s", ErrInsufficientBalance, collateral, usdcBalance)
	}

	fee, err := s.ExecutionFee(ctx)
	if err != nil {
		return nil, err
	}
	wethRaw, err := s.chain.TokenBalance(ctx, s.feeTokenAddr, vaultAddr)
	if err != nil {
		return nil, fmt.Errorf("sizing: weth balance: %w", err)
	}
	if wethRaw.Cmp(fee) < 0 {
		return nil, fmt.Errorf("%w: have=%s need=%s wei", ErrInsufficientFeeBalance, wethRaw, fee)
	}

	return &OrderSize{
		NotionalUSD:   notionalUSD,
		CollateralUSD: collateral,
		Leverage:      s.leverage,
		FeeWei:        fee,
	}, nil
}
