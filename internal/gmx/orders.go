package gmx

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/internal/risk"
	"github.com/atlasvault/gotrader/pkg/config"
)

// ErrNotApproved 请求未携带风控凭证或凭证不匹配
var ErrNotApproved = errors.New("gmx: order request lacks a matching risk approval")

var (
	priceScale  = decimal.New(1, PriceScaleExp)   // 1e30
	usdcScale   = decimal.New(1, USDCDecimalsExp) // 1e6
	bpsDivisor  = decimal.NewFromInt(10_000)
	zeroAddress = common.Address{}
)

// Order 已编码的 GMX 订单：经由金库 execTransaction 转发给 ExchangeRouter
type Order struct {
	Vault        common.Address // 发起金库（PoolLogic）
	Target       common.Address // ExchangeRouter
	Calldata     []byte         // multicall 载荷
	ExecutionFee *big.Int       // keeper 执行费（wei）
	Kind         domain.OrderKind
}

// ExecCalldata 包装成 PoolLogic.execTransaction(target, data) 的最终 calldata
func (o *Order) ExecCalldata() ([]byte, error) {
	return poolLogicABI.Pack("execTransaction", o.Target, o.Calldata)
}

// OrderBuilder 订单构建器。只接受携带风控凭证的请求。
type OrderBuilder struct {
	router        common.Address
	orderVault    common.Address
	collateral    common.Address
	feeToken      common.Address
	uiFeeReceiver common.Address
	v2Guard       common.Address
	slippageBps   int64
	callbackGas   *big.Int
}

// NewOrderBuilder 创建订单构建器
func NewOrderBuilder(cfg config.GMXConfig) *OrderBuilder {
	return &OrderBuilder{
		router:        common.HexToAddress(cfg.ExchangeRouter),
		orderVault:    common.HexToAddress(cfg.OrderVault),
		collateral:    common.HexToAddress(cfg.CollateralToken),
		feeToken:      common.HexToAddress(cfg.FeeToken),
		uiFeeReceiver: common.HexToAddress(cfg.UIFeeReceiver),
		v2Guard:       common.HexToAddress(cfg.V2Guard),
		slippageBps:   cfg.SlippageBps,
		callbackGas:   new(big.Int).SetUint64(cfg.CallbackGasLimit),
	}
}

// acceptablePrice 计算可接受价格（1e30 定点）。
// 加仓：多头容忍更高价、空头容忍更低价；减仓方向相反。
func (b *OrderBuilder) acceptablePrice(markPrice float64, isLong bool, kind domain.OrderKind) (*big.Int, error) {
	if markPrice <= 0 {
		return nil, fmt.Errorf("gmx: mark price must be positive, got %v", markPrice)
	}
	worse := isLong
	if kind == domain.OrderKindDecrease {
		worse = !isLong
	}
	bps := decimal.NewFromInt(b.slippageBps)
	var factor decimal.Decimal
	if worse {
		factor = bpsDivisor.Add(bps)
	} else {
		factor = bpsDivisor.Sub(bps)
	}
	price := decimal.NewFromFloat(markPrice).Mul(factor).Div(bpsDivisor).Mul(priceScale)
	return price.BigInt(), nil
}

// Build 构建订单。approval 必须覆盖请求的金库与资产，否则拒绝。
func (b *OrderBuilder) Build(req *domain.OrderRequest, market common.Address, approval *risk.Approval) (*Order, error) {
	if !approval.Covers(req.VaultAddress, req.Asset) {
		return nil, ErrNotApproved
	}
	if req.ExecutionFeeWei == nil || req.ExecutionFeeWei.Sign() <= 0 {
		return nil, fmt.Errorf("gmx: execution fee must be positive")
	}
	switch req.Kind {
	case domain.OrderKindIncrease:
		return b.buildIncrease(req, market)
	case domain.OrderKindDecrease:
		return b.buildDecrease(req, market)
	default:
		return nil, fmt.Errorf("gmx: unknown order kind %d", req.Kind)
	}
}

// buildIncrease MarketIncrease：multicall = [sendTokens(WETH 执行费), sendTokens(USDC 保证金), createOrder]
func (b *OrderBuilder) buildIncrease(req *domain.OrderRequest, market common.Address) (*Order, error) {
	if req.NotionalUSD.Sign() <= 0 {
		return nil, fmt.Errorf("gmx: notional must be positive, got %s", req.NotionalUSD)
	}
	if req.CollateralUSD.Sign() <= 0 {
		return nil, fmt.Errorf("gmx: collateral must be positive, got %s", req.CollateralUSD)
	}
	vault := common.HexToAddress(req.VaultAddress)
	sizeDeltaUSD := req.NotionalUSD.Mul(priceScale).BigInt()
	collateralAmount := req.CollateralUSD.Mul(usdcScale).BigInt()
	acceptable, err := b.acceptablePrice(req.MarkPrice, req.IsLong(), domain.OrderKindIncrease)
	if err != nil {
		return nil, err
	}

	params := b.orderParams(vault, market, sizeDeltaUSD, collateralAmount, acceptable,
		req.ExecutionFeeWei, OrderTypeMarketIncrease, req.IsLong())

	feePayload, err := exchangeRouterABI.Pack("sendTokens", b.feeToken, b.orderVault, req.ExecutionFeeWei)
	if err != nil {
		return nil, fmt.Errorf("gmx: pack fee sendTokens: %w", err)
	}
	collateralPayload, err := exchangeRouterABI.Pack("sendTokens", b.collateral, b.orderVault, collateralAmount)
	if err != nil {
		return nil, fmt.Errorf("gmx: pack collateral sendTokens: %w", err)
	}
	orderPayload, err := exchangeRouterABI.Pack("createOrder", params)
	if err != nil {
		return nil, fmt.Errorf("gmx: pack createOrder: %w", err)
	}
	calldata, err := exchangeRouterABI.Pack("multicall", [][]byte{feePayload, collateralPayload, orderPayload})
	if err != nil {
		return nil, fmt.Errorf("gmx: pack multicall: %w", err)
	}
	return &Order{
		Vault:        vault,
		Target:       b.router,
		Calldata:     calldata,
		ExecutionFee: req.ExecutionFeeWei,
		Kind:         domain.OrderKindIncrease,
	}, nil
}

// buildDecrease MarketDecrease：只垫付执行费，collateralDelta 为 0
func (b *OrderBuilder) buildDecrease(req *domain.OrderRequest, market common.Address) (*Order, error) {
	if req.NotionalUSD.Sign() <= 0 {
		return nil, fmt.Errorf("gmx: notional must be positive, got %s", req.NotionalUSD)
	}
	vault := common.HexToAddress(req.VaultAddress)
	sizeDeltaUSD := req.NotionalUSD.Mul(priceScale).BigInt()
	acceptable, err := b.acceptablePrice(req.MarkPrice, req.IsLong(), domain.OrderKindDecrease)
	if err != nil {
		return nil, err
	}

	params := b.orderParams(vault, market, sizeDeltaUSD, big.NewInt(0), acceptable,
		req.ExecutionFeeWei, OrderTypeMarketDecrease, req.IsLong())

	feePayload, err := exchangeRouterABI.Pack("sendTokens", b.feeToken, b.orderVault, req.ExecutionFeeWei)
	if err != nil {
		return nil, fmt.Errorf("gmx: pack fee sendTokens: %w", err)
	}
	orderPayload, err := exchangeRouterABI.Pack("createOrder", params)
	if err != nil {
		return nil, fmt.Errorf("gmx: pack createOrder: %w", err)
	}
	calldata, err := exchangeRouterABI.Pack("multicall", [][]byte{feePayload, orderPayload})
	if err != nil {
		return nil, fmt.Errorf("gmx: pack multicall: %w", err)
	}
	return &Order{
		Vault:        vault,
		Target:       b.router,
		Calldata:     calldata,
		ExecutionFee: req.ExecutionFeeWei,
		Kind:         domain.OrderKindDecrease,
	}, nil
}

func (b *OrderBuilder) orderParams(
	vault, market common.Address,
	sizeDeltaUSD, collateralAmount, acceptablePrice, executionFee *big.Int,
	orderType uint8,
	isLong bool,
) createOrderParams {
	return createOrderParams{
		Addresses: createOrderAddresses{
			Receiver:               vault,
			CancellationReceiver:   zeroAddress,
			CallbackContract:       b.v2Guard,
			UiFeeReceiver:          b.uiFeeReceiver,
			Market:                 market,
			InitialCollateralToken: b.collateral,
			SwapPath:               []common.Address{},
		},
		Numbers: createOrderNumbers{
			SizeDeltaUsd:                 sizeDeltaUSD,
			InitialCollateralDeltaAmount: collateralAmount,
			TriggerPrice:                 big.NewInt(0),
			AcceptablePrice:              acceptablePrice,
			ExecutionFee:                 executionFee,
			CallbackGasLimit:             b.callbackGas,
			MinOutputAmount:              big.NewInt(0),
			ValidFromTime:                big.NewInt(0),
		},
		OrderType:                orderType,
		DecreasePositionSwapType: 0,
		IsLong:                   isLong,
		ShouldUnwrapNativeToken:  false,
		AutoCancel:               false,
		ReferralCode:             [32]byte{},
		DataList:                 [][32]byte{},
	}
}
