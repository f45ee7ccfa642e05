package gmx

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/pkg/config"
)

// positionAddresses / positionNumbers / positionFlags 对应 Reader Position.Props
type positionAddresses struct {
	Account         common.Address
	Market          common.Address
	CollateralToken common.Address
}

type positionNumbers struct {
	SizeInUsd                               *big.Int
	SizeInTokens                            *big.Int
	CollateralAmount                        *big.Int
	BorrowingFactor                         *big.Int
	FundingFeeAmountPerSize                 *big.Int
	LongTokenClaimableFundingAmountPerSize  *big.Int
	ShortTokenClaimableFundingAmountPerSize *big.Int
	IncreasedAtBlock                        *big.Int
	DecreasedAtBlock                        *big.Int
	IncreasedAtTime                         *big.Int
	DecreasedAtTime                         *big.Int
}

type positionFlags struct {
	IsLong bool
}

type positionProps struct {
	Addresses positionAddresses
	Numbers   positionNumbers
	Flags     positionFlags
}

// supportedAsset dHEDGE PoolManagerLogic.getSupportedAssets 条目
type supportedAsset struct {
	Asset     common.Address
	IsDeposit bool
}

// PositionReader 链上状态读取：GMX 持仓、金库 TVL、份额价格
type PositionReader struct {
	caller    Caller
	registry  *MarketRegistry
	reader    common.Address
	dataStore common.Address
}

// NewPositionReader 创建读取器
func NewPositionReader(caller Caller, registry *MarketRegistry, cfg config.GMXConfig) *PositionReader {
	return &PositionReader{
		caller:    caller,
		registry:  registry,
		reader:    common.HexToAddress(cfg.Reader),
		dataStore: common.HexToAddress(cfg.DataStore),
	}
}

// AccountPositions 读取金库在 GMX 的全部持仓（按市场解析回资产符号，零仓位跳过）
func (p *PositionReader) AccountPositions(ctx context.Context, vault common.Address) ([]domain.Position, error) {
	data, err := readerABI.Pack("getAccountPositions", p.dataStore, vault, big.NewInt(0), big.NewInt(10))
	if err != nil {
		return nil, fmt.Errorf("gmx: pack getAccountPositions: %w", err)
	}
	raw, err := p.caller.CallContract(ctx, p.reader, data)
	if err != nil {
		return nil, fmt.Errorf("gmx: getAccountPositions: %w", err)
	}
	out, err := readerABI.Unpack("getAccountPositions", raw)
	if err != nil {
		return nil, fmt.Errorf("gmx: unpack getAccountPositions: %w", err)
	}
	props := *abiConvert[[]positionProps](out[0])

	positions := make([]domain.Position, 0, len(props))
	for _, prop := range props {
		if prop.Numbers.SizeInUsd.Sign() == 0 {
			continue
		}
		asset, err := p.registry.SymbolForMarket(ctx, prop.Addresses.Market)
		if err != nil {
			asset = prop.Addresses.Market.Hex() // 未知市场保留地址
		}
		sizeUSD := decimal.NewFromBigInt(prop.Numbers.SizeInUsd, -PriceScaleExp).InexactFloat64()
		sizeTokens := decimal.NewFromBigInt(prop.Numbers.SizeInTokens, -PriceScaleExp).InexactFloat64()
		collateralUSD := decimal.NewFromBigInt(prop.Numbers.CollateralAmount, -USDCDecimalsExp).InexactFloat64()

		entryPrice := 0.0
		if sizeTokens > 0 {
			entryPrice = sizeUSD / sizeTokens
		}
		leverage := 0.0
		if collateralUSD > 0 {
			leverage = sizeUSD / collateralUSD
		}
		if !prop.Flags.IsLong {
			sizeUSD = -sizeUSD
			sizeTokens = -sizeTokens
		}
		positions = append(positions, domain.Position{
			MarketAddress: prop.Addresses.Market.Hex(),
			Asset:         asset,
			SizeUSD:       sizeUSD,
			SizeTokens:    sizeTokens,
			CollateralUSD: collateralUSD,
			EntryPrice:    entryPrice,
			Leverage:      leverage,
		})
	}
	return positions, nil
}

// VaultTVL 金库净值（USD）。依次尝试：
// PoolManagerLogic.totalFundValue → PoolLogic.totalFundValue → tokenPrice×totalSupply
func (p *PositionReader) VaultTVL(ctx context.Context, vault common.Address) (decimal.Decimal, error) {
	if mgr, err := p.managerLogic(ctx, vault); err == nil && mgr != zeroAddress {
		if tvl, err := p.callUint(ctx, managerLogicABI, mgr, "totalFundValue"); err == nil && tvl.Sign() > 0 {
			return decimal.NewFromBigInt(tvl, -WETHDecimalsExp), nil
		}
	}
	if tvl, err := p.callUint(ctx, poolLogicABI, vault, "totalFundValue"); err == nil && tvl.Sign() > 0 {
		return decimal.NewFromBigInt(tvl, -WETHDecimalsExp), nil
	}
	price, priceErr := p.callUint(ctx, poolLogicABI, vault, "tokenPrice")
	supply, supplyErr := p.callUint(ctx, erc20ABI, vault, "totalSupply")
	if priceErr == nil && supplyErr == nil {
		tvl := decimal.NewFromBigInt(price, -WETHDecimalsExp).
			Mul(decimal.NewFromBigInt(supply, -WETHDecimalsExp))
		if tvl.Sign() > 0 {
			return tvl, nil
		}
	}
	return decimal.Zero, fmt.Errorf("gmx: all tvl strategies failed for vault %s", vault.Hex())
}

// SharePrice 金库份额价格（1e18 → 十进制）
func (p *PositionReader) SharePrice(ctx context.Context, vault common.Address) (decimal.Decimal, error) {
	price, err := p.callUint(ctx, poolLogicABI, vault, "tokenPrice")
	if err != nil {
		return decimal.Zero, fmt.Errorf("gmx: tokenPrice: %w", err)
	}
	return decimal.NewFromBigInt(price, -WETHDecimalsExp), nil
}

// SupportedAssets 金库支持的资产列表（Guard 校验用）
func (p *PositionReader) SupportedAssets(ctx context.Context, vault common.Address) ([]common.Address, error) {
	mgr, err := p.managerLogic(ctx, vault)
	if err != nil {
		return nil, fmt.Errorf("gmx: poolManagerLogic: %w", err)
	}
	data, err := managerLogicABI.Pack("getSupportedAssets")
	if err != nil {
		return nil, err
	}
	raw, err := p.caller.CallContract(ctx, mgr, data)
	if err != nil {
		return nil, fmt.Errorf("gmx: getSupportedAssets: %w", err)
	}
	out, err := managerLogicABI.Unpack("getSupportedAssets", raw)
	if err != nil {
		return nil, fmt.Errorf("gmx: unpack getSupportedAssets: %w", err)
	}
	assets := *abiConvert[[]supportedAsset](out[0])
	addrs := make([]common.Address, 0, len(assets))
	for _, a := range assets {
		addrs = append(addrs, a.Asset)
	}
	return addrs, nil
}

func (p *PositionReader) managerLogic(ctx context.Context, vault common.Address) (common.Address, error) {
	data, err := poolLogicABI.Pack("poolManagerLogic")
	if err != nil {
		return common.Address{}, err
	}
	raw, err := p.caller.CallContract(ctx, vault, data)
	if err != nil {
		return common.Address{}, err
	}
	out, err := poolLogicABI.Unpack("poolManagerLogic", raw)
	if err != nil {
		return common.Address{}, err
	}
	addr, ok := out[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("gmx: unexpected poolManagerLogic type %T", out[0])
	}
	return addr, nil
}

func (p *PositionReader) callUint(ctx context.Context, parsed abiPacker, to common.Address, method string) (*big.Int, error) {
	data, err := parsed.Pack(method)
	if err != nil {
		return nil, err
	}
	raw, err := p.caller.CallContract(ctx, to, data)
	if err != nil {
		return nil, err
	}
	out, err := parsed.Unpack(method, raw)
	if err != nil {
		return nil, err
	}
	val, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("gmx: unexpected return type %T for %s", out[0], method)
	}
	return val, nil
}
