package gmx

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"

	"github.com/atlasvault/gotrader/pkg/cache"
	"github.com/atlasvault/gotrader/pkg/config"
)

var gmxLog = logrus.WithField("component", "gmx")

// Caller 只读合约调用（由链客户端实现）
type Caller interface {
	CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error)
}

// marketProps Reader.getMarkets 返回的市场条目
type marketProps struct {
	MarketToken common.Address
	IndexToken  common.Address
	LongToken   common.Address
	ShortToken  common.Address
}

// Arbitrum 上已知市场的 long token（dHEDGE GMX V2 Guard 要求
// 市场的 long token 在金库的 supported assets 中，否则 createOrder 以 "lt" 回滚）
var knownLongTokens = map[common.Address]common.Address{
	common.HexToAddress("0x47c031236e19d024b42f8AE6780E44A573170703"): common.HexToAddress("0x2f2a2543B76A4166549F7aaB2e75Bef0aefC5B0f"), // BTC → WBTC
	common.HexToAddress("0x70d95587d40A2caf56bd97485aB3Eec10Bee6336"): common.HexToAddress("0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"), // ETH → WETH
	common.HexToAddress("0x09400D9DB990D5ed3f35D7be61DfAEB900Af03C9"): common.HexToAddress("0x2bcC6D6CdBbDC0a4071e48bb3B969b06B3330c07"), // SOL → SOL
}

// MarketRegistry 资产符号 ↔ GMX 市场地址解析（静态配置优先，链上枚举兜底）
type MarketRegistry struct {
	caller    Caller
	reader    common.Address
	dataStore common.Address
	static    map[string]common.Address // 配置的符号 → 市场地址

	symbolCache *cache.Cache[string, common.Address]
	marketCache *cache.Cache[common.Address, string]
	longTokens  *cache.Cache[common.Address, common.Address]
}

// NewMarketRegistry 创建市场解析器
func NewMarketRegistry(caller Caller, cfg config.GMXConfig) *MarketRegistry {
	static := make(map[string]common.Address, len(cfg.Markets))
	for symbol, addr := range cfg.Markets {
		static[normalizeSymbol(symbol)] = common.HexToAddress(addr)
	}
	return &MarketRegistry{
		caller:      caller,
		reader:      common.HexToAddress(cfg.Reader),
		dataStore:   common.HexToAddress(cfg.DataStore),
		static:      static,
		symbolCache: cache.New[string, common.Address](10 * time.Minute),
		marketCache: cache.New[common.Address, string](10 * time.Minute),
		longTokens:  cache.New[common.Address, common.Address](10 * time.Minute),
	}
}

// normalizeSymbol 规范化符号：大写并去掉 wrapped 前缀（WBTC → BTC）
func normalizeSymbol(symbol string) string {
	clean := strings.ToUpper(strings.TrimSpace(symbol))
	if len(clean) > 1 && strings.HasPrefix(clean, "W") {
		clean = clean[1:]
	}
	return clean
}

// MarketForAsset 解析资产符号对应的市场地址
func (r *MarketRegistry) MarketForAsset(ctx context.Context, asset string) (common.Address, error) {
	symbol := normalizeSymbol(asset)
	if addr, ok := r.static[symbol]; ok {
		return addr, nil
	}
	if addr, ok := r.symbolCache.Get(symbol); ok {
		return addr, nil
	}
	if err := r.refresh(ctx); err != nil {
		return common.Address{}, err
	}
	if addr, ok := r.symbolCache.Get(symbol); ok {
		return addr, nil
	}
	return common.Address{}, fmt.Errorf("gmx: no market for asset %s", asset)
}

// SymbolForMarket 反向解析市场地址对应的资产符号
func (r *MarketRegistry) SymbolForMarket(ctx context.Context, market common.Address) (string, error) {
	for symbol, addr := range r.static {
		if addr == market {
			return symbol, nil
		}
	}
	if symbol, ok := r.marketCache.Get(market); ok {
		return symbol, nil
	}
	if err := r.refresh(ctx); err != nil {
		return "", err
	}
	if symbol, ok := r.marketCache.Get(market); ok {
		return symbol, nil
	}
	return "", fmt.Errorf("gmx: unknown market %s", market.Hex())
}

// LongToken 市场的 long token（静态表优先，链上兜底）
func (r *MarketRegistry) LongToken(ctx context.Context, market common.Address) (common.Address, error) {
	if addr, ok := knownLongTokens[market]; ok {
		return addr, nil
	}
	if addr, ok := r.longTokens.Get(market); ok {
		return addr, nil
	}
	if err := r.refresh(ctx); err != nil {
		return common.Address{}, err
	}
	if addr, ok := r.longTokens.Get(market); ok {
		return addr, nil
	}
	return common.Address{}, fmt.Errorf("gmx: no long token for market %s", market.Hex())
}

// refresh 链上枚举市场并重建缓存
func (r *MarketRegistry) refresh(ctx context.Context) error {
	data, err := readerABI.Pack("getMarkets", r.dataStore, big.NewInt(0), big.NewInt(100))
	if err != nil {
		return fmt.Errorf("gmx: pack getMarkets: %w", err)
	}
	raw, err := r.caller.CallContract(ctx, r.reader, data)
	if err != nil {
		return fmt.Errorf("gmx: getMarkets: %w", err)
	}
	out, err := readerABI.Unpack("getMarkets", raw)
	if err != nil {
		return fmt.Errorf("gmx: unpack getMarkets: %w", err)
	}
	markets := *abiConvert[[]marketProps](out[0])

	for _, m := range markets {
		symbol, err := r.tokenSymbol(ctx, m.IndexToken)
		if err != nil {
			continue // 合成市场没有标准 symbol，跳过
		}
		normalized := normalizeSymbol(symbol)
		r.symbolCache.Set(normalized, m.MarketToken)
		r.marketCache.Set(m.MarketToken, normalized)
		r.longTokens.Set(m.MarketToken, m.LongToken)
	}
	gmxLog.Debugf("已刷新 GMX 市场缓存，共 %d 个市场", len(markets))
	return nil
}

// tokenSymbol ERC20 symbol() 查询
func (r *MarketRegistry) tokenSymbol(ctx context.Context, token common.Address) (string, error) {
	data, err := erc20ABI.Pack("symbol")
	if err != nil {
		return "", err
	}
	raw, err := r.caller.CallContract(ctx, token, data)
	if err != nil {
		return "", err
	}
	out, err := erc20ABI.Unpack("symbol", raw)
	if err != nil {
		return "", err
	}
	symbol, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("gmx: unexpected symbol type %T", out[0])
	}
	return symbol, nil
}

// Close 释放缓存
func (r *MarketRegistry) Close() {
	r.symbolCache.Close()
	r.marketCache.Close()
	r.longTokens.Close()
}
