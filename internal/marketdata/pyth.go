package marketdata

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/pkg/cache"
	"github.com/atlasvault/gotrader/pkg/config"
)

var mdLog = logrus.WithField("component", "marketdata")

// defaultPythSymbols 默认资产 → Pyth benchmark symbol 映射
var defaultPythSymbols = map[string]string{
	"BTC": "Crypto.BTC/USD",
	"ETH": "Crypto.ETH/USD",
	"SOL": "Crypto.SOL/USD",
}

// timeframe → TradingView resolution
var resolutions = map[string]string{
	"1m":  "1",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"4h":  "240",
	"1d":  "D",
}

// historyResponse Pyth Benchmarks TradingView history 返回体
type historyResponse struct {
	Status  string    `json:"s"`
	Times   []int64   `json:"t"`
	Opens   []float64 `json:"o"`
	Highs   []float64 `json:"h"`
	Lows    []float64 `json:"l"`
	Closes  []float64 `json:"c"`
	Volumes []float64 `json:"v"`
}

// PythClient Pyth Benchmarks 历史K线客户端
type PythClient struct {
	http       *resty.Client
	endpoint   string
	symbols    map[string]string
	priceCache *cache.Cache[string, float64]
}

// NewPythClient 创建客户端（价格查询带短 TTL 缓存，避免同一周期重复请求）
func NewPythClient(cfg config.MarketDataConfig) *PythClient {
	httpClient := resty.New().
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond)

	return &PythClient{
		http:       httpClient,
		endpoint:   cfg.PythEndpoint,
		symbols:    defaultPythSymbols,
		priceCache: cache.New[string, float64](time.Duration(cfg.CacheTTLSeconds) * time.Second),
	}
}

// symbolFor 资产符号 → Pyth symbol
func (c *PythClient) symbolFor(asset string) (string, error) {
	key := strings.ToUpper(strings.TrimSpace(asset))
	if symbol, ok := c.symbols[key]; ok {
		return symbol, nil
	}
	return "", errors.Errorf("marketdata: no pyth symbol for asset %q", asset)
}

// fetchHistory 调用 history 接口，校验返回状态
func (c *PythClient) fetchHistory(ctx context.Context, symbol, resolution string, from, to int64) (*historyResponse, error) {
	var out historyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"symbol":     symbol,
			"resolution": resolution,
			"from":       strconv.FormatInt(from, 10),
			"to":         strconv.FormatInt(to, 10),
		}).
		SetResult(&out).
		Get(c.endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "marketdata: pyth history request")
	}
	if resp.StatusCode() != 200 {
		return nil, errors.Errorf("marketdata: pyth history status %d: %s", resp.StatusCode(), resp.String())
	}
	if out.Status != "ok" {
		return nil, errors.Errorf("marketdata: pyth history returned status %q", out.Status)
	}
	if len(out.Times) == 0 {
		return nil, errors.Errorf("marketdata: pyth history empty for %s", symbol)
	}
	return &out, nil
}

// Candles 拉取指定周期的K线，按时间升序返回
func (c *PythClient) Candles(ctx context.Context, asset, timeframe string, limit int) (domain.CandleSeries, error) {
	symbol, err := c.symbolFor(asset)
	if err != nil {
		return nil, err
	}
	resolution, ok := resolutions[strings.ToLower(timeframe)]
	if !ok {
		return nil, errors.Errorf("marketdata: unsupported timeframe %q", timeframe)
	}
	if limit <= 0 {
		limit = 100
	}
	seconds := timeframeSeconds(timeframe)
	now := time.Now().Unix()
	from := now - int64(limit+2)*seconds

	data, err := c.fetchHistory(ctx, symbol, resolution, from, now)
	if err != nil {
		return nil, err
	}
	n := len(data.Times)
	series := make(domain.CandleSeries, 0, n)
	for i := 0; i < n; i++ {
		candle := domain.Candle{
			Timestamp: time.Unix(data.Times[i], 0).UTC(),
			Open:      data.Opens[i],
			High:      data.Highs[i],
			Low:       data.Lows[i],
			Close:     data.Closes[i],
		}
		if i < len(data.Volumes) {
			candle.Volume = data.Volumes[i]
		}
		series = append(series, candle)
	}
	if len(series) > limit {
		series = series[len(series)-limit:]
	}
	mdLog.Debugf("已拉取 %s/%s K线 %d 根", asset, timeframe, len(series))
	return series, nil
}

// CurrentPrice 最新价格（最近两分钟的 1m 收盘价）
func (c *PythClient) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	key := strings.ToUpper(strings.TrimSpace(asset))
	if price, ok := c.priceCache.Get(key); ok {
		return price, nil
	}
	symbol, err := c.symbolFor(asset)
	if err != nil {
		return 0, err
	}
	now := time.Now().Unix()
	data, err := c.fetchHistory(ctx, symbol, "1", now-120, now)
	if err != nil {
		return 0, err
	}
	price := data.Closes[len(data.Closes)-1]
	if price <= 0 {
		return 0, errors.Errorf("marketdata: non-positive price for %s", asset)
	}
	c.priceCache.Set(key, price)
	return price, nil
}

// Close 释放价格缓存
func (c *PythClient) Close() {
	c.priceCache.Close()
}

func timeframeSeconds(timeframe string) int64 {
	tf := strings.ToLower(strings.TrimSpace(timeframe))
	if len(tf) < 2 {
		return 60
	}
	n, err := strconv.ParseInt(tf[:len(tf)-1], 10, 64)
	if err != nil || n <= 0 {
		return 60
	}
	switch tf[len(tf)-1] {
	case 'm':
		return n * 60
	case 'h':
		return n * 3600
	case 'd':
		return n * 86400
	default:
		return 60
	}
}
