package marketdata

import (
	"context"
	"strings"

	"github.com/atlasvault/gotrader/internal/domain"
)

// Source 组合行情源：Pyth 历史K线为主，Binance 实时流（可选）补充最新价。
// 流只覆盖 1m K线缓冲，历史深度不足时回落到 Pyth。
type Source struct {
	pyth   *PythClient
	stream *BinanceStream
}

// NewSource 创建组合行情源；stream 可以为 nil。
func NewSource(pyth *PythClient, stream *BinanceStream) *Source {
	return &Source{pyth: pyth, stream: stream}
}

// Candles 拉取K线（时间升序）
func (s *Source) Candles(ctx context.Context, asset, timeframe string, limit int) (domain.CandleSeries, error) {
	if s.stream != nil && strings.EqualFold(timeframe, "1m") {
		if buf := s.stream.Candles(asset, limit); len(buf) >= limit {
			return buf, nil
		}
	}
	return s.pyth.Candles(ctx, asset, timeframe, limit)
}

// CurrentPrice 最新标记价：实时流优先，否则 Pyth 最近收盘价。
func (s *Source) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	if s.stream != nil {
		if price, ok := s.stream.LastPrice(asset); ok {
			return price, nil
		}
	}
	return s.pyth.CurrentPrice(ctx, asset)
}

// Close 释放底层资源
func (s *Source) Close() {
	if s.stream != nil {
		s.stream.Stop()
	}
	s.pyth.Close()
}
