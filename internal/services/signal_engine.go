package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/internal/strategies"
)

var signalLog = logrus.WithField("component", "signal_engine")

// ErrInsufficientData K线数量不足以驱动策略，当周期产出中性信号。
var ErrInsufficientData = errors.New("signal: insufficient candle data")

// minCandlesForSignal 驱动策略所需的最少K线
const minCandlesForSignal = 10

// confidenceWindow 置信度统计窗口（最近 N 根的方向一致率）
const confidenceWindow = 5

// CandleSource 行情来源
type CandleSource interface {
	Candles(ctx context.Context, asset, timeframe string, limit int) (domain.CandleSeries, error)
	CurrentPrice(ctx context.Context, asset string) (float64, error)
}

// SignalEngine 信号引擎：按金库绑定的策略评估一次，产出确定性的信号。
// 同样的K线输入必然产出同样的信号（策略为纯函数，电路见 strategies.Strategy）。
type SignalEngine struct {
	source      CandleSource
	historyBars int
}

// NewSignalEngine 创建引擎
func NewSignalEngine(source CandleSource, historyBars int) *SignalEngine {
	if historyBars <= 0 {
		historyBars = 100
	}
	return &SignalEngine{source: source, historyBars: historyBars}
}

// Evaluate 评估金库的策略信号。
// 行情缺失或K线不足时返回中性信号与 ErrInsufficientData（信号仍会被记录）。
// 策略输出越界属于契约错误，直接返回 error，绝不截断修正。
func (e *SignalEngine) Evaluate(ctx context.Context, vault *domain.Vault) (domain.Signal, error) {
	asset := primaryAsset(vault)
	timeframe := vault.CheckInterval
	if timeframe == "" {
		timeframe = "1m"
	}

	neutral := domain.Signal{
		Direction:    domain.DirectionNeutral,
		Asset:        asset,
		Timeframe:    timeframe,
		StrategySlug: vault.StrategySlug,
		Timestamp:    time.Now().UTC(),
	}

	price, err := e.source.CurrentPrice(ctx, asset)
	if err != nil || price <= 0 {
		neutral.Reason = fmt.Sprintf("missing market price: %v", err)
		return neutral, fmt.Errorf("%w: %s", ErrInsufficientData, neutral.Reason)
	}
	neutral.MarkPrice = price

	candles, err := e.source.Candles(ctx, asset, timeframe, e.historyBars)
	if err != nil {
		neutral.Reason = fmt.Sprintf("candle fetch failed: %v", err)
		return neutral, fmt.Errorf("%w: %s", ErrInsufficientData, neutral.Reason)
	}
	if len(candles) < minCandlesForSignal {
		neutral.Reason = fmt.Sprintf("only %d candles", len(candles))
		return neutral, fmt.Errorf("%w: %s", ErrInsufficientData, neutral.Reason)
	}

	strategy, err := strategies.New(vault.StrategySlug)
	if err != nil {
		return neutral, err
	}
	series, err := strategy.GenerateSignals(candles)
	if err != nil {
		neutral.Reason = fmt.Sprintf("strategy error: %v", err)
		return neutral, fmt.Errorf("%w: %s", ErrInsufficientData, neutral.Reason)
	}

	direction := series[len(series)-1]
	confidence := confidenceOf(series)
	signal := domain.Signal{
		Direction:    direction,
		Confidence:   confidence,
		SizeFraction: sizeFractionOf(direction, confidence),
		Asset:        asset,
		Timeframe:    timeframe,
		StrategySlug: vault.StrategySlug,
		MarkPrice:    price,
		Reason:       reasonOf(vault, direction),
		Timestamp:    time.Now().UTC(),
	}
	if err := signal.Validate(); err != nil {
		return neutral, fmt.Errorf("signal: strategy %s produced invalid signal: %w", vault.StrategySlug, err)
	}

	signalLog.Infof("信号: %s %s @ $%.2f (置信度 %.2f)", signal.Direction, asset, price, confidence)
	return signal, nil
}

// MarkPrice 资产当前标记价，供持仓估值使用
func (e *SignalEngine) MarkPrice(ctx context.Context, asset string) (float64, error) {
	return e.source.CurrentPrice(ctx, asset)
}

// confidenceOf 最近 confidenceWindow 根中与最新方向一致的比例。
// 窗口不足按 0.5；最新为中性直接 0。
func confidenceOf(series []domain.Direction) float64 {
	if len(series) < confidenceWindow {
		return 0.5
	}
	recent := series[len(series)-confidenceWindow:]
	latest := recent[len(recent)-1]
	if latest == domain.DirectionNeutral {
		return 0
	}
	agreeing := 0
	for _, d := range recent {
		if d == latest {
			agreeing++
		}
	}
	return float64(agreeing) / float64(len(recent))
}

// sizeFractionOf 目标仓位比例 = 置信度，限制在 [0.1, 1]；中性为 0
func sizeFractionOf(direction domain.Direction, confidence float64) float64 {
	if direction == domain.DirectionNeutral {
		return 0
	}
	size := confidence
	if size < 0.1 {
		size = 0.1
	}
	if size > 1 {
		size = 1
	}
	return size
}

func reasonOf(vault *domain.Vault, direction domain.Direction) string {
	if direction == domain.DirectionNeutral {
		return "no signal generated"
	}
	return fmt.Sprintf("%s signal from %s on %s (%s)",
		direction, vault.StrategySlug, primaryAsset(vault), vault.CheckInterval)
}

// primaryAsset 金库交易的主资产（白名单首位）
func primaryAsset(vault *domain.Vault) string {
	if len(vault.Allowlist) > 0 {
		return vault.Allowlist[0]
	}
	return "BTC"
}
