// Package marketgod 实现 Heikin-Ashi + KDJ + 布林 %B 组合的趋势跟随策略。
//
// 入场条件（做多）：阳线收盘突破 HA 高点均线（噪声过滤），pJ 上穿 K，
// 且 %B 走升；离场条件镜像。状态机保证 BUY/SELL 交替出现。
package marketgod

import (
	"fmt"
	"math"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/internal/strategies"
)

const Slug = "baseline-marketgod"

// minCandles 指标暖机所需的最少K线数
const minCandles = 30

func init() {
	strategies.Register(Slug, func() strategies.Strategy {
		return New(DefaultConfig())
	})
}

// Config 策略参数
type Config struct {
	NoiseFilter    int     // HA 高低点均线周期（突破过滤）
	KDJStochPeriod int     // 随机值滚动窗口
	KDJEMASpan     int     // pK/pD 平滑跨度
	KDJJMultK      float64 // J = multK*pK - multD*pD
	KDJJMultD      float64
	KDJPeriodK     int // 第二随机 K 的窗口
	KDJSmoothK     int // 第二随机 K 的平滑周期
	BBRShift       int // %B 升降比较的位移
	BBPeriod       int // 布林带周期
	BBStd          float64

	RequireMACDConfirm bool // 可选：MACD 柱确认
	MACDFast           int
	MACDSlow           int
	MACDSignal         int

	UseVolatilityFilter bool // 可选：ATR 百分位波动率过滤
	ATRPeriod           int
	ATRLookback         int
	ATRMinPercentile    float64
	ATRMaxPercentile    float64
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		NoiseFilter:    12,
		KDJStochPeriod: 9,
		KDJEMASpan:     3,
		KDJJMultK:      3.0,
		KDJJMultD:      2.0,
		KDJPeriodK:     14,
		KDJSmoothK:     4,
		BBRShift:       1,
		BBPeriod:       20,
		BBStd:          2.0,

		MACDFast:   12,
		MACDSlow:   26,
		MACDSignal: 9,

		ATRPeriod:        14,
		ATRLookback:      100,
		ATRMinPercentile: 25,
		ATRMaxPercentile: 75,
	}
}

// Strategy marketgod 策略实例
type Strategy struct {
	cfg Config
}

// New 创建策略
func New(cfg Config) *Strategy {
	return &Strategy{cfg: cfg}
}

func (s *Strategy) Slug() string { return Slug }

// heikinAshi 计算 HA K线序列
func heikinAshi(candles domain.CandleSeries) (haOpen, haHigh, haLow, haClose []float64) {
	n := len(candles)
	haOpen = make([]float64, n)
	haHigh = make([]float64, n)
	haLow = make([]float64, n)
	haClose = make([]float64, n)
	for i, c := range candles {
		haClose[i] = (c.Open + c.High + c.Low + c.Close) / 4
		if i == 0 {
			haOpen[i] = (c.Open + c.Close) / 2
		} else {
			haOpen[i] = (haOpen[i-1] + haClose[i-1]) / 2
		}
		haHigh[i] = math.Max(c.High, math.Max(haOpen[i], haClose[i]))
		haLow[i] = math.Min(c.Low, math.Min(haOpen[i], haClose[i]))
	}
	return
}

// GenerateSignals 输出逐根方向序列：+1 入场做多，-1 离场，0 持平
func (s *Strategy) GenerateSignals(candles domain.CandleSeries) ([]domain.Direction, error) {
	if len(candles) < minCandles {
		return nil, fmt.Errorf("marketgod: need at least %d candles, got %d", minCandles, len(candles))
	}
	cfg := s.cfg
	n := len(candles)

	_, haHigh, haLow, haClose := heikinAshi(candles)

	// KDJ：pJ 与二次平滑 K
	hi := rollingMax(haHigh, cfg.KDJStochPeriod)
	lo := rollingMin(haLow, cfg.KDJStochPeriod)
	kRaw := make([]float64, n)
	for i := 0; i < n; i++ {
		kRaw[i] = 100 * (haClose[i] - lo[i]) / (hi[i] - lo[i] + epsilon)
	}
	pK := ema(kRaw, cfg.KDJEMASpan)
	pD := ema(pK, cfg.KDJEMASpan)
	pJ := make([]float64, n)
	for i := 0; i < n; i++ {
		pJ[i] = cfg.KDJJMultK*pK[i] - cfg.KDJJMultD*pD[i]
	}
	kLine := rollingMean(rollingStochastic(haClose, cfg.KDJPeriodK), cfg.KDJSmoothK)

	// 布林 %B
	basis := rollingMean(haClose, cfg.BBPeriod)
	dev := rollingStd(haClose, cfg.BBPeriod)
	bbr := make([]float64, n)
	for i := 0; i < n; i++ {
		upper := basis[i] + cfg.BBStd*dev[i]
		lower := basis[i] - cfg.BBStd*dev[i]
		bbr[i] = (haClose[i] - lower) / (upper - lower + epsilon)
	}

	// 噪声过滤：HA 高低点均线
	avgHigh := rollingMean(haHigh, cfg.NoiseFilter)
	avgLow := rollingMean(haLow, cfg.NoiseFilter)

	buyRaw := make([]bool, n)
	sellRaw := make([]bool, n)
	for i := 0; i < n; i++ {
		c := candles[i]
		up := c.Open < c.Close && c.Close > avgHigh[i]
		down := c.Open > c.Close && c.Close < avgLow[i]

		rising, falling := false, false
		if j := i - cfg.BBRShift; j >= 0 {
			rising = bbr[i] > bbr[j]
			falling = bbr[i] < bbr[j]
		}
		buyRaw[i] = up && pJ[i] > kLine[i] && rising
		sellRaw[i] = down && pJ[i] < kLine[i] && falling
	}

	if cfg.RequireMACDConfirm {
		hist := s.macdHistogram(candles)
		for i := 0; i < n; i++ {
			buyRaw[i] = buyRaw[i] && hist[i] > 0
			sellRaw[i] = sellRaw[i] && hist[i] < 0
		}
	}

	if cfg.UseVolatilityFilter {
		highs := make([]float64, n)
		lows := make([]float64, n)
		closes := candles.Closes()
		for i, c := range candles {
			highs[i], lows[i] = c.High, c.Low
		}
		pct := atrPercentile(atr(highs, lows, closes, cfg.ATRPeriod), cfg.ATRLookback)
		for i := 0; i < n; i++ {
			ok := pct[i] >= cfg.ATRMinPercentile && pct[i] <= cfg.ATRMaxPercentile
			buyRaw[i] = buyRaw[i] && ok
			sellRaw[i] = sellRaw[i] && ok
		}
	}

	// 状态机：平→多 触发 BUY，多→平 触发 SELL，保证交替
	signals := make([]domain.Direction, n)
	inPosition := false
	for i := 0; i < n; i++ {
		switch {
		case buyRaw[i] && !inPosition:
			signals[i] = domain.DirectionLong
			inPosition = true
		case sellRaw[i] && inPosition:
			signals[i] = domain.DirectionShort
			inPosition = false
		default:
			signals[i] = domain.DirectionNeutral
		}
	}
	return signals, nil
}

// macdHistogram MACD 柱（快慢 EMA 差再对信号线求差）
func (s *Strategy) macdHistogram(candles domain.CandleSeries) []float64 {
	closes := candles.Closes()
	fast := ema(closes, s.cfg.MACDFast)
	slow := ema(closes, s.cfg.MACDSlow)
	macd := make([]float64, len(closes))
	for i := range closes {
		macd[i] = fast[i] - slow[i]
	}
	signal := ema(macd, s.cfg.MACDSignal)
	hist := make([]float64, len(closes))
	for i := range closes {
		hist[i] = macd[i] - signal[i]
	}
	return hist
}
