// Package smacross 实现经典的快慢均线交叉策略，主要作为基准策略使用。
package smacross

import (
	"fmt"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/internal/strategies"
)

const Slug = "baseline-smacross"

func init() {
	strategies.Register(Slug, func() strategies.Strategy {
		return New(10, 30)
	})
}

// Strategy 均线交叉：快线上穿慢线 → 做多，下穿 → 离场/做空
type Strategy struct {
	fast int
	slow int
}

// New 创建策略，fast 必须小于 slow
func New(fast, slow int) *Strategy {
	if fast >= slow {
		fast, slow = slow, fast
	}
	return &Strategy{fast: fast, slow: slow}
}

func (s *Strategy) Slug() string { return Slug }

// GenerateSignals 输出逐根方向序列（交叉当根标记，其余为 0）
func (s *Strategy) GenerateSignals(candles domain.CandleSeries) ([]domain.Direction, error) {
	if len(candles) < s.slow+1 {
		return nil, fmt.Errorf("smacross: need at least %d candles, got %d", s.slow+1, len(candles))
	}
	closes := candles.Closes()
	fast := sma(closes, s.fast)
	slow := sma(closes, s.slow)

	signals := make([]domain.Direction, len(closes))
	for i := 1; i < len(closes); i++ {
		if fast[i] == 0 || slow[i] == 0 || fast[i-1] == 0 || slow[i-1] == 0 {
			continue
		}
		crossedUp := fast[i-1] <= slow[i-1] && fast[i] > slow[i]
		crossedDown := fast[i-1] >= slow[i-1] && fast[i] < slow[i]
		switch {
		case crossedUp:
			signals[i] = domain.DirectionLong
		case crossedDown:
			signals[i] = domain.DirectionShort
		}
	}
	return signals, nil
}

// sma 暖机期输出 0（0 在交叉判定中被跳过）
func sma(xs []float64, period int) []float64 {
	out := make([]float64, len(xs))
	var sum float64
	for i, x := range xs {
		sum += x
		if i >= period {
			sum -= xs[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}
