package marketgod

import "math"

// 指标基础件。所有 rolling 计算在暖机期内输出 NaN，
// 与 NaN 的比较恒为 false，信号判定天然跳过暖机段。

const epsilon = 1e-10

func rollingMean(xs []float64, period int) []float64 {
	out := nanSlice(len(xs))
	if period <= 0 || len(xs) < period {
		return out
	}
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

// rollingStd 样本标准差（ddof=1）
func rollingStd(xs []float64, period int) []float64 {
	out := nanSlice(len(xs))
	if period <= 1 || len(xs) < period {
		return out
	}
	for i := period - 1; i < len(xs); i++ {
		window := xs[i-period+1 : i+1]
		var sum float64
		for _, x := range window {
			sum += x
		}
		mean := sum / float64(period)
		var sq float64
		for _, x := range window {
			d := x - mean
			sq += d * d
		}
		out[i] = math.Sqrt(sq / float64(period-1))
	}
	return out
}

func rollingMax(xs []float64, period int) []float64 {
	out := nanSlice(len(xs))
	if period <= 0 || len(xs) < period {
		return out
	}
	for i := period - 1; i < len(xs); i++ {
		max := xs[i-period+1]
		for _, x := range xs[i-period+2 : i+1] {
			if x > max {
				max = x
			}
		}
		out[i] = max
	}
	return out
}

func rollingMin(xs []float64, period int) []float64 {
	out := nanSlice(len(xs))
	if period <= 0 || len(xs) < period {
		return out
	}
	for i := period - 1; i < len(xs); i++ {
		min := xs[i-period+1]
		for _, x := range xs[i-period+2 : i+1] {
			if x < min {
				min = x
			}
		}
		out[i] = min
	}
	return out
}

// ema 指数平滑（span 口径，alpha = 2/(span+1)）。
// NaN 输入沿用上一个平滑值，起始前的 NaN 原样保留。
func ema(xs []float64, span int) []float64 {
	out := nanSlice(len(xs))
	if span <= 0 {
		return out
	}
	alpha := 2.0 / (float64(span) + 1.0)
	prev := math.NaN()
	for i, x := range xs {
		if math.IsNaN(x) {
			out[i] = prev
			continue
		}
		if math.IsNaN(prev) {
			prev = x
		} else {
			prev = alpha*x + (1-alpha)*prev
		}
		out[i] = prev
	}
	return out
}

// rollingStochastic 滚动随机值：100*(x-min)/(max-min)，区间塌缩时取 50
func rollingStochastic(xs []float64, period int) []float64 {
	out := nanSlice(len(xs))
	if period <= 0 || len(xs) < period {
		return out
	}
	for i := period - 1; i < len(xs); i++ {
		window := xs[i-period+1 : i+1]
		min, max := window[0], window[0]
		for _, x := range window[1:] {
			if x < min {
				min = x
			}
			if x > max {
				max = x
			}
		}
		denom := max - min
		if denom < epsilon {
			out[i] = 50.0
		} else {
			out[i] = 100 * (xs[i] - min) / denom
		}
	}
	return out
}

// atr 平均真实波幅（TR 的滚动均值）
func atr(highs, lows, closes []float64, period int) []float64 {
	n := len(closes)
	tr := make([]float64, n)
	for i := 0; i < n; i++ {
		hl := highs[i] - lows[i]
		if i == 0 {
			tr[i] = hl
			continue
		}
		hc := math.Abs(highs[i] - closes[i-1])
		lc := math.Abs(lows[i] - closes[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	return rollingMean(tr, period)
}

// atrPercentile 当前 ATR 在回看窗口中的百分位
func atrPercentile(atrs []float64, lookback int) []float64 {
	out := nanSlice(len(atrs))
	for i := lookback; i < len(atrs); i++ {
		window := atrs[i-lookback : i]
		valid, less := 0, 0
		for _, x := range window {
			if math.IsNaN(x) {
				continue
			}
			valid++
			if x < atrs[i] {
				less++
			}
		}
		if valid > 0 {
			out[i] = float64(less) / float64(valid) * 100
		}
	}
	return out
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}
