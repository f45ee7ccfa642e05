package domain

import "time"

// Candle 标准 OHLCV K 线
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// CandleSeries 按时间升序排列的 K 线序列
type CandleSeries []Candle

// Closes 提取收盘价序列
func (s CandleSeries) Closes() []float64 {
	out := make([]float64, len(s))
	for i, c := range s {
		out[i] = c.Close
	}
	return out
}

// LastClose 最后一根收盘价，空序列返回 0。
func (s CandleSeries) LastClose() float64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].Close
}
