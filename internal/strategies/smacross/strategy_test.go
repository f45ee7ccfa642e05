package smacross

import (
	"testing"
	"time"

	"github.com/atlasvault/gotrader/internal/domain"
)

func candlesFromCloses(closes []float64) domain.CandleSeries {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make(domain.CandleSeries, len(closes))
	for i, c := range closes {
		out[i] = domain.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      c,
			High:      c + 1,
			Low:       c - 1,
			Close:     c,
			Volume:    1,
		}
	}
	return out
}

// vShape 先跌后涨：尾部必然出现一次快线上穿
func vShape(n int) []float64 {
	closes := make([]float64, n)
	price := 100.0
	for i := 0; i < n; i++ {
		if i < n/2 {
			price -= 1
		} else {
			price += 3
		}
		closes[i] = price
	}
	return closes
}

// TestTooFewCandles 数据不足直接报错
func TestTooFewCandles(t *testing.T) {
	s := New(3, 5)
	if _, err := s.GenerateSignals(candlesFromCloses(vShape(5))); err == nil {
		t.Fatal("expected error for too few candles")
	}
}

// TestCrossUpEmitsLong V 形走势尾部出现且只出现一次做多信号
func TestCrossUpEmitsLong(t *testing.T) {
	s := New(3, 6)
	signals, err := s.GenerateSignals(candlesFromCloses(vShape(30)))
	if err != nil {
		t.Fatalf("GenerateSignals error: %v", err)
	}
	if len(signals) != 30 {
		t.Fatalf("signal length got=%d want=30", len(signals))
	}
	longs := 0
	for _, d := range signals {
		if d == domain.DirectionLong {
			longs++
		}
	}
	if longs != 1 {
		t.Fatalf("expected exactly one long cross, got %d", longs)
	}
}

// TestCrossDownEmitsShort 倒 V 出现做空信号
func TestCrossDownEmitsShort(t *testing.T) {
	closes := vShape(30)
	// 反转序列：先涨后跌
	for i, j := 0, len(closes)-1; i < j; i, j = i+1, j-1 {
		closes[i], closes[j] = closes[j], closes[i]
	}
	s := New(3, 6)
	signals, err := s.GenerateSignals(candlesFromCloses(closes))
	if err != nil {
		t.Fatalf("GenerateSignals error: %v", err)
	}
	shorts := 0
	for _, d := range signals {
		if d == domain.DirectionShort {
			shorts++
		}
	}
	if shorts == 0 {
		t.Fatal("expected at least one short cross")
	}
}

// TestFlatSeriesStaysNeutral 横盘不产生任何信号
func TestFlatSeriesStaysNeutral(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100
	}
	s := New(3, 6)
	signals, err := s.GenerateSignals(candlesFromCloses(closes))
	if err != nil {
		t.Fatalf("GenerateSignals error: %v", err)
	}
	for i, d := range signals {
		if d != domain.DirectionNeutral {
			t.Fatalf("flat series produced signal %s at bar %d", d, i)
		}
	}
}

// TestNewSwapsInvertedPeriods fast >= slow 时自动交换
func TestNewSwapsInvertedPeriods(t *testing.T) {
	s := New(30, 10)
	if s.fast != 10 || s.slow != 30 {
		t.Fatalf("periods not swapped: fast=%d slow=%d", s.fast, s.slow)
	}
}
