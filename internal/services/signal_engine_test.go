package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/internal/strategies"

	_ "github.com/atlasvault/gotrader/internal/strategies/marketgod"
	_ "github.com/atlasvault/gotrader/internal/strategies/smacross"
)

type fakeCandleSource struct {
	candles domain.CandleSeries
	price   float64

	candleErr error
	priceErr  error
}

func (f *fakeCandleSource) Candles(ctx context.Context, asset, timeframe string, limit int) (domain.CandleSeries, error) {
	if f.candleErr != nil {
		return nil, f.candleErr
	}
	return f.candles, nil
}

func (f *fakeCandleSource) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	if f.priceErr != nil {
		return 0, f.priceErr
	}
	return f.price, nil
}

// trendingCandles 构造一段单调上行的K线（足以让 smacross 给出多头）
func trendingCandles(n int) domain.CandleSeries {
	out := make(domain.CandleSeries, 0, n)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	price := 100.0
	for i := 0; i < n; i++ {
		// 前半程下跌，后半程上涨：保证快线在尾部上穿慢线
		if i < n/2 {
			price -= 0.5
		} else {
			price += 2.0
		}
		out = append(out, domain.Candle{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Open:      price - 0.5,
			High:      price + 1,
			Low:       price - 1,
			Close:     price,
			Volume:    10,
		})
	}
	return out
}

func testEngineVault() *domain.Vault {
	return &domain.Vault{
		Address:       "0x1111111111111111111111111111111111111111",
		StrategySlug:  "baseline-smacross",
		Allowlist:     []string{"BTC"},
		CheckInterval: "1m",
		Status:        domain.VaultStatusActive,
	}
}

// TestEvaluateInsufficientData 行情缺失时返回中性信号与 ErrInsufficientData
func TestEvaluateInsufficientData(t *testing.T) {
	cases := []struct {
		name   string
		source *fakeCandleSource
	}{
		{"price error", &fakeCandleSource{priceErr: errors.New("pyth down")}},
		{"candle error", &fakeCandleSource{price: 50_000, candleErr: errors.New("pyth down")}},
		{"too few candles", &fakeCandleSource{price: 50_000, candles: trendingCandles(3)}},
	}
	for _, tc := range cases {
		engine := NewSignalEngine(tc.source, 100)
		signal, err := engine.Evaluate(context.Background(), testEngineVault())
		if !errors.Is(err, ErrInsufficientData) {
			t.Fatalf("%s: expected ErrInsufficientData, got %v", tc.name, err)
		}
		if signal.Direction != domain.DirectionNeutral {
			t.Fatalf("%s: expected neutral signal, got %s", tc.name, signal.Direction)
		}
		if signal.Reason == "" {
			t.Fatalf("%s: neutral signal must carry a reason", tc.name)
		}
	}
}

// TestEvaluateUnknownStrategy 未注册的策略 slug 直接报错
func TestEvaluateUnknownStrategy(t *testing.T) {
	engine := NewSignalEngine(&fakeCandleSource{price: 50_000, candles: trendingCandles(60)}, 100)
	vault := testEngineVault()
	vault.StrategySlug = "no-such-strategy"
	if _, err := engine.Evaluate(context.Background(), vault); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

// TestEvaluateProducesValidSignal 正常路径产出通过校验的信号
func TestEvaluateProducesValidSignal(t *testing.T) {
	source := &fakeCandleSource{price: 50_000, candles: trendingCandles(60)}
	engine := NewSignalEngine(source, 100)

	signal, err := engine.Evaluate(context.Background(), testEngineVault())
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if err := signal.Validate(); err != nil {
		t.Fatalf("signal must validate: %v", err)
	}
	if signal.Asset != "BTC" || signal.Timeframe != "1m" {
		t.Fatalf("signal metadata wrong: %+v", signal)
	}
	if signal.MarkPrice != 50_000 {
		t.Fatalf("mark price got=%v", signal.MarkPrice)
	}
	if signal.IsActionable() && (signal.SizeFraction < 0.1 || signal.SizeFraction > 1) {
		t.Fatalf("actionable size fraction out of range: %v", signal.SizeFraction)
	}
}

// TestEvaluateDeterministic 相同K线输入必然产出相同信号
func TestEvaluateDeterministic(t *testing.T) {
	source := &fakeCandleSource{price: 50_000, candles: trendingCandles(60)}
	engine := NewSignalEngine(source, 100)
	vault := testEngineVault()

	first, err := engine.Evaluate(context.Background(), vault)
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	second, err := engine.Evaluate(context.Background(), vault)
	if err != nil {
		t.Fatalf("Evaluate error: %v", err)
	}
	if first.Direction != second.Direction || first.Confidence != second.Confidence || first.SizeFraction != second.SizeFraction {
		t.Fatalf("evaluation not deterministic: %+v vs %+v", first, second)
	}
}

// TestConfidenceOf 置信度 = 窗口内与最新方向一致的比例
func TestConfidenceOf(t *testing.T) {
	l, s, n := domain.DirectionLong, domain.DirectionShort, domain.DirectionNeutral

	if got := confidenceOf([]domain.Direction{l, l}); got != 0.5 {
		t.Fatalf("short window confidence got=%v want=0.5", got)
	}
	if got := confidenceOf([]domain.Direction{l, l, l, l, n}); got != 0 {
		t.Fatalf("neutral latest confidence got=%v want=0", got)
	}
	if got := confidenceOf([]domain.Direction{l, l, l, l, l}); got != 1 {
		t.Fatalf("full agreement got=%v want=1", got)
	}
	if got := confidenceOf([]domain.Direction{s, n, l, s, l}); got != 0.4 {
		t.Fatalf("mixed window got=%v want=0.4", got)
	}
}

// TestSizeFractionOf 比例钳在 [0.1, 1]，中性为 0
func TestSizeFractionOf(t *testing.T) {
	if got := sizeFractionOf(domain.DirectionNeutral, 0.9); got != 0 {
		t.Fatalf("neutral got=%v want=0", got)
	}
	if got := sizeFractionOf(domain.DirectionLong, 0.05); got != 0.1 {
		t.Fatalf("low confidence got=%v want=0.1", got)
	}
	if got := sizeFractionOf(domain.DirectionShort, 0.8); got != 0.8 {
		t.Fatalf("mid confidence got=%v want=0.8", got)
	}
	if got := sizeFractionOf(domain.DirectionLong, 1.0); got != 1.0 {
		t.Fatalf("full confidence got=%v want=1.0", got)
	}
}

// 引擎依赖注册表；确认基准策略都在
func TestBaselineStrategiesRegistered(t *testing.T) {
	slugs := strategies.Slugs()
	want := map[string]bool{"baseline-marketgod": false, "baseline-smacross": false}
	for _, s := range slugs {
		if _, ok := want[s]; ok {
			want[s] = true
		}
	}
	for slug, found := range want {
		if !found {
			t.Fatalf("strategy %s not registered", slug)
		}
	}
}
