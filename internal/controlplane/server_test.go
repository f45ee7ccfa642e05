package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/atlasvault/gotrader/internal/domain"
	"github.com/atlasvault/gotrader/internal/gmx"
	"github.com/atlasvault/gotrader/internal/risk"
	"github.com/atlasvault/gotrader/internal/services"
	"github.com/atlasvault/gotrader/pkg/config"
)

const (
	cpVault  = "0x1111111111111111111111111111111111111111"
	cpTrader = "0x2222222222222222222222222222222222222222"
	cpUSDC   = "0xaf88d065e77c8cC2239327C5EDb3A432268e5831"
	cpWETH   = "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1"
)

type cpFakeChain struct{}

func (cpFakeChain) GasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(20_000_000), nil
}

func (cpFakeChain) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return 1, nil
}

func (cpFakeChain) EstimateGas(ctx context.Context, from, to common.Address, data []byte) (uint64, error) {
	return 1_000_000, nil
}

func (cpFakeChain) SendTransaction(ctx context.Context, tx *types.Transaction) error { return nil }

func (cpFakeChain) WaitForReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{Status: types.ReceiptStatusSuccessful}, nil
}

func (cpFakeChain) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	if token == common.HexToAddress(cpUSDC) {
		return big.NewInt(1_000_000_000), nil // $1000
	}
	return big.NewInt(1_000_000_000_000_000_0), nil // 0.01 ETH
}

type cpFakeSigner struct{}

func (cpFakeSigner) Address() common.Address { return common.HexToAddress(cpTrader) }

func (cpFakeSigner) SignTx(tx *types.Transaction) (*types.Transaction, error) { return tx, nil }

type cpFakeMarkets struct{}

func (cpFakeMarkets) MarketForAsset(ctx context.Context, asset string) (common.Address, error) {
	return common.HexToAddress("0x47c031236e19d024b42f8AE6780E44A573170703"), nil
}

type cpFakeSource struct{}

func (cpFakeSource) Candles(ctx context.Context, asset, timeframe string, limit int) (domain.CandleSeries, error) {
	return nil, nil
}

func (cpFakeSource) CurrentPrice(ctx context.Context, asset string) (float64, error) {
	return 50_000, nil
}

type cpFakeReader struct{}

func (cpFakeReader) AccountPositions(ctx context.Context, vault common.Address) ([]domain.Position, error) {
	return nil, nil
}

func (cpFakeReader) VaultTVL(ctx context.Context, vault common.Address) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func (cpFakeReader) SharePrice(ctx context.Context, vault common.Address) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func newTestServer(t *testing.T) (*Server, *services.Scheduler, *risk.BreakerSet) {
	t.Helper()
	gmxCfg := config.GMXConfig{
		ExchangeRouter:   "0x900173A66dbD345006C51fA35fA3aB760FcD843b",
		OrderVault:       "0x31eF83a530Fde1B38EE9A18093A333D8Bbbc40D5",
		CollateralToken:  cpUSDC,
		FeeToken:         cpWETH,
		UIFeeReceiver:    "0x0000000000000000000000000000000000000000",
		V2Guard:          "0x4444444444444444444444444444444444444444",
		SlippageBps:      50,
		KeeperGasUnits:   5_000_000,
		CallbackGasLimit: 750_000,
		FeeFloorWei:      "100000000000000",
	}
	tradingCfg := config.TradingConfig{Enabled: true, DefaultLeverage: 5}

	store, err := services.OpenStore(filepath.Join(t.TempDir(), "cp.db"))
	if err != nil {
		t.Fatalf("打开存储失败: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	chain := cpFakeChain{}
	sizer, err := services.NewSizer(chain, gmxCfg, tradingCfg)
	if err != nil {
		t.Fatalf("NewSizer error: %v", err)
	}
	validator := risk.NewValidator(risk.Limits{
		MaxLeverage:    decimal.NewFromInt(10),
		MinPositionUSD: decimal.NewFromInt(2),
	})
	breakers := risk.NewBreakerSet(risk.CircuitBreakerConfig{MaxConsecutiveFailures: 5, Cooldown: time.Hour})
	executor := services.NewTradeExecutor(chain, cpFakeSigner{}, cpFakeMarkets{}, gmx.NewOrderBuilder(gmxCfg),
		sizer, validator, breakers, store,
		config.ChainConfig{SubmitRetries: 1}, gmxCfg, tradingCfg)

	vault := &domain.Vault{
		Address:       cpVault,
		StrategySlug:  "baseline-smacross",
		TraderAddress: cpTrader,
		Allowlist:     []string{"BTC"},
		CheckInterval: "1m",
		Status:        domain.VaultStatusActive,
	}
	engine := services.NewSignalEngine(cpFakeSource{}, 100)
	sched := services.NewScheduler(engine, executor, cpFakeReader{}, store, []*domain.Vault{vault},
		config.SchedulerConfig{TickSeconds: 3600, CycleTimeoutSeconds: 60, Workers: 1})

	srv := New(sched, executor, store, cpFakeReader{}, breakers, cpFakeSource{})
	return srv, sched, breakers
}

func postJSON(t *testing.T, handler http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal error: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

// TestManualTradeRejectedWhileCycleInFlight 人工下单与调度周期共用金库锁：在途时 409
func TestManualTradeRejectedWhileCycleInFlight(t *testing.T) {
	srv, sched, _ := newTestServer(t)
	router := srv.Router()

	entered := make(chan struct{})
	hold := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- sched.RunExclusive(cpVault, func(*domain.Vault) error {
			close(entered)
			<-hold
			return nil
		})
	}()
	<-entered

	w := postJSON(t, router, "/api/vaults/"+cpVault+"/trade",
		map[string]any{"direction": "LONG", "asset": "BTC", "size": 20.0})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", w.Code, w.Body.String())
	}

	close(hold)
	if err := <-done; err != nil {
		t.Fatalf("持锁操作不应出错: %v", err)
	}

	// 锁释放后同样的请求应成功
	w = postJSON(t, router, "/api/vaults/"+cpVault+"/trade",
		map[string]any{"direction": "LONG", "asset": "BTC", "size": 20.0})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

// TestManualTradeAbsoluteSize 人工下单的 size 是名义仓位（USD）：保证金 = size / 杠杆
func TestManualTradeAbsoluteSize(t *testing.T) {
	srv, _, _ := newTestServer(t)
	router := srv.Router()

	w := postJSON(t, router, "/api/vaults/"+cpVault+"/trade",
		map[string]any{"direction": "LONG", "asset": "BTC", "size": 20.0, "dry_run": true})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		DryRun bool                  `json:"dry_run"`
		Order  services.OrderPreview `json:"order"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if !resp.DryRun {
		t.Fatal("dry_run 标记缺失")
	}
	if resp.Order.NotionalUSD != "20" || resp.Order.CollateralUSD != "4" {
		t.Fatalf("订单尺寸不符: %+v", resp.Order)
	}

	// 非正 size 直接 400
	w = postJSON(t, router, "/api/vaults/"+cpVault+"/trade",
		map[string]any{"direction": "SHORT", "asset": "BTC", "size": 0.0})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
	}
}

// TestBreakerEndpointsPerVault 熔断查询与复位按金库生效，不波及其他金库
func TestBreakerEndpointsPerVault(t *testing.T) {
	srv, _, breakers := newTestServer(t)
	router := srv.Router()
	other := "0x3333333333333333333333333333333333333333"

	breakers.For(cpVault).Halt()

	get := func(path string) map[string]any {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d", path, w.Code)
		}
		var out map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("unmarshal error: %v", err)
		}
		return out
	}

	if open, _ := get("/api/vaults/" + cpVault + "/breaker")["open"].(bool); !open {
		t.Fatal("熔断金库应报告 open")
	}
	if open, _ := get("/api/vaults/" + other + "/breaker")["open"].(bool); open {
		t.Fatal("其他金库不应受影响")
	}

	w := postJSON(t, router, "/api/vaults/"+cpVault+"/breaker/resume", map[string]any{})
	if w.Code != http.StatusOK {
		t.Fatalf("resume status = %d", w.Code)
	}
	if open, _ := get("/api/vaults/" + cpVault + "/breaker")["open"].(bool); open {
		t.Fatal("复位后不应仍为 open")
	}
}
