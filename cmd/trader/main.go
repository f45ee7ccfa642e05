package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/atlasvault/gotrader/internal/chain"
	"github.com/atlasvault/gotrader/internal/controlplane"
	"github.com/atlasvault/gotrader/internal/gmx"
	"github.com/atlasvault/gotrader/internal/marketdata"
	"github.com/atlasvault/gotrader/internal/metrics"
	"github.com/atlasvault/gotrader/internal/risk"
	"github.com/atlasvault/gotrader/internal/services"
	"github.com/atlasvault/gotrader/pkg/config"
	"github.com/atlasvault/gotrader/pkg/logger"
	"github.com/atlasvault/gotrader/pkg/shutdown"

	// 导入策略包以触发 init() 注册
	_ "github.com/atlasvault/gotrader/internal/strategies/marketgod"
	_ "github.com/atlasvault/gotrader/internal/strategies/smacross"
)

func main() {
	configPath := flag.String("config", "config.yaml", "配置文件路径")
	flag.Parse()

	// .env 不存在不算错误
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    50,
		MaxBackups: 5,
		MaxAge:     14,
		Compress:   true,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	logrus.Infof("🚀 trader 启动 (chain=%d vaults=%d dry_run=%v)", cfg.Chain.ChainID, len(cfg.Vaults), cfg.Trading.DryRun)

	chainClient, err := chain.NewClient(cfg.Chain)
	if err != nil {
		logrus.Fatalf("初始化链客户端失败: %v", err)
	}
	signer, err := chain.LoadSigner(cfg.Signer, chainClient.ChainID())
	if err != nil {
		logrus.Fatalf("加载签名者失败: %v", err)
	}
	logrus.Infof("签名者地址: %s", signer.Address().Hex())

	registry := gmx.NewMarketRegistry(chainClient, cfg.GMX)
	reader := gmx.NewPositionReader(chainClient, registry, cfg.GMX)
	builder := gmx.NewOrderBuilder(cfg.GMX)

	sizer, err := services.NewSizer(chainClient, cfg.GMX, cfg.Trading)
	if err != nil {
		logrus.Fatalf("初始化仓位计算器失败: %v", err)
	}
	validator := risk.NewValidator(risk.Limits{
		MaxLeverage:    decimal.NewFromInt(cfg.Trading.MaxLeverage),
		MinPositionUSD: decimal.NewFromFloat(cfg.Trading.MinPositionUSD),
	})
	breakers := risk.NewBreakerSet(risk.CircuitBreakerConfig{
		MaxConsecutiveFailures: int64(cfg.Trading.BreakerMaxFails),
		Cooldown:               time.Duration(cfg.Trading.BreakerCooldownSec) * time.Second,
	})

	store, err := services.OpenStore(cfg.DBPath)
	if err != nil {
		logrus.Fatalf("打开数据库失败: %v", err)
	}

	pyth := marketdata.NewPythClient(cfg.MarketData)
	var stream *marketdata.BinanceStream
	if cfg.MarketData.BinanceStream {
		stream = marketdata.NewBinanceStream(allAssets(cfg.Vaults))
		stream.Start()
	}
	source := marketdata.NewSource(pyth, stream)

	engine := services.NewSignalEngine(source, cfg.MarketData.HistoryBars)
	executor := services.NewTradeExecutor(chainClient, signer, registry, builder, sizer, validator, breakers, store,
		cfg.Chain, cfg.GMX, cfg.Trading)

	vaults := services.NewVaultsFromConfig(cfg.Vaults)
	scheduler := services.NewScheduler(engine, executor, reader, store, vaults, cfg.Scheduler)
	reconciler := services.NewReconciler(store, reader, chainClient, vaults, cfg.Reconciler)
	cp := controlplane.New(scheduler, executor, store, reader, breakers, source)

	ctx, cancel := context.WithCancel(context.Background())
	scheduler.Start(ctx)
	reconciler.Start(ctx)
	cp.Start(cfg.ListenAddr)
	if cfg.MetricsAddr != "" {
		if _, err := metrics.StartAsync(ctx, cfg.MetricsAddr); err != nil {
			logrus.Warnf("⚠️ metrics 服务启动失败: %v", err)
		}
	}

	mgr := shutdown.NewManager()
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		defer wg.Done()
		if err := cp.Stop(ctx); err != nil {
			logrus.Warnf("控制面关闭出错: %v", err)
		}
	})
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		defer wg.Done()
		if err := scheduler.Stop(ctx); err != nil {
			logrus.Warnf("调度器关闭出错: %v", err)
		}
	})
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		defer wg.Done()
		if err := reconciler.Stop(ctx); err != nil {
			logrus.Warnf("对账器关闭出错: %v", err)
		}
	})
	mgr.OnShutdown(func(ctx context.Context, wg *sync.WaitGroup) {
		defer wg.Done()
		source.Close()
		registry.Close()
		chainClient.Close()
		if err := store.Close(); err != nil {
			logrus.Warnf("数据库关闭出错: %v", err)
		}
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logrus.Infof("收到信号 %s，开始优雅关闭", sig)

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	mgr.Shutdown(shutdownCtx)
	logrus.Info("✅ trader 已退出")
}

// allAssets 汇总全部金库白名单（去重、升序）
func allAssets(vaults []config.VaultConfig) []string {
	set := make(map[string]struct{})
	for _, v := range vaults {
		for _, a := range v.Allowlist {
			set[strings.ToUpper(strings.TrimSpace(a))] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
