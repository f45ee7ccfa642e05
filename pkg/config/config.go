package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// LogConfig 日志配置
type LogConfig struct {
	Level string `yaml:"level"` // 日志级别：debug/info/warn/error
	File  string `yaml:"file"`  // 日志文件路径（可选，为空则只输出到 stdout）
}

// ChainConfig 链接入配置
type ChainConfig struct {
	RPCEndpoints          []string `yaml:"rpc_endpoints"`           // RPC 节点列表（按顺序故障转移）
	ChainID               int64    `yaml:"chain_id"`                // 链 ID（Arbitrum One = 42161）
	SubmitRetries         int      `yaml:"submit_retries"`          // 交易提交重试次数，默认 3
	ReceiptTimeoutSeconds int      `yaml:"receipt_timeout_seconds"` // 等待回执的超时时间（秒），默认 120
	ReceiptPollSeconds    int      `yaml:"receipt_poll_seconds"`    // 回执轮询间隔（秒），默认 3
	RPCRatePerSecond      int      `yaml:"rpc_rate_per_second"`     // RPC 调用速率上限（次/秒），默认 10
}

// SignerConfig 签名者配置（私钥来源三选一：环境变量 > secretstore > 助记词）
type SignerConfig struct {
	PrivateKeyEnv     string `yaml:"private_key_env"`      // 私钥环境变量名，默认 TRADER_PRIVATE_KEY
	SecretStorePath   string `yaml:"secret_store_path"`    // secretstore 数据目录（可选）
	SecretStoreKeyEnv string `yaml:"secret_store_key_env"` // secretstore 加密密钥环境变量名
	MnemonicEnv       string `yaml:"mnemonic_env"`         // 助记词环境变量名（可选）
	DerivationPath    string `yaml:"derivation_path"`      // HD 派生路径，默认 m/44'/60'/0'/0/0
}

// GMXConfig GMX V2 合约地址与下单参数
type GMXConfig struct {
	ExchangeRouter   string            `yaml:"exchange_router"`    // ExchangeRouter 合约地址
	OrderVault       string            `yaml:"order_vault"`        // OrderVault 合约地址（手续费与保证金的接收方）
	DataStore        string            `yaml:"data_store"`         // DataStore 合约地址
	Reader           string            `yaml:"reader"`             // Reader 合约地址（持仓查询）
	CollateralToken  string            `yaml:"collateral_token"`   // 保证金代币地址（USDC）
	FeeToken         string            `yaml:"fee_token"`          // 执行费代币地址（WETH）
	Markets          map[string]string `yaml:"markets"`            // 资产符号 → GMX 市场地址
	SlippageBps      int64             `yaml:"slippage_bps"`       // 可接受滑点（基点），默认 50
	KeeperGasUnits   uint64            `yaml:"keeper_gas_units"`   // keeper 执行 gas 单位数，默认 5000000
	CallbackGasLimit uint64            `yaml:"callback_gas_limit"` // 回调 gas 上限，默认 750000
	FeeFloorWei      string            `yaml:"fee_floor_wei"`      // 执行费下限（wei），默认 100000000000000
	UIFeeReceiver    string            `yaml:"ui_fee_receiver"`    // UI 手续费接收方（可为零地址）
	V2Guard          string            `yaml:"v2_guard"`           // dHEDGE GMX V2 Guard 地址（订单回调合约）
}

// TradingConfig 交易与风控参数
type TradingConfig struct {
	Enabled            bool    `yaml:"enabled"`              // 全局交易开关，false 时所有真实下单被拒绝
	DryRun             bool    `yaml:"dry_run"`              // 纸交易模式：完整执行管线但不上链
	DefaultLeverage    int64   `yaml:"default_leverage"`     // 默认杠杆倍数，默认 5
	MaxLeverage        int64   `yaml:"max_leverage"`         // 杠杆上限，默认 10
	MinPositionUSD     float64 `yaml:"min_position_usd"`     // 协议最小仓位（USD），默认 2.0
	BreakerMaxFails    int     `yaml:"breaker_max_fails"`    // 熔断器连续失败阈值，默认 5
	BreakerCooldownSec int     `yaml:"breaker_cooldown_sec"` // 熔断冷却时间（秒），默认 3600
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	TickSeconds         int `yaml:"tick_seconds"`          // 基准心跳间隔（秒），默认 60
	Workers             int `yaml:"workers"`               // 并发执行周期的 worker 数，默认 4
	CycleTimeoutSeconds int `yaml:"cycle_timeout_seconds"` // 单个周期的超时时间（秒），默认 300
}

// ReconcilerConfig 持仓对账配置
type ReconcilerConfig struct {
	IntervalSeconds int     `yaml:"interval_seconds"` // 对账间隔（秒），默认 300
	ToleranceUSD    float64 `yaml:"tolerance_usd"`    // 偏差容忍度（USD），默认 1.0
}

// MarketDataConfig 行情数据源配置
type MarketDataConfig struct {
	PythEndpoint    string `yaml:"pyth_endpoint"`     // Pyth Benchmarks 历史K线接口
	HistoryBars     int    `yaml:"history_bars"`      // 每次拉取的K线根数，默认 100
	BinanceStream   bool   `yaml:"binance_stream"`    // 是否启用 Binance WebSocket 实时K线
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"` // 行情缓存 TTL（秒），默认 10
}

// VaultConfig 单个金库的静态配置（也可由控制面在库表中管理）
type VaultConfig struct {
	Address        string   `yaml:"address"`          // 金库合约地址
	Strategy       string   `yaml:"strategy"`         // 策略 slug
	Trader         string   `yaml:"trader"`           // 授权交易员地址（签名者必须匹配）
	Allowlist      []string `yaml:"allowlist"`        // 可交易资产白名单
	CheckInterval  string   `yaml:"check_interval"`   // 检查周期：1m/5m/15m/1h/4h
	MaxPositionUSD float64  `yaml:"max_position_usd"` // 仓位上限（USD）
	Paused         bool     `yaml:"paused"`           // 暂停标记
}

// Config 应用配置
type Config struct {
	Log         LogConfig        `yaml:"log"`
	Chain       ChainConfig      `yaml:"chain"`
	Signer      SignerConfig     `yaml:"signer"`
	GMX         GMXConfig        `yaml:"gmx"`
	Trading     TradingConfig    `yaml:"trading"`
	Scheduler   SchedulerConfig  `yaml:"scheduler"`
	Reconciler  ReconcilerConfig `yaml:"reconciler"`
	MarketData  MarketDataConfig `yaml:"market_data"`
	Vaults      []VaultConfig    `yaml:"vaults"`
	DBPath      string           `yaml:"db_path"`      // SQLite 数据库路径
	ListenAddr  string           `yaml:"listen_addr"`  // 控制面 HTTP 监听地址
	MetricsAddr string           `yaml:"metrics_addr"` // expvar/pprof 监听地址（为空则不启动）
}

// Load 从 YAML 文件加载配置，再套用环境变量覆盖与默认值
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败 %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败 %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides 环境变量覆盖（优先级：环境变量 > 配置文件）
func (c *Config) applyEnvOverrides() {
	if v := getEnv("LOG_LEVEL", ""); v != "" {
		c.Log.Level = v
	}
	if v := getEnv("LOG_FILE", ""); v != "" {
		c.Log.File = v
	}
	if v := getEnv("RPC_ENDPOINTS", ""); v != "" {
		c.Chain.RPCEndpoints = splitAndTrim(v)
	}
	if v := getEnv("CHAIN_ID", ""); v != "" {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.Chain.ChainID = id
		}
	}
	if v := getEnv("TRADING_ENABLED", ""); v != "" {
		c.Trading.Enabled = v == "true" || v == "1"
	}
	if v := getEnv("DRY_RUN", ""); v != "" {
		c.Trading.DryRun = v == "true" || v == "1"
	}
	if v := getEnv("DB_PATH", ""); v != "" {
		c.DBPath = v
	}
	if v := getEnv("LISTEN_ADDR", ""); v != "" {
		c.ListenAddr = v
	}
	if v := getEnv("METRICS_ADDR", ""); v != "" {
		c.MetricsAddr = v
	}
	if v := getEnv("PYTH_ENDPOINT", ""); v != "" {
		c.MarketData.PythEndpoint = v
	}
}

// applyDefaults 填充默认值
func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Chain.SubmitRetries <= 0 {
		c.Chain.SubmitRetries = 3
	}
	if c.Chain.ReceiptTimeoutSeconds <= 0 {
		c.Chain.ReceiptTimeoutSeconds = 120
	}
	if c.Chain.ReceiptPollSeconds <= 0 {
		c.Chain.ReceiptPollSeconds = 3
	}
	if c.Chain.RPCRatePerSecond <= 0 {
		c.Chain.RPCRatePerSecond = 10
	}
	if c.Signer.PrivateKeyEnv == "" {
		c.Signer.PrivateKeyEnv = "TRADER_PRIVATE_KEY"
	}
	if c.Signer.SecretStoreKeyEnv == "" {
		c.Signer.SecretStoreKeyEnv = "TRADER_STORE_KEY"
	}
	if c.Signer.DerivationPath == "" {
		c.Signer.DerivationPath = "m/44'/60'/0'/0/0"
	}
	if c.GMX.SlippageBps <= 0 {
		c.GMX.SlippageBps = 50
	}
	if c.GMX.KeeperGasUnits == 0 {
		c.GMX.KeeperGasUnits = 5_000_000
	}
	if c.GMX.CallbackGasLimit == 0 {
		c.GMX.CallbackGasLimit = 750_000
	}
	if c.GMX.FeeFloorWei == "" {
		c.GMX.FeeFloorWei = "100000000000000" // 0.0001 ETH
	}
	if c.GMX.UIFeeReceiver == "" {
		c.GMX.UIFeeReceiver = "0x0000000000000000000000000000000000000000"
	}
	if c.Trading.DefaultLeverage <= 0 {
		c.Trading.DefaultLeverage = 5
	}
	if c.Trading.MaxLeverage <= 0 {
		c.Trading.MaxLeverage = 10
	}
	if c.Trading.MinPositionUSD <= 0 {
		c.Trading.MinPositionUSD = 2.0
	}
	if c.Trading.BreakerMaxFails <= 0 {
		c.Trading.BreakerMaxFails = 5
	}
	if c.Trading.BreakerCooldownSec <= 0 {
		c.Trading.BreakerCooldownSec = 3600
	}
	if c.Scheduler.TickSeconds <= 0 {
		c.Scheduler.TickSeconds = 60
	}
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 4
	}
	if c.Scheduler.CycleTimeoutSeconds <= 0 {
		c.Scheduler.CycleTimeoutSeconds = 300
	}
	if c.Reconciler.IntervalSeconds <= 0 {
		c.Reconciler.IntervalSeconds = 300
	}
	if c.Reconciler.ToleranceUSD <= 0 {
		c.Reconciler.ToleranceUSD = 1.0
	}
	if c.MarketData.PythEndpoint == "" {
		c.MarketData.PythEndpoint = "https://benchmarks.pyth.network/v1/shims/tradingview/history"
	}
	if c.MarketData.HistoryBars <= 0 {
		c.MarketData.HistoryBars = 100
	}
	if c.MarketData.CacheTTLSeconds <= 0 {
		c.MarketData.CacheTTLSeconds = 10
	}
	if c.DBPath == "" {
		c.DBPath = "data/trader.db"
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8085"
	}
}

// Validate 校验关键配置
func (c *Config) Validate() error {
	if len(c.Chain.RPCEndpoints) == 0 {
		return fmt.Errorf("chain.rpc_endpoints 不能为空")
	}
	if c.Chain.ChainID <= 0 {
		return fmt.Errorf("chain.chain_id 必须大于 0")
	}
	if !c.Trading.DryRun {
		for _, f := range []struct{ name, val string }{
			{"gmx.exchange_router", c.GMX.ExchangeRouter},
			{"gmx.order_vault", c.GMX.OrderVault},
			{"gmx.data_store", c.GMX.DataStore},
			{"gmx.reader", c.GMX.Reader},
			{"gmx.collateral_token", c.GMX.CollateralToken},
			{"gmx.fee_token", c.GMX.FeeToken},
		} {
			if strings.TrimSpace(f.val) == "" {
				return fmt.Errorf("%s 不能为空", f.name)
			}
		}
	}
	if _, ok := c.FeeFloorWei(); !ok {
		return fmt.Errorf("gmx.fee_floor_wei 不是合法整数: %s", c.GMX.FeeFloorWei)
	}
	if c.Trading.DefaultLeverage > c.Trading.MaxLeverage {
		return fmt.Errorf("trading.default_leverage (%d) 不能超过 max_leverage (%d)", c.Trading.DefaultLeverage, c.Trading.MaxLeverage)
	}
	for i, v := range c.Vaults {
		if strings.TrimSpace(v.Address) == "" {
			return fmt.Errorf("vaults[%d].address 不能为空", i)
		}
		if strings.TrimSpace(v.Strategy) == "" {
			return fmt.Errorf("vaults[%d].strategy 不能为空", i)
		}
	}
	return nil
}

// FeeFloorWei 解析执行费下限
func (c *Config) FeeFloorWei() (*big.Int, bool) {
	return new(big.Int).SetString(strings.TrimSpace(c.GMX.FeeFloorWei), 10)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
