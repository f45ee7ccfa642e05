package domain

import (
	"strings"
	"time"
)

// VaultStatus 金库状态
type VaultStatus string

const (
	VaultStatusActive VaultStatus = "active" // 正常调度
	VaultStatusPaused VaultStatus = "paused" // 暂停调度（人工或注册层设置）
)

// Vault 托管金库（注册信息由外部维护，执行核心只读）
type Vault struct {
	Address        string      // 金库合约地址（链上标识）
	ChainID        int64       // 链 ID
	StrategySlug   string      // 绑定的策略
	TraderAddress  string      // 授权交易员地址（必须与签名者一致）
	Allowlist      []string    // 支持的资产白名单
	CheckInterval  string      // 周期检查间隔（1m/5m/15m/1h/4h）
	MaxPositionUSD float64     // 金库级最大名义仓位（美元）
	Status         VaultStatus // active/paused
	LastCheckedAt  time.Time   // 上次周期时间
}

// IsActive 是否参与调度
func (v *Vault) IsActive() bool {
	return v != nil && v.Status == VaultStatusActive
}

// AllowsAsset 资产是否在白名单内（大小写不敏感）
func (v *Vault) AllowsAsset(asset string) bool {
	if v == nil {
		return false
	}
	for _, a := range v.Allowlist {
		if strings.EqualFold(a, asset) {
			return true
		}
	}
	return false
}

// CheckIntervalSeconds 把间隔标签换算成秒，未知标签按 60 秒处理。
func (v *Vault) CheckIntervalSeconds() int64 {
	switch strings.ToLower(strings.TrimSpace(v.CheckInterval)) {
	case "", "1m":
		return 60
	case "5m":
		return 300
	case "15m":
		return 900
	case "1h":
		return 3600
	case "4h":
		return 14400
	default:
		return 60
	}
}
