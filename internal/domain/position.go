package domain

import (
	"math"
	"time"
)

// Position 链上持仓（做空时 Size 为负）
type Position struct {
	MarketAddress string  // 市场合约地址
	Asset         string  // 资产符号
	SizeUSD       float64 // 名义仓位（美元，带符号）
	SizeTokens    float64 // 代币数量（带符号）
	CollateralUSD float64 // 抵押品（美元）
	EntryPrice    float64 // 开仓价
	MarkPrice     float64 // 当前标记价
	UnrealizedPnL float64 // 未实现盈亏
	Leverage      float64 // 实际杠杆
}

// NetDirection 返回一组持仓的净方向
func NetDirection(positions []Position) Direction {
	var net float64
	for _, p := range positions {
		net += p.SizeUSD
	}
	switch {
	case net > 0:
		return DirectionLong
	case net < 0:
		return DirectionShort
	default:
		return DirectionNeutral
	}
}

// PositionDelta 对账差异项：本地预期 vs 链上实际
type PositionDelta struct {
	Asset       string  `json:"asset"`
	ExpectedUSD float64 `json:"expected_usd"`
	ObservedUSD float64 `json:"observed_usd"`
	DeltaUSD    float64 `json:"delta_usd"`
}

// InTolerance 差异是否在容忍范围内
func (d PositionDelta) InTolerance(toleranceUSD float64) bool {
	return math.Abs(d.DeltaUSD) <= toleranceUSD
}

// ReconciliationReport 对账报告（只读产物，只用于告警，绝不驱动自动纠偏）
type ReconciliationReport struct {
	VaultAddress string          `json:"vault_address"`
	GeneratedAt  time.Time       `json:"generated_at"`
	Deltas       []PositionDelta `json:"deltas"`
	Clean        bool            `json:"clean"`
}

// VaultSnapshot 金库绩效快照
type VaultSnapshot struct {
	VaultAddress  string
	Timestamp     time.Time
	TVL           float64
	SharePrice    float64
	Positions     []Position
	UnrealizedPnL float64
}
