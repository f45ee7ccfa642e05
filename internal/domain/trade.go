package domain

import "time"

// TradeStatus 交易记录状态。
// PENDING 是唯一的非终态；CONFIRMED/FAILED/REVERTED 为终态，写入后不可变更。
// 确认超时保持 PENDING（unconfirmed ≠ failed，交易可能稍后上链，由对账解决）。
type TradeStatus string

const (
	TradeStatusPending   TradeStatus = "PENDING"
	TradeStatusConfirmed TradeStatus = "CONFIRMED"
	TradeStatusFailed    TradeStatus = "FAILED"
	TradeStatusReverted  TradeStatus = "REVERTED"
)

// IsTerminal 是否终态
func (s TradeStatus) IsTerminal() bool {
	return s == TradeStatusConfirmed || s == TradeStatusFailed || s == TradeStatusReverted
}

// TradeRecord 一次链上交易尝试的持久化记录
type TradeRecord struct {
	ID           string      // uuid
	VaultAddress string      // 金库地址
	StrategySlug string      // 策略
	Asset        string      // 资产
	Direction    Direction   // 方向（平仓记为 NEUTRAL）
	SizeUSD      float64     // 名义仓位（美元）
	FeeWei       string      // 执行费（wei，十进制字符串）
	TxHash       string      // 交易哈希（提交失败时为空）
	Status       TradeStatus // 状态
	Error        string      // 失败原因（可选）
	GasUsed      uint64      // 实际 gas（确认后）
	CreatedAt    time.Time   // 提交时间
	UpdatedAt    time.Time   // 最近状态变更时间
}

// SignalLog 每个评估周期写一条（无论结果如何），用于审计。
type SignalLog struct {
	VaultAddress string
	StrategySlug string
	Asset        string
	Direction    Direction
	Confidence   float64
	SizeFraction float64
	Reason       string
	Timestamp    time.Time
}
