package domain

import (
	"fmt"
	"time"
)

// Direction 交易方向
type Direction int

const (
	DirectionShort   Direction = -1
	DirectionNeutral Direction = 0
	DirectionLong    Direction = 1
)

// String 返回方向的可读形式
func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	default:
		return "NEUTRAL"
	}
}

// Signal 策略评估产出的交易信号（每周期新建，只读）
type Signal struct {
	Direction    Direction // 方向：LONG/SHORT/NEUTRAL
	Confidence   float64   // 置信度 [0,1]
	SizeFraction float64   // 目标仓位比例 [0,1]
	Asset        string    // 资产符号（BTC/ETH/SOL）
	Timeframe    string    // K 线周期（1m/5m/1h/4h）
	StrategySlug string    // 产生信号的策略
	MarkPrice    float64   // 评估时的标记价格
	Reason       string    // 信号说明（审计用）
	Timestamp    time.Time // 评估时间
}

// IsActionable 是否需要执行交易
func (s Signal) IsActionable() bool {
	return s.Direction != DirectionNeutral && s.SizeFraction > 0
}

// Validate 校验信号字段是否在约定范围内。
// 越界属于策略实现的契约错误，必须显式失败而不是静默截断。
func (s Signal) Validate() error {
	if s.Direction != DirectionLong && s.Direction != DirectionShort && s.Direction != DirectionNeutral {
		return fmt.Errorf("invalid signal direction: %d", s.Direction)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal confidence out of range [0,1]: %v", s.Confidence)
	}
	if s.SizeFraction < 0 || s.SizeFraction > 1 {
		return fmt.Errorf("signal size fraction out of range [0,1]: %v", s.SizeFraction)
	}
	return nil
}
