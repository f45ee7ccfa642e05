package domain

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// OrderKind 订单种类（开仓/平仓）
type OrderKind int

const (
	OrderKindIncrease OrderKind = iota // MarketIncrease：开/加仓
	OrderKindDecrease                  // MarketDecrease：平/减仓
)

// OrderRequest 一次周期内构造的具体下单请求。
// 每个执行周期新建一份，不跨周期复用（费用与价格条件是周期局部的）。
type OrderRequest struct {
	VaultAddress    string          // 目标金库
	Asset           string          // 资产符号
	Direction       Direction       // LONG/SHORT
	Kind            OrderKind       // 开仓或平仓
	NotionalUSD     decimal.Decimal // 名义仓位（美元）
	CollateralUSD   decimal.Decimal // 抵押品金额（美元）
	Leverage        decimal.Decimal // 计算杠杆
	ExecutionFeeWei *big.Int        // keeper 执行费（原生代币 wei）
	SlippageBps     int64           // 滑点上限（基点）
	MarkPrice       float64         // 标记价格（acceptablePrice 计算基准）
	CollateralToken string          // 抵押品代币地址
}

// IsLong 是否做多
func (o *OrderRequest) IsLong() bool {
	return o.Direction == DirectionLong
}
