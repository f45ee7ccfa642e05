package risk

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/atlasvault/gotrader/internal/domain"
)

var riskLog = logrus.WithField("component", "risk")

// 校验失败的独立错误，调用方按类型分流处理与落库。
var (
	ErrVaultPaused          = errors.New("risk: vault is paused")
	ErrAssetNotAllowed      = errors.New("risk: asset not in vault allowlist")
	ErrTraderNotAuthorized  = errors.New("risk: signer is not the authorized trader")
	ErrLeverageExceeded     = errors.New("risk: leverage exceeds ceiling")
	ErrBelowMinimumPosition = errors.New("risk: position below protocol minimum")
	ErrAboveMaximumPosition = errors.New("risk: position above vault maximum")
)

// Limits 全局风控上限
type Limits struct {
	MaxLeverage    decimal.Decimal // 杠杆上限
	MinPositionUSD decimal.Decimal // 协议最小仓位
}

// CheckRequest 一次下单前的完整校验输入
type CheckRequest struct {
	Vault         *domain.Vault
	Asset         string
	SignerAddress string          // 当前签名者地址
	Leverage      decimal.Decimal // 请求杠杆
	NotionalUSD   decimal.Decimal // 请求名义仓位
}

// Validator 下单前守护校验。
// 检查按固定顺序执行，第一个失败立即返回；全部通过才签发 Approval。
type Validator struct {
	limits Limits
}

// NewValidator 创建校验器
func NewValidator(limits Limits) *Validator {
	return &Validator{limits: limits}
}

// Validate 顺序执行：金库状态 → 资产白名单 → 交易员授权 → 杠杆 → 仓位边界。
// 通过后返回凭证，订单构建器凭此放行。
func (v *Validator) Validate(req CheckRequest) (*Approval, error) {
	vault := req.Vault
	if vault == nil || !vault.IsActive() {
		return nil, ErrVaultPaused
	}
	if !vault.AllowsAsset(req.Asset) {
		return nil, fmt.Errorf("%w: %s", ErrAssetNotAllowed, req.Asset)
	}
	if !strings.EqualFold(vault.TraderAddress, req.SignerAddress) {
		return nil, fmt.Errorf("%w: signer=%s trader=%s", ErrTraderNotAuthorized, req.SignerAddress, vault.TraderAddress)
	}
	if v.limits.MaxLeverage.IsPositive() && req.Leverage.GreaterThan(v.limits.MaxLeverage) {
		return nil, fmt.Errorf("%w: %s > %s", ErrLeverageExceeded, req.Leverage, v.limits.MaxLeverage)
	}
	if req.NotionalUSD.LessThan(v.limits.MinPositionUSD) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBelowMinimumPosition, req.NotionalUSD, v.limits.MinPositionUSD)
	}
	if vault.MaxPositionUSD > 0 {
		maxPos := decimal.NewFromFloat(vault.MaxPositionUSD)
		if req.NotionalUSD.GreaterThan(maxPos) {
			return nil, fmt.Errorf("%w: %s > %s", ErrAboveMaximumPosition, req.NotionalUSD, maxPos)
		}
	}

	riskLog.Debugf("✅ 风控通过: vault=%s asset=%s notional=%s leverage=%s",
		vault.Address, req.Asset, req.NotionalUSD, req.Leverage)
	return newApproval(vault.Address, req.Asset), nil
}
