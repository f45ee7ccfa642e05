package risk

import (
	"strings"
	"time"
)

// Approval 风控校验通过后签发的凭证。
// 只有 Validator 能签发，订单构建器凭此拒绝未经校验的请求。
type Approval struct {
	vault    string
	asset    string
	issuedAt time.Time
}

func newApproval(vault, asset string) *Approval {
	return &Approval{
		vault:    strings.ToLower(vault),
		asset:    strings.ToUpper(asset),
		issuedAt: time.Now(),
	}
}

// Covers 凭证是否覆盖指定金库与资产
func (a *Approval) Covers(vault, asset string) bool {
	if a == nil {
		return false
	}
	return a.vault == strings.ToLower(vault) && a.asset == strings.ToUpper(asset)
}

// IssuedAt 签发时间
func (a *Approval) IssuedAt() time.Time {
	return a.issuedAt
}
