package strategies

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atlasvault/gotrader/internal/domain"
)

// Strategy 信号策略：输入升序K线，输出与K线逐根对齐的方向序列。
// +1=当根出现做多入场，-1=出现做空/离场，0=无动作。
// 实现必须是纯函数：同样的K线必须产生同样的序列。
type Strategy interface {
	Slug() string
	GenerateSignals(candles domain.CandleSeries) ([]domain.Direction, error)
}

// Factory 策略构造函数
type Factory func() Strategy

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register 注册策略工厂（由各策略包的 init 调用），slug 重复直接 panic
func Register(slug string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[slug]; dup {
		panic(fmt.Sprintf("strategies: duplicate slug %q", slug))
	}
	registry[slug] = factory
}

// New 按 slug 创建策略实例
func New(slug string) (Strategy, error) {
	registryMu.RLock()
	factory, ok := registry[slug]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategies: unknown strategy %q", slug)
	}
	return factory(), nil
}

// Slugs 已注册的策略 slug（升序）
func Slugs() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for slug := range registry {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}
