package risk

import (
	"strings"
	"sync"
)

// BreakerSet 按金库维护相互独立的熔断器。
// 一个金库连续失败触发的熔断只影响该金库，其他金库照常交易。
type BreakerSet struct {
	cfg CircuitBreakerConfig

	mu      sync.Mutex
	byVault map[string]*CircuitBreaker
}

// NewBreakerSet 创建熔断器集合，所有金库共用同一份阈值配置。
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	return &BreakerSet{
		cfg:     cfg,
		byVault: make(map[string]*CircuitBreaker),
	}
}

// For 返回指定金库的熔断器（地址大小写不敏感，首次访问时创建）。
func (s *BreakerSet) For(vault string) *CircuitBreaker {
	key := strings.ToLower(strings.TrimSpace(vault))
	s.mu.Lock()
	defer s.mu.Unlock()
	cb, ok := s.byVault[key]
	if !ok {
		cb = NewCircuitBreaker(s.cfg)
		s.byVault[key] = cb
	}
	return cb
}

// States 各金库的熔断状态快照（key 为小写地址）。
func (s *BreakerSet) States() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.byVault))
	for key, cb := range s.byVault {
		out[key] = cb.Open()
	}
	return out
}
