package risk

import (
	"fmt"
	"sync/atomic"
	"time"
)

// ErrCircuitBreakerOpen 表示熔断器已打开，当前金库禁止继续下单。
var ErrCircuitBreakerOpen = fmt.Errorf("circuit breaker open")

// CircuitBreakerConfig 熔断器配置。
// 约定：阈值 <= 0 表示关闭对应限制。
type CircuitBreakerConfig struct {
	// MaxConsecutiveFailures 连续执行失败上限，达到后进入冷却。
	MaxConsecutiveFailures int64

	// Cooldown 熔断后的冷却时长，冷却结束自动半开（允许一次尝试）。
	Cooldown time.Duration
}

// CircuitBreaker 单金库熔断器。快路径使用原子变量，无锁。
type CircuitBreaker struct {
	halted       atomic.Bool
	haltedAtUnix atomic.Int64 // 熔断时刻（Unix 秒）

	consecutiveFailures atomic.Int64

	maxFailures     atomic.Int64
	cooldownSeconds atomic.Int64
}

func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	cb := &CircuitBreaker{}
	cb.SetConfig(cfg)
	return cb
}

func (cb *CircuitBreaker) SetConfig(cfg CircuitBreakerConfig) {
	if cb == nil {
		return
	}
	cb.maxFailures.Store(cfg.MaxConsecutiveFailures)
	cb.cooldownSeconds.Store(int64(cfg.Cooldown / time.Second))
}

// Halt 手动熔断（人工介入或检测到严重异常）。
func (cb *CircuitBreaker) Halt() {
	if cb == nil {
		return
	}
	cb.halted.Store(true)
	cb.haltedAtUnix.Store(time.Now().Unix())
}

// Resume 手动恢复（同时清空失败计数）。
func (cb *CircuitBreaker) Resume() {
	if cb == nil {
		return
	}
	cb.halted.Store(false)
	cb.consecutiveFailures.Store(0)
}

// AllowTrading 快路径检查是否允许下单。
// 冷却期结束自动恢复为半开状态：放行一次尝试，失败立即重新熔断。
func (cb *CircuitBreaker) AllowTrading() error {
	if cb == nil {
		return nil
	}

	if cb.halted.Load() {
		cooldown := cb.cooldownSeconds.Load()
		if cooldown > 0 && time.Now().Unix()-cb.haltedAtUnix.Load() >= cooldown {
			// 半开：清到阈值-1，允许一次尝试
			cb.halted.Store(false)
			cb.consecutiveFailures.Store(cb.maxFailures.Load() - 1)
		} else {
			return ErrCircuitBreakerOpen
		}
	}

	maxF := cb.maxFailures.Load()
	if maxF > 0 && cb.consecutiveFailures.Load() >= maxF {
		cb.Halt()
		return ErrCircuitBreakerOpen
	}
	return nil
}

// OnSuccess 一次执行成功后调用，清空连续失败计数。
func (cb *CircuitBreaker) OnSuccess() {
	if cb == nil {
		return
	}
	cb.consecutiveFailures.Store(0)
}

// OnFailure 一次执行失败后调用，累计连续失败并在达到阈值时熔断。
func (cb *CircuitBreaker) OnFailure() {
	if cb == nil {
		return
	}
	n := cb.consecutiveFailures.Add(1)
	if maxF := cb.maxFailures.Load(); maxF > 0 && n >= maxF {
		cb.Halt()
	}
}

// Open 当前是否处于熔断状态
func (cb *CircuitBreaker) Open() bool {
	if cb == nil {
		return false
	}
	return cb.halted.Load()
}
