package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var poolLog = logrus.WithField("component", "worker_pool")

// Task 一个交由 WorkerPool 异步执行的任务。
// Timeout > 0 时，Do 会在派生的超时 context 下运行。
type Task struct {
	Name    string
	Timeout time.Duration
	Do      func(ctx context.Context)
}

// WorkerPool 固定 worker 数 + 有界队列的任务池。
// 调度器把每个金库周期作为 Task 提交，队列满时直接丢弃（调用方记录跳过）。
type WorkerPool struct {
	workers int
	buffer  int

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc

	ch   chan Task
	wg   sync.WaitGroup
	once sync.Once
}

func NewWorkerPool(workers, buffer int) *WorkerPool {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &WorkerPool{
		workers: workers,
		buffer:  buffer,
		ch:      make(chan Task, buffer),
	}
}

func (p *WorkerPool) Start(ctx context.Context) {
	p.once.Do(func() {
		p.mu.Lock()
		p.ctx, p.cancel = context.WithCancel(ctx)
		p.mu.Unlock()

		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func(workerID int) {
				defer p.wg.Done()
				for {
					select {
					case <-p.ctx.Done():
						return
					case task := <-p.ch:
						if task.Do == nil {
							continue
						}
						runCtx := p.ctx
						cancel := func() {}
						if task.Timeout > 0 {
							runCtx, cancel = context.WithTimeout(p.ctx, task.Timeout)
						}
						func() {
							defer cancel()
							defer func() {
								if r := recover(); r != nil {
									poolLog.Errorf("任务 panic: worker=%d name=%s panic=%v", workerID, task.Name, r)
								}
							}()
							task.Do(runCtx)
						}()
					}
				}
			}(i)
		}

		poolLog.Infof("✅ WorkerPool 已启动 (workers=%d buffer=%d)", p.workers, cap(p.ch))
	})
}

func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		poolLog.Infof("✅ WorkerPool 已停止")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("停止 WorkerPool 超时: %w", ctx.Err())
	}
}

// Submit 非阻塞入队；队列满返回 false。
func (p *WorkerPool) Submit(task Task) bool {
	select {
	case p.ch <- task:
		return true
	default:
		poolLog.Warnf("⚠️ WorkerPool 队列已满，丢弃任务: %s", task.Name)
		return false
	}
}

func (p *WorkerPool) QueueLen() int {
	return len(p.ch)
}
