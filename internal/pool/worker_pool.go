package pool

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolStopped 协程池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// Task 池中执行的任务，ctx 在池停止时取消
type Task func(ctx context.Context)

// WorkerPool 协程池
//
// 限制同时处理的 Telegram 更新数量：一次取码扫描最长 30 秒，
// 放在池中执行时不会阻塞其他用户的请求。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan Task
	wg         sync.WaitGroup
	log        *zap.Logger
	onPanic    func()

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan Task, queueSize),
		log:        log.Named("pool"),
	}
}

// OnPanic 设置任务 panic 时的回调（例如记录指标）
func (p *WorkerPool) OnPanic(fn func()) {
	p.onPanic = fn
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit 提交任务
//
// 如果队列已满，会阻塞直到有空位或 ctx 取消
func (p *WorkerPool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.taskQueue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TrySubmit 尝试提交任务
//
// 如果队列已满，立即返回 false
func (p *WorkerPool) TrySubmit(task Task) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return false
	}

	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Stop 停止接收任务并等待队列中的任务执行完
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(ctx, task)
		}
	}
}

// run 执行任务（捕获 panic）
func (p *WorkerPool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			if p.onPanic != nil {
				p.onPanic()
			}
		}
	}()
	task(ctx)
}
