package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueFull   = errors.New("request queue is full")
	ErrPoolStopped = errors.New("worker pool is stopped")
)

// Job is one unit of work, typically a full dispatch of one request.
type Job func(ctx context.Context) ([]byte, error)

type poolItem struct {
	ctx      context.Context
	job      Job
	enqueued time.Time
	result   chan poolResult
}

type poolResult struct {
	payload []byte
	err     error
}

type WorkerPoolConfig struct {
	Workers   int
	QueueSize int
	Logger    *zap.Logger
	// Hooks receive a JobEvent after every executed job.
	Hooks TelemetryHooks
}

// WorkerPool runs jobs on a fixed set of goroutines behind a bounded queue.
// Submit never blocks on a full queue.
type WorkerPool struct {
	cfg WorkerPoolConfig

	queue    chan poolItem
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
	hooks    TelemetryHooks
}

func NewWorkerPool(cfg WorkerPoolConfig) (*WorkerPool, error) {
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be > 0")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	hooks := cfg.Hooks
	if hooks == nil {
		hooks = NopTelemetryHooks{}
	}
	return &WorkerPool{
		cfg:    cfg,
		queue:  make(chan poolItem, cfg.QueueSize),
		stop:   make(chan struct{}),
		logger: logger,
		hooks:  hooks,
	}, nil
}

func (p *WorkerPool) Start() {
	for worker := 0; worker < p.cfg.Workers; worker++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run()
		}()
	}
}

// Stop is idempotent. Jobs still queued fail with ErrPoolStopped.
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
	p.wg.Wait()
	for {
		select {
		case item := <-p.queue:
			item.result <- poolResult{err: ErrPoolStopped}
		default:
			return
		}
	}
}

func (p *WorkerPool) Stopped() bool {
	select {
	case <-p.stop:
		return true
	default:
		return false
	}
}

func (p *WorkerPool) QueueDepth() int {
	return len(p.queue)
}

func (p *WorkerPool) Submit(ctx context.Context, job Job) ([]byte, error) {
	resultCh := make(chan poolResult, 1)
	item := poolItem{
		ctx:      ctx,
		job:      job,
		enqueued: time.Now(),
		result:   resultCh,
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stop:
		return nil, ErrPoolStopped
	default:
	}

	select {
	case p.queue <- item:
	default:
		return nil, ErrQueueFull
	}

	select {
	case result := <-resultCh:
		return result.payload, result.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.stop:
		return nil, ErrPoolStopped
	}
}

func (p *WorkerPool) run() {
	for {
		select {
		case <-p.stop:
			return
		case item := <-p.queue:
			p.process(item)
		}
	}
}

func (p *WorkerPool) process(item poolItem) {
	start := time.Now()
	queueWait := start.Sub(item.enqueued)
	if queueWait < 0 {
		queueWait = 0
	}
	depth := len(p.queue)

	// The caller gave up while the job was queued.
	if err := item.ctx.Err(); err != nil {
		item.result <- poolResult{err: err}
		return
	}

	payload, err := item.job(item.ctx)
	runTime := time.Since(start)
	p.hooks.OnJob(item.ctx, JobEvent{
		QueueWait:  queueWait,
		RunTime:    runTime,
		QueueDepth: depth,
		Err:        err,
	})
	if err != nil {
		p.logger.Debug(
			"pool_job_failed",
			zap.Duration("queue_wait", queueWait),
			zap.Duration("run_time", runTime),
			zap.Error(err),
		)
	}
	item.result <- poolResult{payload: payload, err: err}
}
