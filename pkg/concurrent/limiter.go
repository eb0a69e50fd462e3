package concurrent

import (
	"context"
	"sync"
)

// Limiter 限制同时运行的任务数
type Limiter interface {
	// Acquire blocks until a slot is free or ctx is done.
	Acquire(ctx context.Context) error
	Release()
}

type limiter struct {
	working chan struct{}
}

func NewLimiter(maxConcurrency int) Limiter {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &limiter{
		working: make(chan struct{}, maxConcurrency),
	}
}

func (in *limiter) Acquire(ctx context.Context) error {
	select {
	case in.working <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *limiter) Release() {
	<-in.working
}

// Each 以最多maxConcurrency个goroutine对items执行fn，ctx结束后不再启动新任务
func Each[T any](ctx context.Context, maxConcurrency int, items []T, fn func(T)) error {
	var (
		wg sync.WaitGroup
		l  = NewLimiter(maxConcurrency)
	)
	defer wg.Wait()
	for _, item := range items {
		if err := l.Acquire(ctx); err != nil {
			return err
		}
		item := item
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.Release()
			fn(item)
		}()
	}
	return nil
}
