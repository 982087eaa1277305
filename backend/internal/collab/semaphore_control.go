package collab

import (
	"context"
	"errors"
)

// DefaultSemaphoreSize 未配置时的并发上限
const DefaultSemaphoreSize = 100

var (
	ErrAcquireTimeout = errors.New("SEMAPHORE_ACQUIRE_TIMEOUT")
	ErrNotAcquired    = errors.New("SEMAPHORE_NOT_ACQUIRED")
)

// SemaphoreControl 基于带缓冲 channel 的计数信号量
type SemaphoreControl struct {
	ch chan struct{}
}

func NewSemaphoreControl(size int) *SemaphoreControl {
	if size <= 0 {
		size = DefaultSemaphoreSize
	}
	return &SemaphoreControl{ch: make(chan struct{}, size)}
}

// Acquire 阻塞到拿到名额或 ctx 结束
func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return errors.Join(ErrAcquireTimeout, ctx.Err())
	}
}

// TryAcquire 不等待，名额用完直接返回 false
func (s *SemaphoreControl) TryAcquire() bool {
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}

// InUse 当前被占用的名额数
func (s *SemaphoreControl) InUse() int { return len(s.ch) }
