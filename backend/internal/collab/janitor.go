package collab

import (
	"context"
	"fmt"
	"log"
	"time"
)

// RunJanitor 每隔 interval 对所有存活会话执行一次 CleanupOldOperations，ctx 结束时退出
func (e *Engine) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := e.Sweep(ctx, maxAge); err != nil {
				log.Printf("ot janitor sweep failed removed=%d err=%v", removed, err)
			} else if removed > 0 {
				log.Printf("ot janitor removed=%d maxAge=%s", removed, maxAge)
			}
		}
	}
}

// Sweep 清理一遍所有会话，单个会话失败不影响其他会话，返回最后一个错误
func (e *Engine) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	keys, err := e.store.Keys(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: list keys: %w", ErrStoreUnavailable, err)
	}

	var (
		total   int
		lastErr error
	)
	for _, key := range keys {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := e.CleanupOldOperations(ctx, key, maxAge)
		if err != nil {
			log.Printf("ot janitor cleanup failed key=%s err=%v", key, err)
			lastErr = err
			continue
		}
		total += n
	}
	return total, lastErr
}
