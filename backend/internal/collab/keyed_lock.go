package collab

import (
	"context"
	"sync"
)

// KeyedMutex 每个 key 一把互斥锁（容量为 1 的 SemaphoreControl），不同 key 互不阻塞。
// 没有等待者的锁会被回收，map 不会随 key 数量无限增长。
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	sem  *SemaphoreControl
	refs int // 持有者 + 等待者
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock 获取 key 的锁；ctx 结束时放弃等待并返回 ctx.Err()
func (m *KeyedMutex) Lock(ctx context.Context, key string) error {
	m.mu.Lock()
	l := m.locks[key]
	if l == nil {
		l = &keyLock{sem: NewSemaphoreControl(1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	if err := l.sem.Acquire(ctx); err != nil {
		m.release(key, l)
		return ctx.Err()
	}
	return nil
}

func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	l := m.locks[key]
	m.mu.Unlock()
	if l == nil {
		panic("collab: unlock of unlocked key " + key)
	}
	_ = l.sem.Release()
	m.release(key, l)
}

func (m *KeyedMutex) release(key string, l *keyLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

// size 当前 map 里的 key 数量，测试用
func (m *KeyedMutex) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
