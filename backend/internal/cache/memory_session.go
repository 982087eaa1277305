package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"otServer/backend/internal/ot"
	"otServer/backend/internal/session"
)

var _ session.Store = (*MemorySessionStore)(nil)

type memEntry struct {
	state session.State
	log   []ot.Operation
}

// MemorySessionStore 单进程部署 / 测试用，ttlcache 负责滑动过期
type MemorySessionStore struct {
	mu    sync.Mutex
	items *ttlcache.Cache[session.Key, *memEntry]
}

// NewMemorySessionStore ctx 结束时停止过期清理协程
func NewMemorySessionStore(ctx context.Context, ttl time.Duration) *MemorySessionStore {
	items := ttlcache.New[session.Key, *memEntry](
		// 每次 Get 都会刷新过期时间
		ttlcache.WithTTL[session.Key, *memEntry](ttl),
	)
	go items.Start()

	go func() {
		<-ctx.Done()
		items.Stop()
	}()

	return &MemorySessionStore{items: items}
}

func (s *MemorySessionStore) Load(ctx context.Context, key session.Key) (*session.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(key)
	log := make([]ot.Operation, len(e.log))
	copy(log, e.log)
	return &session.Session{Key: key, State: e.state, Log: log}, nil
}

func (s *MemorySessionStore) Append(ctx context.Context, key session.Key, expected session.Stamp, op ot.Operation, next session.State, capacity int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(key)
	if e.state.Stamp() != expected {
		return session.ErrVersionConflict
	}

	log := make([]ot.Operation, 0, len(e.log)+1)
	log = append(log, e.log...)
	log = append(log, op)
	if capacity > 0 && len(log) > capacity {
		log = log[len(log)-capacity:]
	}
	s.items.Set(key, &memEntry{state: next, log: log}, ttlcache.DefaultTTL)
	return nil
}

func (s *MemorySessionStore) ReplaceLog(ctx context.Context, key session.Key, expected session.Stamp, log []ot.Operation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.get(key)
	if e.state.Stamp() != expected {
		return session.ErrVersionConflict
	}
	kept := make([]ot.Operation, len(log))
	copy(kept, log)
	s.items.Set(key, &memEntry{state: e.state, log: kept}, ttlcache.DefaultTTL)
	return nil
}

func (s *MemorySessionStore) Reset(ctx context.Context, key session.Key, initial string) (session.State, error) {
	if err := ctx.Err(); err != nil {
		return session.State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	state := session.State{
		Content:   initial,
		Epoch:     nextEpoch(s.get(key).state.Epoch),
		UpdatedAt: time.Now(),
	}
	s.items.Set(key, &memEntry{state: state}, ttlcache.DefaultTTL)
	return state, nil
}

func (s *MemorySessionStore) Keys(ctx context.Context) ([]session.Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []session.Key
	for k, item := range s.items.Items() {
		if !item.IsExpired() {
			keys = append(keys, k)
		}
	}
	return keys, nil
}

// get 未命中（从未写入或已过期）时返回空会话，调用方需持有 s.mu
func (s *MemorySessionStore) get(key session.Key) *memEntry {
	if item := s.items.Get(key); item != nil {
		return item.Value()
	}
	return &memEntry{}
}
