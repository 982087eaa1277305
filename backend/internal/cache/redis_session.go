package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	"otServer/backend/internal/ot"
	"otServer/backend/internal/session"
)

// 确保 RedisSessionStore 实现了 session.Store 接口
var _ session.Store = (*RedisSessionStore)(nil)

// appendScript 比较 (epoch, version) 后追加日志并覆盖状态，整个过程原子执行
var appendScript = redis.NewScript(`
-- KEYS[1] = stateKey   e.g. ot:state:{doc:1:field:title}
-- KEYS[2] = logKey     e.g. ot:log:{doc:1:field:title}
-- ARGV[1] = expected epoch, ARGV[2] = expected version
-- ARGV[3] = op JSON, ARGV[4] = log capacity, ARGV[5] = ttl (ms, 0 = never)
-- ARGV[6..] = state field/value pairs
local epoch = redis.call("HGET", KEYS[1], "epoch") or "0"
local version = redis.call("HGET", KEYS[1], "version") or "0"
if epoch ~= ARGV[1] or version ~= ARGV[2] then
	return 0
end
redis.call("RPUSH", KEYS[2], ARGV[3])
if tonumber(ARGV[4]) > 0 then
	redis.call("LTRIM", KEYS[2], "-" .. ARGV[4], "-1")
end
redis.call("HSET", KEYS[1], unpack(ARGV, 6))
if tonumber(ARGV[5]) > 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[5])
	redis.call("PEXPIRE", KEYS[2], ARGV[5])
end
return 1
`)

// replaceLogScript 比较 (epoch, version) 后整体替换日志，状态不动
var replaceLogScript = redis.NewScript(`
-- KEYS[1] = stateKey, KEYS[2] = logKey
-- ARGV[1] = expected epoch, ARGV[2] = expected version, ARGV[3] = ttl (ms)
-- ARGV[4..] = op JSON, oldest first
local epoch = redis.call("HGET", KEYS[1], "epoch") or "0"
local version = redis.call("HGET", KEYS[1], "version") or "0"
if epoch ~= ARGV[1] or version ~= ARGV[2] then
	return 0
end
redis.call("DEL", KEYS[2])
for i = 4, #ARGV do
	redis.call("RPUSH", KEYS[2], ARGV[i])
end
if tonumber(ARGV[3]) > 0 then
	redis.call("PEXPIRE", KEYS[2], ARGV[3])
end
return 1
`)

// RedisSessionStore 把每个 (document, field) 存成两个 key：日志 List + 状态 Hash
type RedisSessionStore struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

// NewRedisSessionStore ttl 为滑动过期时间，<=0 表示不过期
func NewRedisSessionStore(rdb redis.UniversalClient, ttl time.Duration) *RedisSessionStore {
	return &RedisSessionStore{rdb: rdb, ttl: ttl}
}

func (s *RedisSessionStore) Load(ctx context.Context, key session.Key) (*session.Session, error) {
	// 读取的同时刷新 TTL
	pipe := s.rdb.TxPipeline()
	stateCmd := pipe.HGetAll(ctx, stateKey(key))
	logCmd := pipe.LRange(ctx, logKey(key), 0, -1)
	if s.ttl > 0 {
		pipe.PExpire(ctx, stateKey(key), s.ttl)
		pipe.PExpire(ctx, logKey(key), s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	state, err := decodeState(stateCmd.Val())
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", key, err)
	}
	log := make([]ot.Operation, 0, len(logCmd.Val()))
	for i, raw := range logCmd.Val() {
		var op ot.Operation
		if err := json.Unmarshal([]byte(raw), &op); err != nil {
			return nil, fmt.Errorf("session %s: log entry %d: %w", key, i, err)
		}
		log = append(log, op)
	}
	return &session.Session{Key: key, State: state, Log: log}, nil
}

func (s *RedisSessionStore) Append(ctx context.Context, key session.Key, expected session.Stamp, op ot.Operation, next session.State, capacity int) error {
	data, err := json.Marshal(op)
	if err != nil {
		return err
	}
	args := []any{
		strconv.FormatUint(expected.Epoch, 10),
		strconv.FormatUint(expected.Version, 10),
		data,
		max(capacity, 0),
		s.ttl.Milliseconds(),
	}
	args = append(args, stateFields(next)...)

	ok, err := appendScript.Run(ctx, s.rdb, []string{stateKey(key), logKey(key)}, args...).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return session.ErrVersionConflict
	}
	return nil
}

func (s *RedisSessionStore) ReplaceLog(ctx context.Context, key session.Key, expected session.Stamp, log []ot.Operation) error {
	args := make([]any, 0, len(log)+3)
	args = append(args,
		strconv.FormatUint(expected.Epoch, 10),
		strconv.FormatUint(expected.Version, 10),
		s.ttl.Milliseconds(),
	)
	for _, op := range log {
		data, err := json.Marshal(op)
		if err != nil {
			return err
		}
		args = append(args, data)
	}

	ok, err := replaceLogScript.Run(ctx, s.rdb, []string{stateKey(key), logKey(key)}, args...).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return session.ErrVersionConflict
	}
	return nil
}

func (s *RedisSessionStore) Reset(ctx context.Context, key session.Key, initial string) (session.State, error) {
	prev, err := s.rdb.HGet(ctx, stateKey(key), "epoch").Uint64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return session.State{}, err
	}
	state := session.State{
		Content:   initial,
		Epoch:     nextEpoch(prev),
		UpdatedAt: time.Now(),
	}

	tx := s.rdb.TxPipeline()
	tx.Del(ctx, logKey(key), stateKey(key))
	tx.HSet(ctx, stateKey(key), stateFields(state)...)
	if s.ttl > 0 {
		tx.PExpire(ctx, stateKey(key), s.ttl)
	}
	if _, err := tx.Exec(ctx); err != nil {
		return session.State{}, err
	}
	return state, nil
}

// Keys 用 SCAN 遍历所有 stateKey；集群模式下逐个 master 扫描
func (s *RedisSessionStore) Keys(ctx context.Context) ([]session.Key, error) {
	var (
		mu   sync.Mutex
		keys []session.Key
	)
	scan := func(ctx context.Context, c redis.UniversalClient) error {
		iter := c.Scan(ctx, 0, stateScan, 0).Iterator()
		for iter.Next(ctx) {
			k, ok := parseStateKey(iter.Val())
			if !ok {
				continue
			}
			mu.Lock()
			keys = append(keys, k)
			mu.Unlock()
		}
		return iter.Err()
	}

	if cc, ok := s.rdb.(*redis.ClusterClient); ok {
		err := cc.ForEachMaster(ctx, func(ctx context.Context, c *redis.Client) error {
			return scan(ctx, c)
		})
		return keys, err
	}
	if err := scan(ctx, s.rdb); err != nil {
		return nil, err
	}
	return keys, nil
}

func stateFields(st session.State) []any {
	return []any{
		"content", st.Content,
		"version", strconv.FormatUint(st.Version, 10),
		"epoch", strconv.FormatUint(st.Epoch, 10),
		"lastTs", strconv.FormatFloat(st.LastTimestamp, 'f', -1, 64),
		"updatedAt", strconv.FormatInt(unixMilli(st.UpdatedAt), 10),
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func decodeState(h map[string]string) (session.State, error) {
	var (
		st  session.State
		err error
	)
	if len(h) == 0 {
		return st, nil
	}
	st.Content = h["content"]
	if v, ok := h["version"]; ok {
		if st.Version, err = strconv.ParseUint(v, 10, 64); err != nil {
			return st, fmt.Errorf("bad version %q: %w", v, err)
		}
	}
	if v, ok := h["epoch"]; ok {
		if st.Epoch, err = strconv.ParseUint(v, 10, 64); err != nil {
			return st, fmt.Errorf("bad epoch %q: %w", v, err)
		}
	}
	if v, ok := h["lastTs"]; ok {
		if st.LastTimestamp, err = strconv.ParseFloat(v, 64); err != nil {
			return st, fmt.Errorf("bad lastTs %q: %w", v, err)
		}
	}
	if v, ok := h["updatedAt"]; ok {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return st, fmt.Errorf("bad updatedAt %q: %w", v, err)
		}
		if ms > 0 {
			st.UpdatedAt = time.UnixMilli(ms)
		}
	}
	return st, nil
}

// nextEpoch 取纳秒时钟，保证过期重建后的 epoch 也不会和旧值相同
func nextEpoch(prev uint64) uint64 {
	now := uint64(time.Now().UnixNano())
	if now <= prev {
		return prev + 1
	}
	return now
}
