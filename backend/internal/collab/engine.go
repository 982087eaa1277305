package collab

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/singleflight"

	"otServer/backend/internal/ot"
	"otServer/backend/internal/session"
)

var (
	ErrStoreUnavailable   = errors.New("STORE_UNAVAILABLE")
	ErrDuplicateOperation = errors.New("DUPLICATE_OPERATION")
	ErrHistoryUnavailable = errors.New("HISTORY_UNAVAILABLE")
	ErrVersionConflict    = errors.New("VERSION_CONFLICT")
	ErrSnapshotsDisabled  = errors.New("SNAPSHOT_STORE_NOT_CONFIGURED")
	ErrSnapshotNotFound   = errors.New("SNAPSHOT_NOT_FOUND")
)

const (
	DefaultMaxCASRetries  = 3
	DefaultPublishTimeout = 50 * time.Millisecond
	DefaultLoadTimeout    = 2 * time.Second
)

// 快照存储接口，实现在 store 包
type SnapshotStore interface {
	SaveFieldSnapshot(ctx context.Context, key session.Key, st session.State) error
	LatestFieldSnapshot(ctx context.Context, key session.Key) (st session.State, found bool, err error)
}

type Options struct {
	LogCapacity    int
	MaxCASRetries  int
	PublishTimeout time.Duration
	// GetState 合并读取的超时
	LoadTimeout time.Duration
}

// Engine 是会话状态的唯一入口：校验、对遗漏历史做变换、追加日志并更新快照
type Engine struct {
	store     session.Store
	snapshots SnapshotStore // 可为 nil
	events    Publisher     // 可为 nil

	locks *KeyedMutex
	sf    singleflight.Group

	logCapacity    int
	maxRetries     int
	publishTimeout time.Duration
	loadTimeout    time.Duration
}

func NewEngine(store session.Store, snapshots SnapshotStore, events Publisher, opt Options) *Engine {
	if opt.LogCapacity <= 0 {
		opt.LogCapacity = session.DefaultLogCapacity
	}
	if opt.MaxCASRetries <= 0 {
		opt.MaxCASRetries = DefaultMaxCASRetries
	}
	if opt.PublishTimeout <= 0 {
		opt.PublishTimeout = DefaultPublishTimeout
	}
	if opt.LoadTimeout <= 0 {
		opt.LoadTimeout = DefaultLoadTimeout
	}
	return &Engine{
		store:          store,
		snapshots:      snapshots,
		events:         events,
		locks:          NewKeyedMutex(),
		logCapacity:    opt.LogCapacity,
		maxRetries:     opt.MaxCASRetries,
		publishTimeout: opt.PublishTimeout,
		loadTimeout:    opt.LoadTimeout,
	}
}

// Receive 接收一个基于 baseVersion 产生的操作，返回变换后、已落库的操作，调用方负责广播。
// author 来自已认证的连接，payload 里的 author 一律忽略。
func (e *Engine) Receive(ctx context.Context, key session.Key, op ot.Operation, baseVersion uint64, author string) (ot.Operation, error) {
	if err := key.Validate(); err != nil {
		return ot.Operation{}, &ot.ValidationError{Field: "key", Reason: err.Error()}
	}
	if author == "" {
		return ot.Operation{}, &ot.ValidationError{Field: "author", Reason: "author is required"}
	}
	op.Author = author
	op.Version = 0
	op.Normalize()
	if err := op.Validate(); err != nil {
		return ot.Operation{}, err
	}

	if err := e.locks.Lock(ctx, key.String()); err != nil {
		return ot.Operation{}, err
	}
	defer e.locks.Unlock(key.String())

	for attempt := 0; ; attempt++ {
		applied, err := e.receiveOnce(ctx, key, op, baseVersion)
		if errors.Is(err, session.ErrVersionConflict) {
			// 其他实例抢先写入，重新加载后再试
			if attempt < e.maxRetries {
				log.Printf("ot cas conflict, retry key=%s op=%s attempt=%d", key, op.ID, attempt+1)
				continue
			}
			return ot.Operation{}, fmt.Errorf("%w: %s after %d attempts", ErrVersionConflict, key, attempt+1)
		}
		if err != nil {
			return applied, err
		}

		e.publish(ctx, opAppliedEvent(key, applied, baseVersion))
		return applied, nil
	}
}

func (e *Engine) receiveOnce(ctx context.Context, key session.Key, op ot.Operation, baseVersion uint64) (ot.Operation, error) {
	sess, err := e.store.Load(ctx, key)
	if err != nil {
		return ot.Operation{}, storeErr("load", key, err)
	}

	// 幂等：同一作者的同一个 id 已经被接受过，直接返回当时的结果。
	// 先于 base 检查，重试时 base 已被淘汰或超前也能拿到 ack
	if logged, dup := sess.Find(op.Author, op.ID); dup {
		return logged, ErrDuplicateOperation
	}

	if baseVersion > sess.State.Version {
		return ot.Operation{}, &ot.ValidationError{
			Field:  "baseVersion",
			Reason: fmt.Sprintf("base version %d is ahead of session version %d", baseVersion, sess.State.Version),
		}
	}
	missed, ok := sess.Since(baseVersion)
	if !ok {
		return ot.Operation{}, fmt.Errorf("%w: %s base version %d is older than the retained log", ErrHistoryUnavailable, key, baseVersion)
	}

	transformed := op
	for _, h := range missed {
		// 同一作者的操作客户端本地已经包含
		if h.Author == op.Author {
			continue
		}
		if transformed, err = ot.Transform(transformed, h); err != nil {
			return ot.Operation{}, err
		}
	}

	content, err := ot.Apply(sess.State.Content, transformed)
	if err != nil {
		return ot.Operation{}, err
	}
	if err := ctx.Err(); err != nil {
		return ot.Operation{}, err
	}

	transformed.Version = sess.State.Version + 1
	next := session.State{
		Content:       content,
		Version:       transformed.Version,
		Epoch:         sess.State.Epoch,
		LastTimestamp: max(sess.State.LastTimestamp, transformed.Timestamp),
		UpdatedAt:     time.Now(),
	}
	if err := e.store.Append(ctx, key, sess.State.Stamp(), transformed, next, e.logCapacity); err != nil {
		if errors.Is(err, session.ErrVersionConflict) {
			return ot.Operation{}, err
		}
		return ot.Operation{}, storeErr("append", key, err)
	}
	return transformed, nil
}

// GetState 返回字段当前内容，会话不存在时为空串。
// 同一 key 的并发读取合并成一次 Load，结果可能比调用方自己刚写入的版本旧。
func (e *Engine) GetState(ctx context.Context, key session.Key) (string, error) {
	if err := key.Validate(); err != nil {
		return "", &ot.ValidationError{Field: "key", Reason: err.Error()}
	}
	v, err, _ := e.sf.Do(key.String(), func() (any, error) {
		// 合并后的读取不能被第一个调用方的取消带走
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.loadTimeout)
		defer cancel()
		st, err := e.GetVersion(loadCtx, key)
		if err != nil {
			return nil, err
		}
		return st.Content, nil
	})
	if err != nil {
		return "", err
	}
	if content, ok := v.(string); ok {
		return content, nil
	}
	return "", errors.New("internal type error")
}

// GetVersion 返回当前内容和版本，客户端 join / 追平时以它作为 baseVersion
func (e *Engine) GetVersion(ctx context.Context, key session.Key) (session.State, error) {
	if err := key.Validate(); err != nil {
		return session.State{}, &ot.ValidationError{Field: "key", Reason: err.Error()}
	}
	sess, err := e.store.Load(ctx, key)
	if err != nil {
		return session.State{}, storeErr("load", key, err)
	}
	return sess.State, nil
}

// ResetDocumentState 清空日志和版本号，用 initial 作为新的基线
func (e *Engine) ResetDocumentState(ctx context.Context, key session.Key, initial string) (session.State, error) {
	if err := key.Validate(); err != nil {
		return session.State{}, &ot.ValidationError{Field: "key", Reason: err.Error()}
	}
	if err := e.locks.Lock(ctx, key.String()); err != nil {
		return session.State{}, err
	}
	defer e.locks.Unlock(key.String())

	st, err := e.store.Reset(ctx, key, initial)
	if err != nil {
		return session.State{}, storeErr("reset", key, err)
	}
	log.Printf("ot field reset key=%s epoch=%d len=%d", key, st.Epoch, len(st.Content))
	e.publish(ctx, fieldResetEvent(key, st))
	return st, nil
}

// GetOperationHistory 最近 limit 条日志，从旧到新
func (e *Engine) GetOperationHistory(ctx context.Context, key session.Key, limit int) ([]ot.Operation, error) {
	if err := key.Validate(); err != nil {
		return nil, &ot.ValidationError{Field: "key", Reason: err.Error()}
	}
	sess, err := e.store.Load(ctx, key)
	if err != nil {
		return nil, storeErr("load", key, err)
	}
	return sess.Tail(limit), nil
}

// OperationsSince 返回 version 之后接受的全部操作，用于客户端追平
func (e *Engine) OperationsSince(ctx context.Context, key session.Key, version uint64) ([]ot.Operation, session.State, error) {
	if err := key.Validate(); err != nil {
		return nil, session.State{}, &ot.ValidationError{Field: "key", Reason: err.Error()}
	}
	sess, err := e.store.Load(ctx, key)
	if err != nil {
		return nil, session.State{}, storeErr("load", key, err)
	}
	if version > sess.State.Version {
		return nil, sess.State, &ot.ValidationError{
			Field:  "since",
			Reason: fmt.Sprintf("version %d is ahead of session version %d", version, sess.State.Version),
		}
	}
	ops, ok := sess.Since(version)
	if !ok {
		return nil, sess.State, fmt.Errorf("%w: %s version %d is older than the retained log", ErrHistoryUnavailable, key, version)
	}
	if ops == nil {
		ops = []ot.Operation{}
	}
	return ops, sess.State, nil
}

// CleanupOldOperations 删除早于 now-maxAge 的日志条目，快照不受影响。返回删除条数。
func (e *Engine) CleanupOldOperations(ctx context.Context, key session.Key, maxAge time.Duration) (int, error) {
	if err := key.Validate(); err != nil {
		return 0, &ot.ValidationError{Field: "key", Reason: err.Error()}
	}
	if maxAge < 0 {
		return 0, &ot.ValidationError{Field: "maxAge", Reason: "max age must be >= 0"}
	}
	if err := e.locks.Lock(ctx, key.String()); err != nil {
		return 0, err
	}
	defer e.locks.Unlock(key.String())

	cutoff := ot.NowTimestamp() - maxAge.Seconds()
	for attempt := 0; ; attempt++ {
		sess, err := e.store.Load(ctx, key)
		if err != nil {
			return 0, storeErr("load", key, err)
		}
		kept := session.Prune(sess.Log, cutoff)
		removed := len(sess.Log) - len(kept)
		if removed == 0 {
			return 0, nil
		}

		err = e.store.ReplaceLog(ctx, key, sess.State.Stamp(), kept)
		if err == nil {
			return removed, nil
		}
		if !errors.Is(err, session.ErrVersionConflict) {
			return 0, storeErr("replace log", key, err)
		}
		if attempt >= e.maxRetries {
			return 0, fmt.Errorf("%w: %s cleanup after %d attempts", ErrVersionConflict, key, attempt+1)
		}
	}
}

// SaveSnapshot 把当前内容持久化到快照库
func (e *Engine) SaveSnapshot(ctx context.Context, key session.Key) (session.State, error) {
	if e.snapshots == nil {
		return session.State{}, ErrSnapshotsDisabled
	}
	st, err := e.GetVersion(ctx, key)
	if err != nil {
		return session.State{}, err
	}
	if err := e.snapshots.SaveFieldSnapshot(ctx, key, st); err != nil {
		return session.State{}, storeErr("save snapshot", key, err)
	}
	return st, nil
}

// RestoreSnapshot 用快照库里最新的快照重置会话
func (e *Engine) RestoreSnapshot(ctx context.Context, key session.Key) (session.State, error) {
	if e.snapshots == nil {
		return session.State{}, ErrSnapshotsDisabled
	}
	if err := key.Validate(); err != nil {
		return session.State{}, &ot.ValidationError{Field: "key", Reason: err.Error()}
	}
	snap, found, err := e.snapshots.LatestFieldSnapshot(ctx, key)
	if err != nil {
		return session.State{}, storeErr("load snapshot", key, err)
	}
	if !found {
		return session.State{}, fmt.Errorf("%w: %s", ErrSnapshotNotFound, key)
	}
	log.Printf("ot restore snapshot key=%s snapshotEpoch=%d snapshotVersion=%d", key, snap.Epoch, snap.Version)
	return e.ResetDocumentState(ctx, key, snap.Content)
}

// publish 尽力而为：队列满或超时直接丢弃，不影响已经落库的结果
func (e *Engine) publish(ctx context.Context, evt DocOpEvent) {
	if e.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.publishTimeout)
	defer cancel()
	if err := e.events.Enqueue(ctx, evt); err != nil {
		log.Printf("ot event dropped type=%s key=%s op=%s err=%v", evt.EventType, evt.PartitionKey(), evt.OperationID, err)
	}
}

// storeErr 存储层错误统一包装成 ErrStoreUnavailable；ctx 取消原样返回
func storeErr(action string, key session.Key, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", ErrStoreUnavailable, action, key, err)
}
