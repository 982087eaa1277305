package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"otServer/backend/internal/collab"
	"otServer/backend/internal/ot"
	"otServer/backend/internal/session"
)

const (
	sendQueueSize      = 64
	submitTimeout      = 200 * time.Millisecond
	defaultHistorySize = 50
)

type Conn struct {
	ws  *websocket.Conn
	hub *Hub
	// 当前所在房间，join 之前为零值
	key      session.Key
	userID   string
	username string

	// 出站队列，由 writeLoop 单独消费
	send   chan OutboundMessage
	mu     sync.Mutex
	closed bool

	engine *collab.Engine
	sem    *collab.SemaphoreControl
}

func NewConn(ws *websocket.Conn, hub *Hub, userID, username string, engine *collab.Engine, sem *collab.SemaphoreControl) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		userID:   userID,
		username: username,
		send:     make(chan OutboundMessage, sendQueueSize),
		engine:   engine,
		sem:      sem,
	}
}

// Enqueue 非阻塞入队，队列满或连接已关闭时丢弃
func (c *Conn) Enqueue(msg OutboundMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		log.Printf("ws send queue full, drop %s (user=%s)", msg.MessageType(), c.userID)
		return false
	}
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) sendError(key session.Key, err error) {
	c.Enqueue(ServerMessage{
		Type:    TypeError,
		DocID:   key.DocumentID,
		Field:   key.Field,
		Code:    collab.ErrorCode(err),
		Message: err.Error(),
	})
}

// msgKey 消息里没带 docId/field 时沿用当前房间
func (c *Conn) msgKey(msg ClientMessage) session.Key {
	key := c.key
	if msg.DocID != "" {
		key.DocumentID = msg.DocID
	}
	if msg.Field != "" {
		key.Field = msg.Field
	}
	return key
}

func (c *Conn) handleJoin(ctx context.Context, key session.Key) {
	st, err := c.engine.GetVersion(ctx, key)
	if err != nil {
		c.sendError(key, err)
		return
	}
	if c.key != key {
		// 先离开旧房间
		if c.key != (session.Key{}) {
			c.hub.Leave(c.key, c)
		}
		c.key = key
		c.hub.Join(key, c)
	}
	c.Enqueue(ServerMessage{Type: TypeJoined, DocID: key.DocumentID, Field: key.Field, Version: st.Version, Content: st.Content})
}

func (c *Conn) handleOpSubmit(ctx context.Context, key session.Key, msg ClientMessage) {
	submitCtx, cancel := context.WithTimeout(ctx, submitTimeout)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.sendError(key, err)
		return
	}
	defer c.sem.Release()

	payload, err := ot.DecodePayload(msg.Operation)
	if err != nil {
		c.sendError(key, err)
		return
	}

	op := payload.Operation(c.userID)
	applied, err := c.engine.Receive(submitCtx, key, op, msg.BaseVersion, c.userID)
	if errors.Is(err, collab.ErrDuplicateOperation) {
		// 客户端重发：回 ack 但不再广播
		c.Enqueue(OpAppliedMessage{Type: TypeOpApplied, DocID: key.DocumentID, Field: key.Field, BaseVersion: msg.BaseVersion, Version: applied.Version, Duplicate: true, Swallowed: ot.Swallowed(op, applied), Operation: applied})
		return
	}
	if err != nil {
		log.Printf("op submit failed (user=%s, key=%s): %v", c.userID, key, err)
		c.sendError(key, err)
		return
	}

	c.Enqueue(OpAppliedMessage{Type: TypeOpApplied, DocID: key.DocumentID, Field: key.Field, BaseVersion: msg.BaseVersion, Version: applied.Version, Swallowed: ot.Swallowed(op, applied), Operation: applied})
	c.hub.Broadcast(key, c, OpBroadcastMessage{Type: TypeOpBroadcast, DocID: key.DocumentID, Field: key.Field, Version: applied.Version, Operation: applied})
}

func (c *Conn) handleHistory(ctx context.Context, key session.Key, msg ClientMessage) {
	var (
		ops []ot.Operation
		st  session.State
		err error
	)
	if msg.Since != nil {
		ops, st, err = c.engine.OperationsSince(ctx, key, *msg.Since)
	} else {
		limit := msg.Limit
		if limit <= 0 {
			limit = defaultHistorySize
		}
		if ops, err = c.engine.GetOperationHistory(ctx, key, limit); err == nil {
			st, err = c.engine.GetVersion(ctx, key)
		}
	}
	if err != nil {
		c.sendError(key, err)
		return
	}
	c.Enqueue(HistoryMessage{Type: TypeHistory, DocID: key.DocumentID, Field: key.Field, Version: st.Version, Operations: ops})
}

func (c *Conn) handleReset(ctx context.Context, key session.Key, content string) {
	st, err := c.engine.ResetDocumentState(ctx, key, content)
	if err != nil {
		c.sendError(key, err)
		return
	}
	// 所有人（包括自己）都要丢弃本地未确认的操作并重新加载
	c.hub.Broadcast(key, nil, ServerMessage{Type: TypeReset, DocID: key.DocumentID, Field: key.Field, Version: st.Version, Content: st.Content})
}

func (c *Conn) handleSaveSnapshot(ctx context.Context, key session.Key) {
	st, err := c.engine.SaveSnapshot(ctx, key)
	if err != nil {
		c.sendError(key, err)
		return
	}
	c.Enqueue(ServerMessage{Type: TypeSnapshotSaved, DocID: key.DocumentID, Field: key.Field, Version: st.Version})
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		if c.key != (session.Key{}) {
			c.hub.Leave(c.key, c)
		}
		c.closeSend()
	}()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read json error (user=%s, key=%s): %v", c.userID, c.key, err)
			}
			return
		}

		key := c.msgKey(msg)
		if msg.Type != TypeHeartbeat {
			if err := key.Validate(); err != nil {
				c.sendError(key, &ot.ValidationError{Field: "key", Reason: err.Error()})
				continue
			}
		}

		switch msg.Type {
		case TypeHeartbeat:
			c.Enqueue(ServerMessage{Type: TypePong})
		case TypeJoin:
			c.handleJoin(ctx, key)
		case TypeOpSubmit:
			c.handleOpSubmit(ctx, key, msg)
		case TypeHistory:
			c.handleHistory(ctx, key, msg)
		case TypeReset:
			c.handleReset(ctx, key, msg.Content)
		case TypeSaveSnapshot:
			c.handleSaveSnapshot(ctx, key)
		default:
			c.Enqueue(ServerMessage{Type: TypeError, Code: "UNKNOWN_MESSAGE", Message: "unknown message type " + msg.Type})
		}
	}
}

func (c *Conn) writeLoop() {
	for msg := range c.send {
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Printf("write json error (user=%s): %v", c.userID, err)
		}
	}
}
