package ws

import (
	"encoding/json"

	"otServer/backend/internal/ot"
)

// 客户端消息类型
const (
	TypeJoin         = "join"
	TypeOpSubmit     = "op_submit"
	TypeHistory      = "history"
	TypeReset        = "reset"
	TypeSaveSnapshot = "save_snapshot"
	TypeHeartbeat    = "heartbeat"
)

// 服务端消息类型
const (
	TypeJoined        = "joined"
	TypeOpApplied     = "op_applied"
	TypeOpBroadcast   = "op_broadcast"
	TypeSnapshotSaved = "snapshot_saved"
	TypePong          = "pong"
	TypeError         = "error"
)

type ClientMessage struct {
	Type  string `json:"type"`
	DocID string `json:"docId,omitempty"`
	Field string `json:"field,omitempty"`
	// 客户端产生该操作时看到的版本
	BaseVersion uint64 `json:"baseVersion"`
	// 原样交给 ot.DecodePayload，payload 中的 author 会被忽略
	Operation json.RawMessage `json:"operation,omitempty"`
	Limit     int             `json:"limit,omitempty"`
	// 不为空时按版本追平，否则返回最近 Limit 条
	Since   *uint64 `json:"since,omitempty"`
	Content string  `json:"content,omitempty"`
}

type ServerMessage struct {
	Type    string `json:"type"`
	DocID   string `json:"docId,omitempty"`
	Field   string `json:"field,omitempty"`
	Version uint64 `json:"version"`
	Content string `json:"content,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// 提交者收到的确认（ack）
type OpAppliedMessage struct {
	Type        string       `json:"type"` // 固定 "op_applied"
	DocID       string       `json:"docId"`
	Field       string       `json:"field"`
	BaseVersion uint64       `json:"baseVersion"` // 客户端提交时的 base
	Version     uint64       `json:"version"`     // 服务端应用后的版本
	Duplicate   bool         `json:"duplicate,omitempty"`
	Swallowed   bool         `json:"swallowed,omitempty"` // 插入的文本落在并发删除的区间里被吞掉
	Operation   ot.Operation `json:"operation"`
}

// 广播给同房间其他连接的已应用操作（包括同一用户的其他标签页）
// 前端收到后对本地未确认的操作做变换再应用，并把本地版本对齐到 version
type OpBroadcastMessage struct {
	Type      string       `json:"type"` // 固定 "op_broadcast"
	DocID     string       `json:"docId"`
	Field     string       `json:"field"`
	Version   uint64       `json:"version"`
	Operation ot.Operation `json:"operation"`
}

type HistoryMessage struct {
	Type       string         `json:"type"` // 固定 "history"
	DocID      string         `json:"docId"`
	Field      string         `json:"field"`
	Version    uint64         `json:"version"`
	Operations []ot.Operation `json:"operations"`
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string      { return m.Type }
func (m OpAppliedMessage) MessageType() string   { return m.Type }
func (m OpBroadcastMessage) MessageType() string { return m.Type }
func (m HistoryMessage) MessageType() string     { return m.Type }
