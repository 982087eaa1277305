package collab

import (
	"time"

	"otServer/backend/internal/ot"
	"otServer/backend/internal/session"
)

const (
	EventOpApplied  = "OP_APPLIED"
	EventFieldReset = "FIELD_RESET"
)

// DocOpEvent 发往 kafka 的事件，key 为 docId:field，保证同一字段的事件落在同一分区
type DocOpEvent struct {
	EventType   string        `json:"eventType"` // OP_APPLIED / FIELD_RESET
	DocID       string        `json:"docId"`
	Field       string        `json:"field"`
	OperationID string        `json:"operationId,omitempty"`
	Version     uint64        `json:"version"`
	BaseVersion uint64        `json:"baseVersion"`
	Author      string        `json:"author,omitempty"`
	Operation   *ot.Operation `json:"operation,omitempty"`
	Content     string        `json:"content,omitempty"` // 仅 FIELD_RESET 携带
	AppliedAt   time.Time     `json:"appliedAt"`
}

func (e DocOpEvent) PartitionKey() string { return e.DocID + ":" + e.Field }

func opAppliedEvent(key session.Key, op ot.Operation, baseVersion uint64) DocOpEvent {
	return DocOpEvent{
		EventType:   EventOpApplied,
		DocID:       key.DocumentID,
		Field:       key.Field,
		OperationID: op.ID,
		Version:     op.Version,
		BaseVersion: baseVersion,
		Author:      op.Author,
		Operation:   &op,
		AppliedAt:   time.Now(),
	}
}

func fieldResetEvent(key session.Key, st session.State) DocOpEvent {
	return DocOpEvent{
		EventType: EventFieldReset,
		DocID:     key.DocumentID,
		Field:     key.Field,
		Version:   st.Version,
		Content:   st.Content,
		AppliedAt: st.UpdatedAt,
	}
}
