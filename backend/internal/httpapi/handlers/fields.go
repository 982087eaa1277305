package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"otServer/backend/internal/collab"
	"otServer/backend/internal/httpapi/middleware"
	"otServer/backend/internal/ot"
	"otServer/backend/internal/session"
)

const defaultHistoryLimit = 50

// FieldHandler 字段会话的 HTTP 入口，和 ws 共用同一个 Engine
type FieldHandler struct {
	engine *collab.Engine
}

func NewFieldHandler(engine *collab.Engine) *FieldHandler {
	return &FieldHandler{engine: engine}
}

// Register 挂到 /documents/:docId/fields/:field 下
func (h *FieldHandler) Register(r gin.IRoutes) {
	const base = "/documents/:docId/fields/:field"
	r.GET(base+"/state", h.GetState)
	r.GET(base+"/content", h.GetContent)
	r.GET(base+"/history", h.GetHistory)
	r.GET(base+"/operations", h.GetOperations)
	r.POST(base+"/operations", h.PostOperation)
	r.POST(base+"/reset", h.Reset)
	r.POST(base+"/cleanup", h.Cleanup)
	r.POST(base+"/snapshot", h.SaveSnapshot)
	r.POST(base+"/snapshot/restore", h.RestoreSnapshot)
}

type stateResp struct {
	DocID     string `json:"docId"`
	Field     string `json:"field"`
	Content   string `json:"content"`
	Version   uint64 `json:"version"`
	Epoch     uint64 `json:"epoch"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func newStateResp(key session.Key, st session.State) stateResp {
	resp := stateResp{DocID: key.DocumentID, Field: key.Field, Content: st.Content, Version: st.Version, Epoch: st.Epoch}
	if !st.UpdatedAt.IsZero() {
		resp.UpdatedAt = st.UpdatedAt.Format(time.RFC3339)
	}
	return resp
}

type submitReq struct {
	BaseVersion uint64          `json:"baseVersion"`
	Operation   json.RawMessage `json:"operation"`
}

type resetReq struct {
	Content string `json:"content"`
}

type cleanupReq struct {
	MaxAgeSeconds float64 `json:"maxAgeSeconds"`
}

func fieldKey(c *gin.Context) session.Key {
	return session.Key{DocumentID: c.Param("docId"), Field: c.Param("field")}
}

func (h *FieldHandler) GetState(c *gin.Context) {
	key := fieldKey(c)
	st, err := h.engine.GetVersion(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStateResp(key, st))
}

// GetContent 只要内容时走合并读
func (h *FieldHandler) GetContent(c *gin.Context) {
	key := fieldKey(c)
	content, err := h.engine.GetState(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": key.DocumentID, "field": key.Field, "content": content})
}

func (h *FieldHandler) GetHistory(c *gin.Context) {
	key := fieldKey(c)
	limit := defaultHistoryLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, &ot.ValidationError{Field: "limit", Reason: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	ops, err := h.engine.GetOperationHistory(c.Request.Context(), key, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": key.DocumentID, "field": key.Field, "operations": ops})
}

func (h *FieldHandler) GetOperations(c *gin.Context) {
	key := fieldKey(c)
	since, err := strconv.ParseUint(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil {
		writeError(c, &ot.ValidationError{Field: "since", Reason: "since must be a version number"})
		return
	}
	ops, st, err := h.engine.OperationsSince(c.Request.Context(), key, since)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": key.DocumentID, "field": key.Field, "version": st.Version, "operations": ops})
}

// PostOperation author 取自令牌，body 里的 author 不生效
func (h *FieldHandler) PostOperation(c *gin.Context) {
	key := fieldKey(c)
	var req submitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, &ot.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	payload, err := ot.DecodePayload(req.Operation)
	if err != nil {
		writeError(c, err)
		return
	}

	author := middleware.Author(c)
	op := payload.Operation(author)
	applied, err := h.engine.Receive(c.Request.Context(), key, op, req.BaseVersion, author)
	if errors.Is(err, collab.ErrDuplicateOperation) {
		c.JSON(http.StatusConflict, gin.H{"code": collab.ErrorCode(err), "message": err.Error(), "operation": applied})
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": key.DocumentID, "field": key.Field, "version": applied.Version, "swallowed": ot.Swallowed(op, applied), "operation": applied})
}

func (h *FieldHandler) Reset(c *gin.Context) {
	key := fieldKey(c)
	var req resetReq
	// 空 body 表示重置为空串
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, &ot.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	st, err := h.engine.ResetDocumentState(c.Request.Context(), key, req.Content)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStateResp(key, st))
}

func (h *FieldHandler) Cleanup(c *gin.Context) {
	key := fieldKey(c)
	var req cleanupReq
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(c, &ot.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	maxAge := time.Duration(req.MaxAgeSeconds * float64(time.Second))
	removed, err := h.engine.CleanupOldOperations(c.Request.Context(), key, maxAge)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"docId": key.DocumentID, "field": key.Field, "removed": removed})
}

func (h *FieldHandler) SaveSnapshot(c *gin.Context) {
	key := fieldKey(c)
	st, err := h.engine.SaveSnapshot(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStateResp(key, st))
}

func (h *FieldHandler) RestoreSnapshot(c *gin.Context) {
	key := fieldKey(c)
	st, err := h.engine.RestoreSnapshot(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newStateResp(key, st))
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"code": collab.ErrorCode(err), "message": err.Error()})
}

func statusFor(err error) int {
	switch collab.ErrorCode(err) {
	case "VALIDATION_FAILED":
		return http.StatusBadRequest
	case "DUPLICATE_OPERATION", "VERSION_CONFLICT":
		return http.StatusConflict
	case "HISTORY_UNAVAILABLE":
		return http.StatusGone
	case "SNAPSHOT_NOT_FOUND":
		return http.StatusNotFound
	case "SNAPSHOT_STORE_NOT_CONFIGURED":
		return http.StatusNotImplemented
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	case "CANCELED":
		return 499
	case "STORE_UNAVAILABLE":
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
