package collab

import (
	"context"
	"errors"

	"otServer/backend/internal/ot"
)

// ErrorCode 把错误映射成对外稳定的错误码，ws 的 error 消息和 HTTP 响应共用
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ot.ErrValidation):
		return ot.ErrValidation.Error()
	case errors.Is(err, ErrDuplicateOperation):
		return ErrDuplicateOperation.Error()
	case errors.Is(err, ErrHistoryUnavailable):
		return ErrHistoryUnavailable.Error()
	case errors.Is(err, ErrVersionConflict):
		return ErrVersionConflict.Error()
	case errors.Is(err, ErrSnapshotsDisabled):
		return ErrSnapshotsDisabled.Error()
	case errors.Is(err, ErrSnapshotNotFound):
		return ErrSnapshotNotFound.Error()
	case errors.Is(err, ErrAcquireTimeout), errors.Is(err, context.DeadlineExceeded):
		return "TIMEOUT"
	case errors.Is(err, context.Canceled):
		return "CANCELED"
	case errors.Is(err, ErrStoreUnavailable):
		return ErrStoreUnavailable.Error()
	default:
		return "INTERNAL"
	}
}
