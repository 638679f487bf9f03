package collab

import (
	"errors"

	"collabBridge/backend/internal/crdt"
	"collabBridge/backend/internal/ot/delta"
)

var codedErrors = []error{
	crdt.ErrInvalidContainerID,
	crdt.ErrInvalidContainer,
	crdt.ErrInvalidDelta,
	crdt.ErrInvalidUpdate,
	ErrSubscriptionNotFound,
}

// ErrorCode 返回错误对应的错误码，传输层据此回给调用方
func ErrorCode(err error) string {
	// 无法解析的操作和越界的 delta 对调用方来说是同一类错误
	if errors.Is(err, delta.ErrInvalidOp) {
		return crdt.ErrInvalidDelta.Error()
	}
	for _, target := range codedErrors {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "INTERNAL"
}

// IsClientError 表示是调用方的输入有问题（HTTP 400）
func IsClientError(err error) bool {
	return ErrorCode(err) != "INTERNAL"
}
