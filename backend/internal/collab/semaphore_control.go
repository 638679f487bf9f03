package collab

import (
	"context"
	"errors"
)

var MaxSemaphore int = 100

var (
	ErrAcquireTimeout = errors.New("Acquire Reach time limit")
	ErrNotAcquired    = errors.New("Release Failed, semaphore is not acquired")
)

// SemaphoreControl 限制并发：kafka 发送、单个 websocket 连接上同时执行的命令
type SemaphoreControl struct {
	ch chan struct{}
}

// n <= 0 时使用 MaxSemaphore
func NewSemaphoreControl(n int) *SemaphoreControl {
	if n <= 0 {
		n = MaxSemaphore
	}
	return &SemaphoreControl{ch: make(chan struct{}, n)}
}

func (s *SemaphoreControl) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ErrAcquireTimeout
	}
}

func (s *SemaphoreControl) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return ErrNotAcquired
	}
}
