package stream

import xerrors "OpenRill/internal/errors"

// Controller 是对象流交给底层数据源的入队句柄。
type Controller struct {
	s *Stream
}

// Enqueue 将一个数据块放入队列。若有挂起的读取，数据块会被直接
// 交付而不入队。流已请求关闭时返回 ErrStreamClosed，已出错时返回
// ErrStreamErrored。尺寸函数出错会使整个流进入错误状态，并从本次
// 调用返回该错误。
func (c *Controller) Enqueue(chunk any) error {
	s := c.s

	// 尺寸回调是使用方代码，在拿锁之前执行。
	size := 1.0
	var sizeErr error
	if s.strategy.Size != nil {
		size, sizeErr = s.strategy.Size(chunk)
	}
	if sizeErr == nil && !validateSize(size) {
		sizeErr = ErrInvalidSize
	}

	s.mu.Lock()
	switch s.state {
	case StateErrored:
		s.mu.Unlock()
		return ErrStreamErrored
	case StateClosed:
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if s.closeRequested {
		s.mu.Unlock()
		return ErrStreamClosed
	}
	if sizeErr != nil {
		if sizeErr != ErrInvalidSize {
			sizeErr = xerrors.Wrap(CodeStreamInvalidSize, sizeErr, "尺寸函数执行失败")
		}
		s.failLocked(sizeErr)
		s.mu.Unlock()
		return sizeErr
	}

	if len(s.waiters) > 0 && len(s.queue) == 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w.ch <- readResult{value: chunk}
		s.maybePullLocked()
		s.mu.Unlock()
		return nil
	}

	s.queue = append(s.queue, queuedChunk{value: chunk, size: size})
	s.queuedSize += size
	s.maybePullLocked()
	s.mu.Unlock()
	return nil
}

// Close 请求关闭流。队列为空时立即关闭，否则等待队列排空。
// 重复关闭返回 ErrStreamClosed。
func (c *Controller) Close() error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeRequested || s.state != StateReadable {
		return ErrStreamClosed
	}
	s.closeRequested = true
	if len(s.queue) == 0 {
		s.finishCloseLocked()
	}
	return nil
}

// Error 使流进入错误状态。流已经关闭或出错时为空操作。
func (c *Controller) Error(err error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
}

// DesiredSize 返回还差多少尺寸到达水位。流出错时 ok 为 false，
// 关闭后为 0。
func (c *Controller) DesiredSize() (float64, bool) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateErrored:
		return 0, false
	case StateClosed:
		return 0, true
	}
	return s.strategy.HighWaterMark - s.queuedSize, true
}
