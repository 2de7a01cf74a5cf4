package stream

import (
	"context"
	"io"
)

// ByteController 是字节流交给底层数据源的句柄。除了直接入队字节段，
// 还可以通过 BYOBRequest 把数据写进消费方提供的缓冲区。
type ByteController struct {
	s *Stream
}

// Enqueue 入队一个字节段，所有权随调用转移。若存在挂起的 byob 读取，
// 数据会优先填入其缓冲区，剩余部分入队。
func (c *ByteController) Enqueue(p []byte) error {
	s := c.s
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

	if s.pending != nil {
		if s.pending.auto {
			// 对象读取在等待，整段直接交付，合成的请求作废。
			s.pending.req.invalid = true
			s.pending = nil
		} else {
			n := copy(s.pending.buf, p)
			rest := p[n:]
			s.resolvePendingLocked(byteResult{n: n})
			if len(rest) > 0 {
				s.queue = append(s.queue, queuedChunk{bytes: rest, size: float64(len(rest))})
				s.queuedSize += float64(len(rest))
			}
			s.maybePullLocked()
			s.mu.Unlock()
			return nil
		}
	}

	if len(s.waiters) > 0 && len(s.queue) == 0 {
		w := s.waiters[0]
		s.waiters = s.waiters[1:]
		w.ch <- readResult{value: p}
		s.maybePullLocked()
		s.mu.Unlock()
		return nil
	}

	s.queue = append(s.queue, queuedChunk{bytes: p, size: float64(len(p))})
	s.queuedSize += float64(len(p))
	s.maybePullLocked()
	s.mu.Unlock()
	return nil
}

// Close 请求关闭字节流。挂起的 byob 读取会以 io.EOF 结束。
func (c *ByteController) Close() error {
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

// Error 使流进入错误状态。
func (c *ByteController) Error(err error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failLocked(err)
}

// DesiredSize 返回距离水位还差的字节数。流出错时 ok 为 false。
func (c *ByteController) DesiredSize() (float64, bool) {
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

// BYOBRequest 返回当前挂起读取对应的请求，没有挂起读取时为 nil。
func (c *ByteController) BYOBRequest() *BYOBRequest {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	return s.pending.req
}

// BYOBRequest 暴露一次挂起字节读取的目标缓冲区。数据源写入
// Buf() 的前 n 个字节后调用 Respond(n) 完成交付。请求在 Respond、
// 流出错或取消后失效。
type BYOBRequest struct {
	s       *Stream
	p       *pullIntoRequest
	invalid bool
}

// Buf 返回目标缓冲区。
func (r *BYOBRequest) Buf() []byte {
	if r == nil {
		return nil
	}
	return r.p.buf
}

// Respond 表示缓冲区前 n 个字节已写入。n 超过缓冲区长度或为 0 时
// 返回 ErrInvalidRespond；请求已失效时返回 ErrNoPendingRead。
func (r *BYOBRequest) Respond(n int) error {
	if r == nil {
		return ErrNoPendingRead
	}
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.invalid || s.pending == nil || s.pending.req != r {
		return ErrNoPendingRead
	}
	if n < 0 || n > len(r.p.buf) || (n == 0 && !s.closeRequested) {
		return ErrInvalidRespond
	}

	p := s.pending
	s.pending = nil
	r.invalid = true

	if p.auto {
		if n > 0 {
			chunk := p.buf[:n]
			if len(s.waiters) > 0 && len(s.queue) == 0 {
				w := s.waiters[0]
				s.waiters = s.waiters[1:]
				w.ch <- readResult{value: chunk}
			} else {
				s.queue = append(s.queue, queuedChunk{bytes: chunk, size: float64(n)})
				s.queuedSize += float64(n)
			}
		}
	} else {
		if n == 0 {
			p.ch <- byteResult{err: io.EOF}
		} else {
			p.ch <- byteResult{n: n}
		}
	}
	s.maybePullLocked()
	return nil
}

// ByteReader 是 byob（bring-your-own-buffer）读取器：消费方为每次
// 读取提供目标缓冲区。这是流支持的唯一替代读取模式。
type ByteReader struct {
	s        *Stream
	released bool
}

// Read 将数据读入 p。先从已入队的字节段填充，允许短读；队列为空时
// 注册一个以 p 为目标的挂起读取，由数据源通过 BYOBRequest 响应。
// 流结束返回 io.EOF。
func (r *ByteReader) Read(ctx context.Context, p []byte) (int, error) {
	s := r.s
	if len(p) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	if r.released {
		s.mu.Unlock()
		return 0, ErrReaderReleased
	}
	if len(s.queue) > 0 {
		n := 0
		for n < len(p) && len(s.queue) > 0 {
			seg := s.queue[0].bytes
			c := copy(p[n:], seg)
			n += c
			s.queuedSize -= float64(c)
			if c == len(seg) {
				s.queue = s.queue[1:]
			} else {
				s.queue[0].bytes = seg[c:]
				s.queue[0].size = float64(len(seg) - c)
			}
		}
		if s.closeRequested && len(s.queue) == 0 {
			s.finishCloseLocked()
		} else {
			s.maybePullLocked()
		}
		s.mu.Unlock()
		return n, nil
	}
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return 0, io.EOF
	case StateErrored:
		err := s.storedErr
		s.mu.Unlock()
		return 0, err
	}
	if s.pending != nil {
		s.mu.Unlock()
		return 0, ErrReadInFlight
	}

	req := &pullIntoRequest{buf: p, ch: make(chan byteResult, 1)}
	req.req = &BYOBRequest{s: s, p: req}
	s.pending = req
	s.maybePullLocked()
	s.mu.Unlock()

	select {
	case res := <-req.ch:
		return res.n, res.err
	case <-ctx.Done():
		s.mu.Lock()
		if s.pending == req {
			s.pending = nil
			req.req.invalid = true
			s.mu.Unlock()
			return 0, ctx.Err()
		}
		s.mu.Unlock()
		res := <-req.ch
		return res.n, res.err
	}
}

// Cancel 通过读取器取消流。
func (r *ByteReader) Cancel(ctx context.Context, reason error) error {
	s := r.s
	s.mu.Lock()
	if r.released {
		s.mu.Unlock()
		return ErrReaderReleased
	}
	return s.cancelLocked(ctx, reason)
}

// Release 释放锁，幂等。
func (r *ByteReader) Release() {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	s.releaseLocked()
}
