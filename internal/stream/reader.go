package stream

import "context"

// Reader 是默认（对象）读取器。同一时刻最多一个读取器持有流的锁，
// 锁定期间所有读取与取消都经由它进行。
type Reader struct {
	s        *Stream
	released bool
}

// Read 返回下一个数据块。队列为空时按 FIFO 顺序挂起，直到数据到达、
// 流关闭（io.EOF）、流出错（存储的原因）或读取器被释放。ctx 取消会
// 放弃本次等待。
func (r *Reader) Read(ctx context.Context) (any, error) {
	return r.s.read(ctx, &r.released)
}

// Cancel 通过读取器取消流。
func (r *Reader) Cancel(ctx context.Context, reason error) error {
	s := r.s
	s.mu.Lock()
	if r.released {
		s.mu.Unlock()
		return ErrReaderReleased
	}
	return s.cancelLocked(ctx, reason)
}

// Release 释放锁，幂等。挂起的读取以 ErrReaderReleased 结束，
// 已入队的数据块保留，流可以重新被锁定。
func (r *Reader) Release() {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.released {
		return
	}
	r.released = true
	s.releaseLocked()
}
