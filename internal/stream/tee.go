package stream

import (
	"context"
	"errors"
	"io"
	"sync"
)

// teeState 协调两个分支对父流的共享消费。
type teeState struct {
	mu       sync.Mutex
	parent   *Reader
	reading  bool
	canceled [2]bool
	reasons  [2]error
	branches [2]*Stream
}

// Tee 将流分成两个分支：父流被锁定，之后每个数据块都会交付给两个
// 分支。[]byte 数据块会为第二个分支复制一份。单个分支取消会被推迟，
// 直到两个分支都取消时父流才会以两个原因的组合被取消；父流出错会
// 传播到两个分支。
func (s *Stream) Tee() (*Stream, *Stream, error) {
	rd, err := s.Reader()
	if err != nil {
		return nil, nil, err
	}
	t := &teeState{parent: rd}

	branch := func(idx int) *Stream {
		src := SourceFuncs{
			PullFunc: func(ctx context.Context, _ *Controller) error {
				t.pullOnce()
				return nil
			},
			CancelFunc: func(ctx context.Context, reason error) error {
				return t.cancelBranch(ctx, idx, reason)
			},
		}
		// 分支构造不会失败：策略合法且 Start 为空操作。
		br, _ := New(src, CountStrategy(1))
		return br
	}
	t.branches[0] = branch(0)
	t.branches[1] = branch(1)
	return t.branches[0], t.branches[1], nil
}

// pullOnce 从父流读取一个数据块并交付给两个分支。两个分支的拉取
// 会合并为一次父流读取。
func (t *teeState) pullOnce() {
	t.mu.Lock()
	if t.reading {
		t.mu.Unlock()
		return
	}
	t.reading = true
	t.mu.Unlock()

	// 父流读取不绑定分支的生命周期：两个分支都取消时，
	// 父流的取消会以 EOF 唤醒这里。
	value, err := t.parent.Read(context.Background())

	t.mu.Lock()
	t.reading = false
	b1, b2 := t.branches[0], t.branches[1]
	t.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrReaderReleased) {
			return
		}
		if errors.Is(err, io.EOF) {
			_ = b1.ctl.Close()
			_ = b2.ctl.Close()
			return
		}
		b1.ctl.Error(err)
		b2.ctl.Error(err)
		return
	}

	second := value
	if b, ok := value.([]byte); ok {
		dup := make([]byte, len(b))
		copy(dup, b)
		second = dup
	}
	_ = b1.ctl.Enqueue(value)
	_ = b2.ctl.Enqueue(second)
}

// cancelBranch 记录一个分支的取消原因；两个分支都取消后才取消父流。
func (t *teeState) cancelBranch(ctx context.Context, idx int, reason error) error {
	t.mu.Lock()
	if t.canceled[idx] {
		t.mu.Unlock()
		return nil
	}
	t.canceled[idx] = true
	t.reasons[idx] = reason
	both := t.canceled[0] && t.canceled[1]
	r0, r1 := t.reasons[0], t.reasons[1]
	t.mu.Unlock()
	if !both {
		return nil
	}
	return t.parent.Cancel(ctx, errors.Join(r0, r1))
}
