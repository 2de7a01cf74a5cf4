package stream

import (
	"context"
	stdErrors "errors"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

// waitUntil 轮询条件直到成立或超时。
func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func (s *Stream) waiterCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.waiters)
}

func TestReadDequeuesInOrder(t *testing.T) {
	s, err := New(nil, CountStrategy(10))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	for _, v := range []string{"a", "b", "c"} {
		if err := s.ctl.Enqueue(v); err != nil {
			t.Fatalf("enqueue %s: %v", v, err)
		}
	}

	rd, err := s.Reader()
	if err != nil {
		t.Fatalf("acquire reader: %v", err)
	}
	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		got, err := rd.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != want {
			t.Fatalf("expected %q, got %v", want, got)
		}
	}

	if err := s.ctl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := rd.Read(ctx); !stdErrors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after close, got %v", err)
	}
	if s.State() != StateClosed {
		t.Fatalf("expected closed state, got %s", s.State())
	}
}

func TestCloseDrainsQueueBeforeEOF(t *testing.T) {
	s, err := New(nil, CountStrategy(10))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	_ = s.ctl.Enqueue(1)
	_ = s.ctl.Enqueue(2)
	if err := s.ctl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if s.State() != StateReadable {
		t.Fatalf("close must wait for drain, state %s", s.State())
	}
	if err := s.ctl.Enqueue(3); !stdErrors.Is(err, ErrStreamClosed) {
		t.Fatalf("enqueue after close request should fail, got %v", err)
	}

	rd, _ := s.Reader()
	ctx := context.Background()
	for _, want := range []int{1, 2} {
		got, err := rd.Read(ctx)
		if err != nil || got != want {
			t.Fatalf("expected %d, got %v (%v)", want, got, err)
		}
	}
	if _, err := rd.Read(ctx); !stdErrors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("Done should be closed after drain")
	}
}

func TestEnqueueWakesPendingRead(t *testing.T) {
	s, err := New(nil, CountStrategy(1))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	rd, _ := s.Reader()

	type result struct {
		value any
		err   error
	}
	done := make(chan result, 1)
	go func() {
		v, err := rd.Read(context.Background())
		done <- result{v, err}
	}()

	waitUntil(t, func() bool { return s.waiterCount() == 1 }, "pending read")
	if err := s.ctl.Enqueue("chunk"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	res := <-done
	if res.err != nil || res.value != "chunk" {
		t.Fatalf("unexpected result: %v (%v)", res.value, res.err)
	}
}

func TestReadContextCancellation(t *testing.T) {
	s, _ := New(nil, CountStrategy(1))
	rd, _ := s.Reader()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := rd.Read(ctx)
		done <- err
	}()
	waitUntil(t, func() bool { return s.waiterCount() == 1 }, "pending read")
	cancel()

	if err := <-done; !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.waiterCount() != 0 {
		t.Fatal("abandoned waiter must be removed")
	}
	// 流保持可读，后续读取仍然可用。
	_ = s.ctl.Enqueue("later")
	got, err := rd.Read(context.Background())
	if err != nil || got != "later" {
		t.Fatalf("read after cancel: %v (%v)", got, err)
	}
}

func TestErrorPropagatesToReads(t *testing.T) {
	s, _ := New(nil, CountStrategy(1))
	rd, _ := s.Reader()

	done := make(chan error, 1)
	go func() {
		_, err := rd.Read(context.Background())
		done <- err
	}()
	waitUntil(t, func() bool { return s.waiterCount() == 1 }, "pending read")

	boom := stdErrors.New("boom")
	s.ctl.Error(boom)

	if err := <-done; !stdErrors.Is(err, boom) {
		t.Fatalf("pending read should see stored error, got %v", err)
	}
	if _, err := rd.Read(context.Background()); !stdErrors.Is(err, boom) {
		t.Fatalf("subsequent read should see stored error, got %v", err)
	}
	if s.State() != StateErrored || !stdErrors.Is(s.Err(), boom) {
		t.Fatalf("unexpected state %s err %v", s.State(), s.Err())
	}
	if err := s.ctl.Enqueue("x"); !stdErrors.Is(err, ErrStreamErrored) {
		t.Fatalf("enqueue on errored stream: %v", err)
	}
	if err := s.ctl.Close(); !stdErrors.Is(err, ErrStreamClosed) {
		t.Fatalf("close on errored stream: %v", err)
	}
}

func TestReaderLockAndRelease(t *testing.T) {
	s, _ := New(nil, CountStrategy(10))
	rd, err := s.Reader()
	if err != nil {
		t.Fatalf("acquire reader: %v", err)
	}
	if !s.Locked() {
		t.Fatal("stream should report locked")
	}
	if _, err := s.Reader(); !stdErrors.Is(err, ErrLocked) {
		t.Fatalf("second reader should be rejected, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := rd.Read(context.Background())
		done <- err
	}()
	waitUntil(t, func() bool { return s.waiterCount() == 1 }, "pending read")

	rd.Release()
	if err := <-done; !stdErrors.Is(err, ErrReaderReleased) {
		t.Fatalf("pending read should end with release error, got %v", err)
	}
	if _, err := rd.Read(context.Background()); !stdErrors.Is(err, ErrReaderReleased) {
		t.Fatalf("read after release: %v", err)
	}
	rd.Release() // 幂等

	// 已入队数据保留，流可以重新锁定。
	_ = s.ctl.Enqueue("kept")
	rd2, err := s.Reader()
	if err != nil {
		t.Fatalf("relock after release: %v", err)
	}
	got, err := rd2.Read(context.Background())
	if err != nil || got != "kept" {
		t.Fatalf("read after relock: %v (%v)", got, err)
	}
}

func TestCancelNotifiesSource(t *testing.T) {
	var gotReason atomic.Value
	src := SourceFuncs{
		PullFunc: func(context.Context, *Controller) error { return nil },
		CancelFunc: func(_ context.Context, reason error) error {
			gotReason.Store(reason)
			return nil
		},
	}
	s, err := New(src, CountStrategy(1))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}

	reason := stdErrors.New("consumer gone")
	if err := s.Cancel(context.Background(), reason); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got, _ := gotReason.Load().(error); !stdErrors.Is(got, reason) {
		t.Fatalf("source should receive cancel reason, got %v", got)
	}
	if s.State() != StateClosed {
		t.Fatalf("canceled stream should be closed, got %s", s.State())
	}

	rd, _ := s.Reader()
	if _, err := rd.Read(context.Background()); !stdErrors.Is(err, io.EOF) {
		t.Fatalf("read after cancel should be EOF, got %v", err)
	}
}

func TestCancelWhileLockedIsRejected(t *testing.T) {
	s, _ := New(nil, CountStrategy(1))
	rd, _ := s.Reader()
	if err := s.Cancel(context.Background(), nil); !stdErrors.Is(err, ErrLocked) {
		t.Fatalf("stream cancel while locked: %v", err)
	}
	// 通过读取器取消仍然可用。
	if err := rd.Cancel(context.Background(), nil); err != nil {
		t.Fatalf("reader cancel: %v", err)
	}
}

func TestStartFailureFailsConstruction(t *testing.T) {
	startErr := stdErrors.New("no upstream")
	src := SourceFuncs{
		StartFunc: func(context.Context, *Controller) error { return startErr },
	}
	if _, err := New(src, CountStrategy(1)); !stdErrors.Is(err, startErr) {
		t.Fatalf("expected start error, got %v", err)
	}
}

func TestPullErrorErrorsStream(t *testing.T) {
	pullErr := stdErrors.New("upstream gone")
	src := SourceFuncs{
		PullFunc: func(context.Context, *Controller) error { return pullErr },
	}
	s, err := New(src, CountStrategy(1))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	rd, _ := s.Reader()
	if _, err := rd.Read(context.Background()); !stdErrors.Is(err, pullErr) {
		t.Fatalf("read should surface pull error, got %v", err)
	}
	if s.State() != StateErrored {
		t.Fatalf("expected errored state, got %s", s.State())
	}
}

func TestBackpressureStopsAtHighWaterMark(t *testing.T) {
	var pulls atomic.Int64
	src := SourceFuncs{
		PullFunc: func(_ context.Context, ctl *Controller) error {
			n := pulls.Add(1)
			return ctl.Enqueue(n)
		},
	}
	s, err := New(src, CountStrategy(2))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}

	waitUntil(t, func() bool { return pulls.Load() == 2 }, "fill to high water mark")
	time.Sleep(20 * time.Millisecond)
	if got := pulls.Load(); got != 2 {
		t.Fatalf("pulling should stop at the high water mark, got %d pulls", got)
	}
	if desired, ok := s.ctl.DesiredSize(); !ok || desired != 0 {
		t.Fatalf("unexpected desired size: %v %v", desired, ok)
	}

	// 消费一个数据块后水位空出，拉取恢复。
	rd, _ := s.Reader()
	if _, err := rd.Read(context.Background()); err != nil {
		t.Fatalf("read: %v", err)
	}
	waitUntil(t, func() bool { return pulls.Load() == 3 }, "refill after read")
}

func TestParkedReadSurvivesEmptyPull(t *testing.T) {
	// 阻塞窗口超时的源（Redis XREAD、链上轮询）会空手返回 nil，
	// 只要还有读取挂起就必须被再次拉取。
	var pulls atomic.Int64
	src := SourceFuncs{
		PullFunc: func(_ context.Context, ctl *Controller) error {
			if pulls.Add(1) == 1 {
				return nil
			}
			return ctl.Enqueue("late")
		},
	}
	s, err := New(src, CountStrategy(0))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	rd, _ := s.Reader()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := rd.Read(ctx)
	if err != nil {
		t.Fatalf("read should be served by the second pull, got %v", err)
	}
	if got != "late" || pulls.Load() < 2 {
		t.Fatalf("unexpected result %v after %d pulls", got, pulls.Load())
	}
}

func TestInvalidHighWaterMark(t *testing.T) {
	if _, err := New(nil, Strategy{HighWaterMark: -1, Size: CountSize}); !stdErrors.Is(err, ErrInvalidHighWaterMark) {
		t.Fatalf("negative high water mark: %v", err)
	}
}

func TestSizeFuncFailureErrorsStream(t *testing.T) {
	sizeErr := stdErrors.New("unsized chunk")
	s, err := New(nil, Strategy{
		HighWaterMark: 4,
		Size:          func(any) (float64, error) { return 0, sizeErr },
	})
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	if err := s.ctl.Enqueue("x"); !stdErrors.Is(err, sizeErr) {
		t.Fatalf("enqueue should surface size error, got %v", err)
	}
	if s.State() != StateErrored {
		t.Fatalf("size failure should error the stream, got %s", s.State())
	}
}

func TestNegativeSizeIsRejected(t *testing.T) {
	s, _ := New(nil, Strategy{
		HighWaterMark: 4,
		Size:          func(any) (float64, error) { return -1, nil },
	})
	if err := s.ctl.Enqueue("x"); !stdErrors.Is(err, ErrInvalidSize) {
		t.Fatalf("negative size: %v", err)
	}
}
