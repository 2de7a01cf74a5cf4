package stream

import (
	"context"
	stdErrors "errors"
	"sync"
	"testing"
)

// memorySink 收集写入的数据块并记录终止方式。
type memorySink struct {
	mu       sync.Mutex
	chunks   []any
	closed   bool
	aborted  error
	writeErr error
}

func (m *memorySink) Write(_ context.Context, chunk any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.chunks = append(m.chunks, chunk)
	return nil
}

func (m *memorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) Abort(reason error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.aborted = reason
	return nil
}

func TestPipeToWritesAllAndCloses(t *testing.T) {
	s, err := New(replaySource(1, 2, 3), CountStrategy(1))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	sink := &memorySink{}

	if err := s.PipeTo(context.Background(), sink); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if len(sink.chunks) != 3 || sink.chunks[0] != 1 || sink.chunks[2] != 3 {
		t.Fatalf("unexpected chunks: %v", sink.chunks)
	}
	if !sink.closed {
		t.Fatal("sink should be closed on clean end")
	}
	if sink.aborted != nil {
		t.Fatalf("sink should not be aborted: %v", sink.aborted)
	}
}

func TestPipeToPreventCloseKeepsSinkOpen(t *testing.T) {
	s, _ := New(replaySource("only"), CountStrategy(1))
	sink := &memorySink{}

	if err := s.PipeTo(context.Background(), sink, PreventClose()); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	if sink.closed {
		t.Fatal("sink must stay open with PreventClose")
	}
}

func TestPipeToAbortsSinkOnSourceError(t *testing.T) {
	boom := stdErrors.New("source gone")
	src := SourceFuncs{
		PullFunc: func(context.Context, *Controller) error { return boom },
	}
	s, err := New(src, CountStrategy(0))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	sink := &memorySink{}

	err = s.PipeTo(context.Background(), sink)
	if !stdErrors.Is(err, boom) {
		t.Fatalf("pipe should return the source error, got %v", err)
	}
	if !stdErrors.Is(sink.aborted, boom) {
		t.Fatalf("sink should be aborted with the source error, got %v", sink.aborted)
	}
	if sink.closed {
		t.Fatal("errored pipe must not close the sink")
	}
}

func TestPipeToPreventAbortLeavesSinkAlone(t *testing.T) {
	boom := stdErrors.New("source gone")
	src := SourceFuncs{
		PullFunc: func(context.Context, *Controller) error { return boom },
	}
	s, _ := New(src, CountStrategy(0))
	sink := &memorySink{}

	if err := s.PipeTo(context.Background(), sink, PreventAbort()); !stdErrors.Is(err, boom) {
		t.Fatalf("pipe should still return the error, got %v", err)
	}
	if sink.aborted != nil {
		t.Fatalf("sink should not be aborted with PreventAbort: %v", sink.aborted)
	}
}

func TestPipeToCancelsSourceOnWriteError(t *testing.T) {
	canceled := make(chan error, 1)
	src := SourceFuncs{
		PullFunc: func(_ context.Context, ctl *Controller) error {
			return ctl.Enqueue("chunk")
		},
		CancelFunc: func(_ context.Context, reason error) error {
			canceled <- reason
			return nil
		},
	}
	s, _ := New(src, CountStrategy(1))
	writeErr := stdErrors.New("disk full")
	sink := &memorySink{writeErr: writeErr}

	if err := s.PipeTo(context.Background(), sink); !stdErrors.Is(err, writeErr) {
		t.Fatalf("pipe should return the write error, got %v", err)
	}
	if reason := <-canceled; !stdErrors.Is(reason, writeErr) {
		t.Fatalf("source should be canceled with the write error, got %v", reason)
	}
}

func TestPipeToPreventCancelKeepsSourceAlive(t *testing.T) {
	canceled := make(chan error, 1)
	src := SourceFuncs{
		PullFunc: func(_ context.Context, ctl *Controller) error {
			return ctl.Enqueue("chunk")
		},
		CancelFunc: func(_ context.Context, reason error) error {
			canceled <- reason
			return nil
		},
	}
	s, _ := New(src, CountStrategy(1))
	writeErr := stdErrors.New("disk full")
	sink := &memorySink{writeErr: writeErr}

	if err := s.PipeTo(context.Background(), sink, PreventCancel()); !stdErrors.Is(err, writeErr) {
		t.Fatalf("pipe should return the write error, got %v", err)
	}
	select {
	case reason := <-canceled:
		t.Fatalf("source must not be canceled with PreventCancel: %v", reason)
	default:
	}
	if s.State() != StateReadable {
		t.Fatalf("stream should remain readable, got %s", s.State())
	}
}

func TestPipeToOnLockedStreamFails(t *testing.T) {
	s, _ := New(nil, CountStrategy(1))
	if _, err := s.Reader(); err != nil {
		t.Fatalf("reader: %v", err)
	}
	if err := s.PipeTo(context.Background(), &memorySink{}); !stdErrors.Is(err, ErrLocked) {
		t.Fatalf("pipe on locked stream: %v", err)
	}
}
