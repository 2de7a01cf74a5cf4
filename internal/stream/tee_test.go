package stream

import (
	"bytes"
	"context"
	stdErrors "errors"
	"io"
	"testing"
)

// replaySource 依次交付预置数据块，耗尽后关闭流。
func replaySource(chunks ...any) SourceFuncs {
	idx := 0
	return SourceFuncs{
		PullFunc: func(_ context.Context, ctl *Controller) error {
			if idx >= len(chunks) {
				return ctl.Close()
			}
			chunk := chunks[idx]
			idx++
			return ctl.Enqueue(chunk)
		},
	}
}

func drain(t *testing.T, s *Stream) []any {
	t.Helper()
	rd, err := s.Reader()
	if err != nil {
		t.Fatalf("acquire reader: %v", err)
	}
	var out []any
	for {
		v, err := rd.Read(context.Background())
		if stdErrors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		out = append(out, v)
	}
}

func TestTeeDeliversToBothBranches(t *testing.T) {
	s, err := New(replaySource("a", "b", "c"), CountStrategy(1))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	b1, b2, err := s.Tee()
	if err != nil {
		t.Fatalf("tee: %v", err)
	}
	if !s.Locked() {
		t.Fatal("tee should lock the parent stream")
	}

	got1 := drain(t, b1)
	got2 := drain(t, b2)
	want := []any{"a", "b", "c"}
	for i, w := range want {
		if got1[i] != w || got2[i] != w {
			t.Fatalf("branch mismatch at %d: %v / %v", i, got1, got2)
		}
	}
}

func TestTeeCopiesByteChunks(t *testing.T) {
	chunk := []byte("shared")
	s, _ := New(replaySource(chunk), CountStrategy(1))
	b1, b2, err := s.Tee()
	if err != nil {
		t.Fatalf("tee: %v", err)
	}

	rd1, _ := b1.Reader()
	rd2, _ := b2.Reader()
	v1, err := rd1.Read(context.Background())
	if err != nil {
		t.Fatalf("branch 1 read: %v", err)
	}
	v2, err := rd2.Read(context.Background())
	if err != nil {
		t.Fatalf("branch 2 read: %v", err)
	}

	c1, c2 := v1.([]byte), v2.([]byte)
	if !bytes.Equal(c1, c2) {
		t.Fatalf("branches should see equal data: %q vs %q", c1, c2)
	}
	// 第二个分支必须持有独立副本。
	c1[0] = 'X'
	if c2[0] == 'X' {
		t.Fatal("byte chunk must be copied for the second branch")
	}
}

func TestTeeCancelWaitsForBothBranches(t *testing.T) {
	canceled := make(chan error, 1)
	src := SourceFuncs{
		PullFunc: func(ctx context.Context, _ *Controller) error {
			// 静默源：没有数据就阻塞，直到流终止。
			<-ctx.Done()
			return nil
		},
		CancelFunc: func(_ context.Context, reason error) error {
			canceled <- reason
			return nil
		},
	}
	s, _ := New(src, CountStrategy(1))
	b1, b2, err := s.Tee()
	if err != nil {
		t.Fatalf("tee: %v", err)
	}

	r1 := stdErrors.New("branch one done")
	r2 := stdErrors.New("branch two done")

	if err := b1.Cancel(context.Background(), r1); err != nil {
		t.Fatalf("cancel branch 1: %v", err)
	}
	select {
	case reason := <-canceled:
		t.Fatalf("parent canceled after a single branch: %v", reason)
	default:
	}

	if err := b2.Cancel(context.Background(), r2); err != nil {
		t.Fatalf("cancel branch 2: %v", err)
	}
	reason := <-canceled
	if !stdErrors.Is(reason, r1) || !stdErrors.Is(reason, r2) {
		t.Fatalf("combined reason should carry both causes, got %v", reason)
	}
}

func TestTeeParentErrorPropagates(t *testing.T) {
	boom := stdErrors.New("upstream exploded")
	src := SourceFuncs{
		PullFunc: func(context.Context, *Controller) error { return boom },
	}
	s, err := New(src, CountStrategy(0))
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}
	b1, b2, err := s.Tee()
	if err != nil {
		t.Fatalf("tee: %v", err)
	}

	rd1, _ := b1.Reader()
	if _, err := rd1.Read(context.Background()); !stdErrors.Is(err, boom) {
		t.Fatalf("branch 1 should see parent error, got %v", err)
	}
	rd2, _ := b2.Reader()
	if _, err := rd2.Read(context.Background()); !stdErrors.Is(err, boom) {
		t.Fatalf("branch 2 should see parent error, got %v", err)
	}
}
