package stream

import (
	"bytes"
	"context"
	stdErrors "errors"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

func (s *Stream) hasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending != nil
}

func TestByteReaderDrainsQueuedSegments(t *testing.T) {
	s, err := NewByte(nil)
	if err != nil {
		t.Fatalf("new byte stream: %v", err)
	}
	if err := s.bctl.Enqueue([]byte("hello")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	rd, err := s.ByteReader()
	if err != nil {
		t.Fatalf("acquire byte reader: %v", err)
	}
	ctx := context.Background()

	buf := make([]byte, 3)
	n, err := rd.Read(ctx, buf)
	if err != nil || n != 3 || string(buf[:n]) != "hel" {
		t.Fatalf("first read: n=%d err=%v buf=%q", n, err, buf[:n])
	}
	n, err = rd.Read(ctx, buf)
	if err != nil || n != 2 || string(buf[:n]) != "lo" {
		t.Fatalf("second read: n=%d err=%v buf=%q", n, err, buf[:n])
	}

	if err := s.bctl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if n, err := rd.Read(ctx, buf); n != 0 || !stdErrors.Is(err, io.EOF) {
		t.Fatalf("read after close: n=%d err=%v", n, err)
	}
}

func TestByteReadSpansMultipleSegments(t *testing.T) {
	s, _ := NewByte(nil)
	_ = s.bctl.Enqueue([]byte("ab"))
	_ = s.bctl.Enqueue([]byte("cd"))

	rd, _ := s.ByteReader()
	buf := make([]byte, 4)
	n, err := rd.Read(context.Background(), buf)
	if err != nil || n != 4 || string(buf) != "abcd" {
		t.Fatalf("read across segments: n=%d err=%v buf=%q", n, err, buf)
	}
}

func TestByobRequestFillsCallerBuffer(t *testing.T) {
	s, _ := NewByte(nil)
	rd, _ := s.ByteReader()

	type result struct {
		n   int
		err error
	}
	buf := make([]byte, 8)
	done := make(chan result, 1)
	go func() {
		n, err := rd.Read(context.Background(), buf)
		done <- result{n, err}
	}()
	waitUntil(t, s.hasPending, "pending byob read")

	req := s.bctl.BYOBRequest()
	if req == nil {
		t.Fatal("expected byob request for pending read")
	}
	if len(req.Buf()) != len(buf) {
		t.Fatalf("request should expose caller buffer, len=%d", len(req.Buf()))
	}
	copy(req.Buf(), "data")
	if err := req.Respond(4); err != nil {
		t.Fatalf("respond: %v", err)
	}

	res := <-done
	if res.err != nil || res.n != 4 || string(buf[:res.n]) != "data" {
		t.Fatalf("unexpected read result: n=%d err=%v buf=%q", res.n, res.err, buf[:res.n])
	}
	if err := req.Respond(1); !stdErrors.Is(err, ErrNoPendingRead) {
		t.Fatalf("stale respond should fail, got %v", err)
	}
}

func TestRespondValidation(t *testing.T) {
	s, _ := NewByte(nil)
	rd, _ := s.ByteReader()

	done := make(chan struct{})
	buf := make([]byte, 4)
	go func() {
		defer close(done)
		_, _ = rd.Read(context.Background(), buf)
	}()
	waitUntil(t, s.hasPending, "pending byob read")

	req := s.bctl.BYOBRequest()
	if err := req.Respond(5); !stdErrors.Is(err, ErrInvalidRespond) {
		t.Fatalf("oversized respond: %v", err)
	}
	if err := req.Respond(0); !stdErrors.Is(err, ErrInvalidRespond) {
		t.Fatalf("zero respond on open stream: %v", err)
	}
	if err := req.Respond(2); err != nil {
		t.Fatalf("valid respond: %v", err)
	}
	<-done

	var nilReq *BYOBRequest
	if err := nilReq.Respond(1); !stdErrors.Is(err, ErrNoPendingRead) {
		t.Fatalf("nil request respond: %v", err)
	}
}

func TestEnqueueServesPendingByobRead(t *testing.T) {
	s, _ := NewByte(nil)
	rd, _ := s.ByteReader()

	type result struct {
		n   int
		err error
	}
	buf := make([]byte, 3)
	done := make(chan result, 1)
	go func() {
		n, err := rd.Read(context.Background(), buf)
		done <- result{n, err}
	}()
	waitUntil(t, s.hasPending, "pending byob read")

	// 入队的段先填满挂起读取的缓冲区，剩余部分保留在队列里。
	if err := s.bctl.Enqueue([]byte("hello")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	res := <-done
	if res.err != nil || res.n != 3 || string(buf) != "hel" {
		t.Fatalf("unexpected result: n=%d err=%v buf=%q", res.n, res.err, buf)
	}

	rest := make([]byte, 8)
	n, err := rd.Read(context.Background(), rest)
	if err != nil || n != 2 || string(rest[:n]) != "lo" {
		t.Fatalf("remainder read: n=%d err=%v buf=%q", n, err, rest[:n])
	}
}

func TestSecondByteReadIsRejectedWhileInFlight(t *testing.T) {
	s, _ := NewByte(nil)
	rd, _ := s.ByteReader()

	go func() {
		_, _ = rd.Read(context.Background(), make([]byte, 4))
	}()
	waitUntil(t, s.hasPending, "pending byob read")

	if _, err := rd.Read(context.Background(), make([]byte, 4)); !stdErrors.Is(err, ErrReadInFlight) {
		t.Fatalf("expected in-flight rejection, got %v", err)
	}

	// 收尾，避免泄漏挂起的读取。
	_ = s.bctl.Enqueue([]byte("x"))
}

func TestByteReadContextCancellation(t *testing.T) {
	s, _ := NewByte(nil)
	rd, _ := s.ByteReader()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := rd.Read(ctx, make([]byte, 4))
		done <- err
	}()
	waitUntil(t, s.hasPending, "pending byob read")
	cancel()

	if err := <-done; !stdErrors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.hasPending() {
		t.Fatal("abandoned byob read must be cleared")
	}
}

func TestCloseResolvesPendingByobReadWithEOF(t *testing.T) {
	s, _ := NewByte(nil)
	rd, _ := s.ByteReader()

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := rd.Read(context.Background(), make([]byte, 4))
		done <- result{n, err}
	}()
	waitUntil(t, s.hasPending, "pending byob read")

	if err := s.bctl.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	res := <-done
	if res.n != 0 || !stdErrors.Is(res.err, io.EOF) {
		t.Fatalf("pending read should end with EOF, got n=%d err=%v", res.n, res.err)
	}
}

func TestPendingByteReadSurvivesEmptyPull(t *testing.T) {
	var pulls int32
	bsrc := ByteSourceFuncs{
		PullFunc: func(_ context.Context, ctl *ByteController) error {
			if atomic.AddInt32(&pulls, 1) == 1 {
				return nil
			}
			req := ctl.BYOBRequest()
			if req == nil {
				return nil
			}
			n := copy(req.Buf(), "late")
			return req.Respond(n)
		},
	}
	s, err := NewByte(bsrc)
	if err != nil {
		t.Fatalf("new byte stream: %v", err)
	}
	rd, _ := s.ByteReader()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, 8)
	n, err := rd.Read(ctx, buf)
	if err != nil || string(buf[:n]) != "late" {
		t.Fatalf("read should be served by a re-pull: n=%d err=%v", n, err)
	}
	if atomic.LoadInt32(&pulls) < 2 {
		t.Fatalf("expected a re-pull after the empty window, got %d", pulls)
	}
}

func TestAutoAllocServesObjectReader(t *testing.T) {
	payload := []byte("tick")
	bsrc := ByteSourceFuncs{
		PullFunc: func(_ context.Context, ctl *ByteController) error {
			req := ctl.BYOBRequest()
			if req == nil {
				return nil
			}
			n := copy(req.Buf(), payload)
			return req.Respond(n)
		},
	}
	s, err := NewByte(bsrc, WithAutoAlloc(16))
	if err != nil {
		t.Fatalf("new byte stream: %v", err)
	}

	rd, err := s.Reader()
	if err != nil {
		t.Fatalf("object reader on byte stream: %v", err)
	}
	value, err := rd.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	chunk, ok := value.([]byte)
	if !ok || !bytes.Equal(chunk, payload) {
		t.Fatalf("unexpected chunk: %v", value)
	}
}

func TestByteReaderRequiresByteStream(t *testing.T) {
	s, _ := New(nil, CountStrategy(1))
	if _, err := s.ByteReader(); !stdErrors.Is(err, ErrNotByteStream) {
		t.Fatalf("byte reader on object stream: %v", err)
	}
}

func TestByteReaderCancelNotifiesSource(t *testing.T) {
	canceled := make(chan error, 1)
	bsrc := ByteSourceFuncs{
		PullFunc: func(context.Context, *ByteController) error { return nil },
		CancelFunc: func(_ context.Context, reason error) error {
			canceled <- reason
			return nil
		},
	}
	s, err := NewByte(bsrc)
	if err != nil {
		t.Fatalf("new byte stream: %v", err)
	}
	rd, _ := s.ByteReader()

	reason := stdErrors.New("done with it")
	if err := rd.Cancel(context.Background(), reason); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := <-canceled; !stdErrors.Is(got, reason) {
		t.Fatalf("source should receive reason, got %v", got)
	}
	if n, err := rd.Read(context.Background(), make([]byte, 1)); n != 0 || !stdErrors.Is(err, io.EOF) {
		t.Fatalf("read after cancel: n=%d err=%v", n, err)
	}
}
