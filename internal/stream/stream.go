package stream

import (
	"context"
	"io"
	"math"
	"sync"

	xerrors "OpenRill/internal/errors"
)

// State 表示流在生命周期中的状态。
type State string

const (
	StateReadable State = "readable"
	StateClosed   State = "closed"
	StateErrored  State = "errored"
)

var (
	// ErrLocked 表示流已经被某个读取器独占。
	ErrLocked = xerrors.New(CodeStreamLocked, "stream is locked to a reader", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrStreamClosed 表示流已经关闭或正在关闭，不再接受新的数据块。
	ErrStreamClosed = xerrors.New(CodeStreamClosed, "stream already closed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrStreamErrored 表示流已进入错误状态。
	ErrStreamErrored = xerrors.New(CodeStreamErrored, "stream is errored", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrReaderReleased 表示读取器已被释放，挂起的读取会以该错误结束。
	ErrReaderReleased = xerrors.New(CodeReaderReleased, "reader has been released", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrInvalidHighWaterMark 表示构造流时水位配置非法。
	ErrInvalidHighWaterMark = xerrors.New(CodeStreamInvalidHWM, "invalid high water mark")
	// ErrInvalidSize 表示尺寸函数返回了无法入队的结果。
	ErrInvalidSize = xerrors.New(CodeStreamInvalidSize, "invalid chunk size")
	// ErrNotByteStream 表示在非字节流上请求了 byob 读取器。
	ErrNotByteStream = xerrors.New(CodeStreamNotByte, "stream does not support byte readers", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrInvalidRespond 表示 BYOB 响应的字节数不合法。
	ErrInvalidRespond = xerrors.New(CodeStreamInvalidRespond, "invalid byob respond")
	// ErrNoPendingRead 表示响应时已经没有挂起的 BYOB 读取。
	ErrNoPendingRead = xerrors.New(CodeStreamNoPendingRead, "no pending byob read", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrReadInFlight 表示同一读取器上已有未完成的字节读取。
	ErrReadInFlight = xerrors.New(CodeStreamReadInFlight, "byte read already in flight", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeStreamLocked         xerrors.Code = "STREAM_LOCKED"
	CodeStreamClosed         xerrors.Code = "STREAM_CLOSED"
	CodeStreamErrored        xerrors.Code = "STREAM_ERRORED"
	CodeReaderReleased       xerrors.Code = "STREAM_READER_RELEASED"
	CodeStreamInvalidHWM     xerrors.Code = "STREAM_INVALID_HIGH_WATER_MARK"
	CodeStreamInvalidSize    xerrors.Code = "STREAM_INVALID_SIZE"
	CodeStreamNotByte        xerrors.Code = "STREAM_NOT_BYTE"
	CodeStreamInvalidRespond xerrors.Code = "STREAM_INVALID_RESPOND"
	CodeStreamNoPendingRead  xerrors.Code = "STREAM_NO_PENDING_READ"
	CodeStreamReadInFlight   xerrors.Code = "STREAM_READ_IN_FLIGHT"
	CodeStreamStart          xerrors.Code = "STREAM_START_FAILED"
)

func init() {
	xerrors.Register(CodeStreamLocked, xerrors.Attributes{
		Message:   "stream is locked to a reader",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStreamClosed, xerrors.Attributes{
		Message:   "stream already closed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStreamErrored, xerrors.Attributes{
		Message:   "stream is errored",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeReaderReleased, xerrors.Attributes{
		Message:   "reader has been released",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStreamInvalidHWM, xerrors.Attributes{
		Message:   "invalid high water mark",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStreamInvalidSize, xerrors.Attributes{
		Message:   "invalid chunk size",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStreamNotByte, xerrors.Attributes{
		Message:   "stream does not support byte readers",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStreamInvalidRespond, xerrors.Attributes{
		Message:   "invalid byob respond",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStreamNoPendingRead, xerrors.Attributes{
		Message:   "no pending byob read",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStreamReadInFlight, xerrors.Attributes{
		Message:   "byte read already in flight",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeStreamStart, xerrors.Attributes{
		Message:   "failed to start underlying source",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
}

// readResult 是一次对象读取的结果。
type readResult struct {
	value any
	err   error
}

// readWaiter 表示一个挂起的对象读取，按 FIFO 顺序被唤醒。
type readWaiter struct {
	ch chan readResult
}

// byteResult 是一次字节读取的结果。
type byteResult struct {
	n   int
	err error
}

// pullIntoRequest 表示一次挂起的字节读取。auto 请求使用流自行分配的
// 缓冲区为对象读取器服务，普通请求直接暴露调用方的缓冲区。
type pullIntoRequest struct {
	buf  []byte
	ch   chan byteResult
	auto bool
	req  *BYOBRequest
}

// queuedChunk 是内部队列中的一个数据块。对象流使用 value/size，
// 字节流使用 bytes，其尺寸恒为字节长度。
type queuedChunk struct {
	value any
	bytes []byte
	size  float64
}

// Stream 实现了带背压的可读流状态机：内部队列、拉取调度、读取器
// 锁定与取消。所有状态转换都由 mu 保护；底层数据源的回调绝不会在
// 持有 mu 的情况下被调用。
type Stream struct {
	mu sync.Mutex

	src        Source
	bsrc       ByteSource
	byteStream bool
	autoAlloc  int

	strategy Strategy

	ctl  *Controller
	bctl *ByteController

	state     State
	storedErr error

	queue      []queuedChunk
	queuedSize float64

	started        bool
	pulling        bool
	pullAgain      bool
	closeRequested bool

	locked  bool
	waiters []*readWaiter
	pending *pullIntoRequest

	done     chan struct{}
	lifeCtx  context.Context
	lifeStop context.CancelFunc
}

// New 构造一个对象流。src 可以为 nil：此时流保持可读但不会产生数据，
// 直到被取消。Start 在构造期间同步执行，失败会使构造失败；首次拉取
// 只会在 Start 成功返回之后被调度。零值策略等价于计数策略、水位 1。
func New(src Source, strategy Strategy) (*Stream, error) {
	if strategy.Size == nil && strategy.HighWaterMark == 0 {
		strategy = CountStrategy(1)
	}
	if err := strategy.validate(); err != nil {
		return nil, err
	}

	s := &Stream{
		src:      src,
		strategy: strategy,
		state:    StateReadable,
		done:     make(chan struct{}),
	}
	s.lifeCtx, s.lifeStop = context.WithCancel(context.Background())
	s.ctl = &Controller{s: s}

	if src != nil {
		if err := src.Start(s.lifeCtx, s.ctl); err != nil {
			wrapped := xerrors.Wrap(CodeStreamStart, err, "启动底层数据源失败")
			s.mu.Lock()
			s.failLocked(wrapped)
			s.mu.Unlock()
			return nil, wrapped
		}
	}

	s.mu.Lock()
	s.started = true
	s.maybePullLocked()
	s.mu.Unlock()
	return s, nil
}

// ByteOption 配置字节流的可选参数。
type ByteOption func(*Stream)

// WithAutoAlloc 允许对象读取器消费仅支持 pull-into 的字节源：
// 当对象读取挂起时，流会代为分配 n 字节的缓冲区注册 BYOB 请求。
func WithAutoAlloc(n int) ByteOption {
	return func(s *Stream) {
		if n > 0 {
			s.autoAlloc = n
		}
	}
}

// WithByteHighWaterMark 覆盖字节流的默认水位（0 字节）。
func WithByteHighWaterMark(n int) ByteOption {
	return func(s *Stream) {
		if n > 0 {
			s.strategy.HighWaterMark = float64(n)
		}
	}
}

// NewByte 构造一个字节流。默认水位为 0：只有在存在挂起读取时才会
// 触发拉取，使消费速度直接决定生产速度。
func NewByte(src ByteSource, opts ...ByteOption) (*Stream, error) {
	s := &Stream{
		bsrc:       src,
		byteStream: true,
		strategy:   ByteLenStrategy(0),
		state:      StateReadable,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.lifeCtx, s.lifeStop = context.WithCancel(context.Background())
	s.bctl = &ByteController{s: s}

	if src != nil {
		if err := src.Start(s.lifeCtx, s.bctl); err != nil {
			wrapped := xerrors.Wrap(CodeStreamStart, err, "启动底层字节源失败")
			s.mu.Lock()
			s.failLocked(wrapped)
			s.mu.Unlock()
			return nil, wrapped
		}
	}

	s.mu.Lock()
	s.started = true
	s.maybePullLocked()
	s.mu.Unlock()
	return s, nil
}

// Reader 获取默认（对象）读取器并锁定流。
func (s *Stream) Reader() (*Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return nil, ErrLocked
	}
	s.locked = true
	return &Reader{s: s}, nil
}

// ByteReader 获取 byob 读取器并锁定流。仅字节流支持该模式。
func (s *Stream) ByteReader() (*ByteReader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.byteStream {
		return nil, ErrNotByteStream
	}
	if s.locked {
		return nil, ErrLocked
	}
	s.locked = true
	return &ByteReader{s: s}, nil
}

// Cancel 取消整个流。流被读取器锁定时返回 ErrLocked，应改为通过
// 读取器取消。
func (s *Stream) Cancel(ctx context.Context, reason error) error {
	s.mu.Lock()
	if s.locked {
		s.mu.Unlock()
		return ErrLocked
	}
	return s.cancelLocked(ctx, reason)
}

// cancelLocked 丢弃队列、以 EOF 唤醒所有挂起读取并通知底层源。
// 进入时必须持有 mu，返回前会释放。
func (s *Stream) cancelLocked(ctx context.Context, reason error) error {
	if s.state != StateReadable {
		s.mu.Unlock()
		return nil
	}
	s.queue = nil
	s.queuedSize = 0
	s.closeRequested = true
	s.finishCloseLocked()
	src := s.src
	bsrc := s.bsrc
	s.mu.Unlock()

	if reason == nil {
		reason = context.Canceled
	}
	if s.byteStream {
		if bsrc != nil {
			return bsrc.Cancel(ctx, reason)
		}
		return nil
	}
	if src != nil {
		return src.Cancel(ctx, reason)
	}
	return nil
}

// State 返回流当前的状态。
func (s *Stream) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Locked 返回流是否被读取器锁定。
func (s *Stream) Locked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.locked
}

// Done 返回一个在流进入终止状态（关闭或出错）时关闭的通道。
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Err 返回流出错的原因。正常关闭或取消后返回 nil。
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateErrored {
		return s.storedErr
	}
	return nil
}

// shouldPullLocked 判断当前是否需要向底层源发起拉取：
// 流已启动、仍可读、未请求关闭，且存在挂起读取或水位未满。
func (s *Stream) shouldPullLocked() bool {
	if !s.started || s.closeRequested || s.state != StateReadable {
		return false
	}
	if s.src == nil && s.bsrc == nil {
		return false
	}
	if len(s.waiters) > 0 || s.pending != nil {
		return true
	}
	return s.strategy.HighWaterMark-s.queuedSize > 0
}

// maybePullLocked 调度一次拉取。同一时刻最多只有一次拉取在途，
// 拉取期间的新需求通过 pullAgain 合并。
func (s *Stream) maybePullLocked() {
	if !s.shouldPullLocked() {
		return
	}
	if s.pulling {
		s.pullAgain = true
		return
	}
	s.pulling = true
	go s.pullLoop()
}

// pullLoop 在独立协程中执行拉取回调。回调绝不持有 mu。
func (s *Stream) pullLoop() {
	for {
		var err error
		if s.byteStream {
			s.prepareAutoRequest()
			err = s.bsrc.Pull(s.lifeCtx, s.bctl)
		} else {
			err = s.src.Pull(s.lifeCtx, s.ctl)
		}

		s.mu.Lock()
		s.pulling = false
		if err != nil {
			// 取消或关闭竞争导致的晚到错误不再影响终止状态。
			if s.state == StateReadable {
				s.failLocked(xerrors.Wrap(xerrors.CodeSourceFailure, err, "拉取数据失败"))
			}
			s.mu.Unlock()
			return
		}
		// 空手而归的拉取不能让挂起的读取饿死：只要还有读取在等，
		// 就继续向源要数据。阻塞式源应在 Pull 内等待，避免空转。
		if s.pullAgain || len(s.waiters) > 0 || s.pending != nil {
			s.pullAgain = false
			if s.shouldPullLocked() {
				s.pulling = true
				s.mu.Unlock()
				continue
			}
		}
		s.mu.Unlock()
		return
	}
}

// prepareAutoRequest 在拉取前为等待中的对象读取准备 auto BYOB 请求。
func (s *Stream) prepareAutoRequest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoAlloc <= 0 || s.pending != nil || len(s.waiters) == 0 {
		return
	}
	if s.state != StateReadable || s.closeRequested {
		return
	}
	p := &pullIntoRequest{buf: make([]byte, s.autoAlloc), auto: true}
	p.req = &BYOBRequest{s: s, p: p}
	s.pending = p
}

// failLocked 将流置为错误状态：丢弃队列、以存储的原因唤醒所有挂起
// 读取并停止后续拉取。
func (s *Stream) failLocked(err error) {
	if s.state != StateReadable {
		return
	}
	s.state = StateErrored
	s.storedErr = err
	s.queue = nil
	s.queuedSize = 0
	for _, w := range s.waiters {
		w.ch <- readResult{err: err}
	}
	s.waiters = nil
	s.resolvePendingLocked(byteResult{err: err})
	s.lifeStop()
	close(s.done)
}

// finishCloseLocked 在队列排空后完成关闭。
func (s *Stream) finishCloseLocked() {
	if s.state != StateReadable {
		return
	}
	s.state = StateClosed
	for _, w := range s.waiters {
		w.ch <- readResult{err: io.EOF}
	}
	s.waiters = nil
	s.resolvePendingLocked(byteResult{err: io.EOF})
	s.lifeStop()
	close(s.done)
}

// resolvePendingLocked 结束当前挂起的字节读取并使其 BYOB 请求失效。
func (s *Stream) resolvePendingLocked(res byteResult) {
	p := s.pending
	if p == nil {
		return
	}
	s.pending = nil
	if p.req != nil {
		p.req.invalid = true
	}
	if p.ch != nil {
		p.ch <- res
	}
}

// releaseLocked 释放读取器：挂起读取以 ErrReaderReleased 结束，
// 流恢复为可锁定状态。
func (s *Stream) releaseLocked() {
	s.locked = false
	for _, w := range s.waiters {
		w.ch <- readResult{err: ErrReaderReleased}
	}
	s.waiters = nil
	s.resolvePendingLocked(byteResult{err: ErrReaderReleased})
}

// read 实现对象读取：优先出队，否则按 FIFO 挂起等待。
func (s *Stream) read(ctx context.Context, released *bool) (any, error) {
	s.mu.Lock()
	if *released {
		s.mu.Unlock()
		return nil, ErrReaderReleased
	}
	if len(s.queue) > 0 {
		chunk := s.queue[0]
		s.queue = s.queue[1:]
		s.queuedSize -= chunk.size
		value := chunk.value
		if s.byteStream {
			value = chunk.bytes
		}
		if s.closeRequested && len(s.queue) == 0 {
			s.finishCloseLocked()
		} else {
			s.maybePullLocked()
		}
		s.mu.Unlock()
		return value, nil
	}
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil, io.EOF
	case StateErrored:
		err := s.storedErr
		s.mu.Unlock()
		return nil, err
	}

	w := &readWaiter{ch: make(chan readResult, 1)}
	s.waiters = append(s.waiters, w)
	s.maybePullLocked()
	s.mu.Unlock()

	select {
	case res := <-w.ch:
		return res.value, res.err
	case <-ctx.Done():
		s.mu.Lock()
		for i, cand := range s.waiters {
			if cand == w {
				s.waiters = append(s.waiters[:i], s.waiters[i+1:]...)
				s.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		s.mu.Unlock()
		// 等待者已被并发唤醒，结果必须被消费。
		res := <-w.ch
		return res.value, res.err
	}
}

// validateSize 校验尺寸函数的返回值。
func validateSize(size float64) bool {
	if math.IsNaN(size) || math.IsInf(size, 0) {
		return false
	}
	return size >= 0
}
