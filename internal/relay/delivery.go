package relay

import (
	"context"
	stdErrors "errors"
	"io"
	"log/slog"
	"strconv"

	xerrors "OpenRill/internal/errors"
	"OpenRill/internal/observability/metrics"
	"OpenRill/internal/source"
	"OpenRill/pkg/logger"
)

// Delivery 是单个消费者持有的交付句柄。对象会话用 NextRecord 逐条读，
// 字节会话用 ReadBytes 填缓冲区。两者互斥。
type Delivery struct {
	relay *Relay
	state *sessionState
}

// Byte 报告会话是否为字节模式。
func (d *Delivery) Byte() bool {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return d.state.info.Byte
}

// Session 返回当前会话快照。
func (d *Delivery) Session() Session {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return d.state.info
}

// Offset 返回最近记录的位点。
func (d *Delivery) Offset() string {
	d.state.mu.Lock()
	defer d.state.mu.Unlock()
	return d.state.info.Offset
}

// NextRecord 读取下一条记录。源结束时返回 io.EOF，之后会话进入 closed。
func (d *Delivery) NextRecord(ctx context.Context) (source.Record, error) {
	st := d.state

	st.mu.Lock()
	if st.info.Byte {
		st.mu.Unlock()
		return source.Record{}, xerrors.Wrap(CodeSessionModeMismatch, ErrModeMismatch,
			"字节会话请使用 ReadBytes")
	}
	if IsTerminal(st.info.State) {
		terminalErr := d.terminalErrLocked()
		st.mu.Unlock()
		return source.Record{}, terminalErr
	}
	reader := st.reader
	st.mu.Unlock()

	started := d.relay.clock()
	chunk, err := reader.Read(ctx)
	metrics.ObservePullDuration(d.relay.clock().Sub(started))
	if err != nil {
		return source.Record{}, d.finish(ctx, err)
	}

	record, ok := chunk.(source.Record)
	if !ok {
		record = source.Record{Payload: chunk}
	}

	st.mu.Lock()
	st.info.Chunks++
	if record.Bytes > 0 {
		st.info.Bytes += uint64(record.Bytes)
	}
	if record.Offset != "" {
		st.info.Offset = record.Offset
	}
	st.info.UpdatedAt = d.relay.clock().Unix()
	st.sinceCheckpoint++
	sourceName := st.info.Source
	st.mu.Unlock()

	metrics.ObserveChunkDelivered(sourceName, record.Bytes)
	d.relay.checkpointMaybe(ctx, st)
	return record, nil
}

// ReadBytes 把下一段数据读进 p。源结束时返回 io.EOF。
func (d *Delivery) ReadBytes(ctx context.Context, p []byte) (int, error) {
	st := d.state

	st.mu.Lock()
	if !st.info.Byte {
		st.mu.Unlock()
		return 0, xerrors.Wrap(CodeSessionModeMismatch, ErrModeMismatch,
			"对象会话请使用 NextRecord")
	}
	if IsTerminal(st.info.State) {
		terminalErr := d.terminalErrLocked()
		st.mu.Unlock()
		return 0, terminalErr
	}
	reader := st.byteReader
	st.mu.Unlock()

	started := d.relay.clock()
	n, err := reader.Read(ctx, p)
	metrics.ObservePullDuration(d.relay.clock().Sub(started))
	if n > 0 {
		st.mu.Lock()
		st.info.Chunks++
		st.info.Bytes += uint64(n)
		st.info.Offset = strconv.FormatInt(st.baseOffset+int64(st.info.Bytes), 10)
		st.info.UpdatedAt = d.relay.clock().Unix()
		st.sinceCheckpoint++
		sourceName := st.info.Source
		st.mu.Unlock()

		metrics.ObserveChunkDelivered(sourceName, n)
		d.relay.checkpointMaybe(ctx, st)
	}
	if err != nil {
		return n, d.finish(ctx, err)
	}
	return n, nil
}

// terminalErrLocked 把终态映射为稳定的错误，调用方必须持有 state 锁。
func (d *Delivery) terminalErrLocked() error {
	switch d.state.info.State {
	case StateClosed, StateCanceled:
		return io.EOF
	default:
		return xerrors.New(xerrors.CodeDeliveryFailure, d.state.info.LastError)
	}
}

// finish 根据读取结果收束会话：EOF 记为 closed，其余记为 failed。
// 上下文取消不改变会话状态，消费者可以带新的 ctx 继续读。
func (d *Delivery) finish(ctx context.Context, err error) error {
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return err
	}

	st := d.state
	st.mu.Lock()
	if IsTerminal(st.info.State) {
		st.mu.Unlock()
		return err
	}
	if stdErrors.Is(err, io.EOF) {
		st.info.State = StateClosed
	} else {
		st.info.State = StateFailed
		st.info.LastError = err.Error()
	}
	st.info.UpdatedAt = d.relay.clock().Unix()
	sessionID := st.info.ID
	sourceName := st.info.Source
	failed := st.info.State == StateFailed
	st.mu.Unlock()

	metrics.SessionClosed()
	d.relay.checkpointNow(ctx, st)

	if failed {
		metrics.ObserveStreamFailure(string(xerrors.CodeOf(err)))
		logger.L().Error("会话因错误终止",
			slog.String("session_id", sessionID),
			slog.String("source", sourceName),
			slog.Any("error", err))
		d.relay.alert(ctx, Event{
			Code:       xerrors.CodeOf(err),
			Message:    err.Error(),
			Severity:   xerrors.SeverityOf(err),
			SessionID:  sessionID,
			Source:     sourceName,
			OccurredAt: d.relay.clock(),
		})
	} else {
		logger.Audit().Info("会话正常结束",
			slog.String("session_id", sessionID),
			slog.String("source", sourceName))
	}
	return err
}

// Detach 释放消费者占用，终态会话保持不变。
func (d *Delivery) Detach() {
	st := d.state
	st.mu.Lock()
	defer st.mu.Unlock()
	st.attached = false
	if st.info.State == StateFlowing {
		st.info.State = StatePending
		st.info.UpdatedAt = d.relay.clock().Unix()
	}
}
