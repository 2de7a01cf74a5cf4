package relay

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"OpenRill/internal/checkpoint"
	xerrors "OpenRill/internal/errors"
	"OpenRill/internal/observability/alerting"
	"OpenRill/internal/observability/metrics"
	"OpenRill/internal/prefs"
	"OpenRill/internal/source"
	"OpenRill/internal/stream"
	"OpenRill/pkg/logger"
)

var (
	// ErrSessionNotFound 表示会话不存在。
	ErrSessionNotFound = xerrors.New(CodeSessionNotFound, "session not found")
	// ErrSessionBusy 表示会话已被其他消费者占用。
	ErrSessionBusy = xerrors.New(CodeSessionBusy, "session already attached")
	// ErrSessionTerminal 表示会话已进入终态。
	ErrSessionTerminal = xerrors.New(CodeSessionTerminal, "session already terminal")
	// ErrSessionLimit 表示活跃会话数达到上限。
	ErrSessionLimit = xerrors.New(CodeSessionLimit, "too many active sessions")
	// ErrModeMismatch 表示用错了读取方式，对象会话不能按字节读，反之亦然。
	ErrModeMismatch = xerrors.New(CodeSessionModeMismatch, "delivery mode mismatch")
)

const (
	CodeSessionNotFound     xerrors.Code = "RELAY_SESSION_NOT_FOUND"
	CodeSessionBusy         xerrors.Code = "RELAY_SESSION_BUSY"
	CodeSessionTerminal     xerrors.Code = "RELAY_SESSION_TERMINAL"
	CodeSessionLimit        xerrors.Code = "RELAY_SESSION_LIMIT"
	CodeSessionModeMismatch xerrors.Code = "RELAY_MODE_MISMATCH"
)

func init() {
	xerrors.Register(CodeSessionNotFound, xerrors.Attributes{
		Message:   "session not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionBusy, xerrors.Attributes{
		Message:   "session already attached",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionTerminal, xerrors.Attributes{
		Message:   "session already terminal",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSessionLimit, xerrors.Attributes{
		Message:   "too many active sessions",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSessionModeMismatch, xerrors.Attributes{
		Message:   "delivery mode mismatch",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// sessionState 保存会话的内部状态与底层流的句柄。
type sessionState struct {
	mu sync.Mutex

	info Session

	stream     *stream.Stream
	reader     *stream.Reader
	byteReader *stream.ByteReader

	attached bool
	canceled bool

	// byte 会话以恢复点为基准累计字节数作为位点。
	baseOffset int64

	sinceCheckpoint int
	lastCheckpoint  time.Time
}

// Relay 管理全部交付会话。
type Relay struct {
	registry *source.Registry
	store    checkpoint.Store
	prefsMap *prefs.Map

	alerts alerting.Dispatcher
	clock  func() time.Time

	maxSessions        int
	checkpointEvery    int
	checkpointInterval time.Duration

	mu       sync.RWMutex
	sessions map[string]*sessionState
}

// Option 调整 Relay 的可选参数。
type Option func(*Relay)

// WithAlerter 指定告警分发器。
func WithAlerter(dispatcher alerting.Dispatcher) Option {
	return func(r *Relay) {
		r.alerts = dispatcher
	}
}

// WithClock 替换时间来源，测试用。
func WithClock(clock func() time.Time) Option {
	return func(r *Relay) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithMaxSessions 限制活跃会话数。
func WithMaxSessions(limit int) Option {
	return func(r *Relay) {
		if limit > 0 {
			r.maxSessions = limit
		}
	}
}

// WithCheckpointInterval 覆盖断点写入的节奏。
func WithCheckpointInterval(every int, interval time.Duration) Option {
	return func(r *Relay) {
		if every > 0 {
			r.checkpointEvery = every
		}
		if interval > 0 {
			r.checkpointInterval = interval
		}
	}
}

// New 构造 Relay。store 可以为 nil，此时不做断点持久化。
func New(registry *source.Registry, store checkpoint.Store, prefsMap *prefs.Map, opts ...Option) *Relay {
	r := &Relay{
		registry: registry,
		store:    store,
		prefsMap: prefsMap,
		clock:    time.Now,
		sessions: make(map[string]*sessionState),
	}
	if prefsMap != nil {
		r.maxSessions = int(prefsMap.Int("api.max_sessions", 256))
		r.checkpointEvery = int(prefsMap.Int("relay.checkpoint_every_chunks", 64))
		r.checkpointInterval = time.Duration(prefsMap.Int("relay.checkpoint_interval_seconds", 5)) * time.Second
	} else {
		r.maxSessions = 256
		r.checkpointEvery = 64
		r.checkpointInterval = 5 * time.Second
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// OpenRequest 描述一次开流请求。
type OpenRequest struct {
	// Source 是目录里登记的源名称。
	Source string
	// Resume 是显式指定的恢复位点，留空时尝试读取断点存储。
	Resume string
	// HighWaterMark 覆盖对象流的默认高水位。
	HighWaterMark *float64
}

// Open 打开一个新的交付会话：解析恢复位点、实例化源并构建流。
func (r *Relay) Open(ctx context.Context, req OpenRequest) (Session, error) {
	name := strings.TrimSpace(req.Source)
	if name == "" {
		return Session{}, xerrors.New(xerrors.CodeInvalidArgument, "源名称不能为空")
	}
	if r.registry == nil {
		return Session{}, xerrors.New(xerrors.CodeInitializationFailure, "源目录未初始化")
	}

	// 快速路径：开源之前先拒绝明显超限的请求，权威检查在插入时复核。
	if active := r.activeCount(); active >= r.maxSessions {
		return Session{}, xerrors.Wrap(CodeSessionLimit, ErrSessionLimit,
			fmt.Sprintf("活跃会话 %d 已达上限 %d", active, r.maxSessions))
	}

	resume := strings.TrimSpace(req.Resume)
	if resume == "" && r.store != nil {
		cp, err := r.store.Load(ctx, name)
		switch {
		case err == nil:
			resume = cp.Offset
		case stdErrors.Is(err, checkpoint.ErrCheckpointNotFound):
			// 没有断点，从头开始。
		default:
			logger.L().Warn("读取断点失败，忽略并从头开始",
				slog.String("source", name), slog.Any("error", err))
		}
	}

	opened, err := r.registry.Open(ctx, name, resume)
	if err != nil {
		return Session{}, err
	}

	st := &sessionState{}
	if opened.Byte {
		// 字节会话只经 ByteReader 消费，不需要 auto-alloc 桥接。
		s, err := stream.NewByte(opened.ByteSource)
		if err != nil {
			return Session{}, err
		}
		reader, err := s.ByteReader()
		if err != nil {
			return Session{}, err
		}
		st.stream = s
		st.byteReader = reader
		if base, parseErr := strconv.ParseInt(resume, 10, 64); parseErr == nil {
			st.baseOffset = base
		}
	} else {
		hwm := float64(1)
		if r.prefsMap != nil {
			hwm = r.prefsMap.Float("stream.default_high_water_mark", hwm)
		}
		if req.HighWaterMark != nil {
			hwm = *req.HighWaterMark
		}
		s, err := stream.New(opened.Source, stream.CountStrategy(hwm))
		if err != nil {
			return Session{}, err
		}
		reader, err := s.Reader()
		if err != nil {
			return Session{}, err
		}
		st.stream = s
		st.reader = reader
	}

	now := r.clock().Unix()
	st.info = Session{
		ID:        uuid.NewString(),
		Source:    name,
		Byte:      opened.Byte,
		State:     StatePending,
		Offset:    resume,
		CreatedAt: now,
		UpdatedAt: now,
	}
	st.lastCheckpoint = r.clock()

	// 上限必须和插入在同一临界区内复核，否则并发开流会越过限制。
	r.mu.Lock()
	active := 0
	for _, other := range r.sessions {
		other.mu.Lock()
		if !IsTerminal(other.info.State) {
			active++
		}
		other.mu.Unlock()
	}
	if active >= r.maxSessions {
		r.mu.Unlock()
		r.releaseStream(ctx, st)
		return Session{}, xerrors.Wrap(CodeSessionLimit, ErrSessionLimit,
			fmt.Sprintf("活跃会话 %d 已达上限 %d", active, r.maxSessions))
	}
	r.sessions[st.info.ID] = st
	r.mu.Unlock()

	metrics.SessionOpened()
	logger.Audit().Info("会话已打开",
		slog.String("session_id", st.info.ID),
		slog.String("source", name),
		slog.Bool("byte", opened.Byte),
		slog.String("resume", resume),
	)
	return st.info, nil
}

// Attach 把会话交给唯一的消费者，返回交付句柄。
func (r *Relay) Attach(sessionID string) (*Delivery, error) {
	st, err := r.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if IsTerminal(st.info.State) {
		return nil, xerrors.Wrap(CodeSessionTerminal, ErrSessionTerminal,
			fmt.Sprintf("会话 %s 已处于 %s", sessionID, st.info.State))
	}
	if st.attached {
		return nil, xerrors.Wrap(CodeSessionBusy, ErrSessionBusy,
			fmt.Sprintf("会话 %s 已有消费者", sessionID))
	}
	st.attached = true
	st.info.State = StateFlowing
	st.info.UpdatedAt = r.clock().Unix()
	return &Delivery{relay: r, state: st}, nil
}

// Get 返回会话快照。
func (r *Relay) Get(sessionID string) (Session, error) {
	st, err := r.lookup(sessionID)
	if err != nil {
		return Session{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.info, nil
}

// List 返回符合过滤条件的会话快照。
func (r *Relay) List(opts ...ListOption) []Session {
	options := buildListOptions(opts)

	snapshots := r.snapshot()
	filtered := snapshots[:0]
	for _, session := range snapshots {
		if len(options.States) > 0 && !containsState(options.States, session.State) {
			continue
		}
		if !session.matches(options.Query) {
			continue
		}
		filtered = append(filtered, session)
	}

	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].UpdatedAt == filtered[j].UpdatedAt {
			return filtered[i].ID < filtered[j].ID
		}
		if options.Order == SortByUpdatedAsc {
			return filtered[i].UpdatedAt < filtered[j].UpdatedAt
		}
		return filtered[i].UpdatedAt > filtered[j].UpdatedAt
	})

	if options.Offset >= len(filtered) {
		return []Session{}
	}
	filtered = filtered[options.Offset:]
	if len(filtered) > options.Limit {
		filtered = filtered[:options.Limit]
	}
	return filtered
}

// Stats 返回全部会话的聚合统计。
func (r *Relay) Stats() Stats {
	var stats Stats
	for _, session := range r.snapshot() {
		stats.Total++
		switch session.State {
		case StatePending:
			stats.Pending++
		case StateFlowing:
			stats.Flowing++
		case StateClosed:
			stats.Closed++
		case StateCanceled:
			stats.Canceled++
		case StateFailed:
			stats.Failed++
		}
		stats.ChunksTotal += session.Chunks
		stats.BytesTotal += session.Bytes
		if stats.OldestUpdated == 0 || session.UpdatedAt < stats.OldestUpdated {
			stats.OldestUpdated = session.UpdatedAt
		}
		if session.UpdatedAt > stats.NewestUpdated {
			stats.NewestUpdated = session.UpdatedAt
		}
	}
	return stats
}

// Cancel 取消会话并向源传递原因。终态会话直接返回。
func (r *Relay) Cancel(ctx context.Context, sessionID string, reason error) error {
	st, err := r.lookup(sessionID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if IsTerminal(st.info.State) {
		st.mu.Unlock()
		return nil
	}
	if st.canceled {
		st.mu.Unlock()
		return nil
	}
	st.canceled = true
	st.info.State = StateCanceled
	st.info.UpdatedAt = r.clock().Unix()
	reader := st.reader
	byteReader := st.byteReader
	st.mu.Unlock()

	metrics.SessionClosed()
	r.checkpointNow(ctx, st)

	// 底层流只取消一次，由 canceled 标记保证。
	var cancelErr error
	if reader != nil {
		cancelErr = reader.Cancel(ctx, reason)
	} else if byteReader != nil {
		cancelErr = byteReader.Cancel(ctx, reason)
	}
	if cancelErr != nil {
		logger.L().Warn("取消底层流失败",
			slog.String("session_id", sessionID), slog.Any("error", cancelErr))
	}
	logger.Audit().Info("会话已取消", slog.String("session_id", sessionID))
	return nil
}

// Close 取消所有未结束的会话。
func (r *Relay) Close() error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		_ = r.Cancel(ctx, id, context.Canceled)
	}
	return nil
}

func (r *Relay) lookup(sessionID string) (*sessionState, error) {
	r.mu.RLock()
	st, ok := r.sessions[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, xerrors.Wrap(CodeSessionNotFound, ErrSessionNotFound,
			fmt.Sprintf("会话 %s 不存在", sessionID))
	}
	return st, nil
}

func (r *Relay) snapshot() []Session {
	r.mu.RLock()
	states := make([]*sessionState, 0, len(r.sessions))
	for _, st := range r.sessions {
		states = append(states, st)
	}
	r.mu.RUnlock()

	snapshots := make([]Session, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		snapshots = append(snapshots, st.info)
		st.mu.Unlock()
	}
	return snapshots
}

func (r *Relay) activeCount() int {
	count := 0
	for _, session := range r.snapshot() {
		if !IsTerminal(session.State) {
			count++
		}
	}
	return count
}

// releaseStream 释放一个尚未登记进会话表的底层流。
func (r *Relay) releaseStream(ctx context.Context, st *sessionState) {
	var err error
	if st.reader != nil {
		err = st.reader.Cancel(ctx, ErrSessionLimit)
	} else if st.byteReader != nil {
		err = st.byteReader.Cancel(ctx, ErrSessionLimit)
	}
	if err != nil {
		logger.L().Warn("释放未登记会话的流失败", slog.Any("error", err))
	}
}

// checkpointMaybe 按块数或时间间隔写断点，写失败只告警不终止会话。
func (r *Relay) checkpointMaybe(ctx context.Context, st *sessionState) {
	if r.store == nil {
		return
	}
	st.mu.Lock()
	due := st.sinceCheckpoint >= r.checkpointEvery ||
		r.clock().Sub(st.lastCheckpoint) >= r.checkpointInterval
	if !due || st.info.Offset == "" {
		st.mu.Unlock()
		return
	}
	st.sinceCheckpoint = 0
	st.lastCheckpoint = r.clock()
	sessionID := st.info.ID
	sourceName := st.info.Source
	offset := st.info.Offset
	st.mu.Unlock()

	r.saveCheckpoint(ctx, sessionID, sourceName, offset)
}

// checkpointNow 无条件写一次断点，会话结束与取消时调用。
func (r *Relay) checkpointNow(ctx context.Context, st *sessionState) {
	if r.store == nil {
		return
	}
	st.mu.Lock()
	st.sinceCheckpoint = 0
	st.lastCheckpoint = r.clock()
	sessionID := st.info.ID
	sourceName := st.info.Source
	offset := st.info.Offset
	st.mu.Unlock()

	if offset == "" {
		return
	}
	r.saveCheckpoint(ctx, sessionID, sourceName, offset)
}

func (r *Relay) saveCheckpoint(ctx context.Context, sessionID, sourceName, offset string) {
	if err := r.store.Save(ctx, sessionID, sourceName, offset); err != nil {
		logger.L().Error("写入断点失败",
			slog.String("session_id", sessionID),
			slog.String("source", sourceName),
			slog.Any("error", err))
		r.alert(ctx, alerting.Event{
			Code:       checkpoint.CodeCheckpointStorage,
			Message:    err.Error(),
			Severity:   xerrors.SeverityOf(err),
			SessionID:  sessionID,
			Source:     sourceName,
			OccurredAt: r.clock(),
		})
	}
}

func (r *Relay) alert(ctx context.Context, event Event) {
	if r.alerts == nil {
		return
	}
	if err := r.alerts.Notify(ctx, event); err != nil {
		logger.L().Warn("告警发送失败", slog.Any("error", err))
	}
}

// Event 是 alerting.Event 的别名，避免调用方重复导入。
type Event = alerting.Event

func containsState(states []State, state State) bool {
	for _, candidate := range states {
		if candidate == state {
			return true
		}
	}
	return false
}
