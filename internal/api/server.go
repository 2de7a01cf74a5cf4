package api

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"net/http"
	"strconv"
	"time"

	xerrors "OpenRill/internal/errors"
	"OpenRill/internal/observability/metrics"
	"OpenRill/internal/prefs"
	"OpenRill/internal/relay"
	"OpenRill/internal/source"
)

// Server 负责暴露 REST 接口，供外部打开并消费交付会话。
type Server struct {
	addr     string
	relay    *relay.Relay
	registry *source.Registry
	prefsMap *prefs.Map
	auth     AuthConfig
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, rl *relay.Relay, registry *source.Registry, prefsMap *prefs.Map, auth AuthConfig) *Server {
	return &Server{addr: addr, relay: rl, registry: registry, prefsMap: prefsMap, auth: auth}
}

// Handler 返回完整路由，测试时可直接挂到 httptest 上。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/api/v1/streams", s.observed("streams", http.HandlerFunc(s.handleStreams)))
	mux.Handle("/api/v1/streams/chunks", s.observed("chunks", http.HandlerFunc(s.handleChunks)))
	mux.Handle("/api/v1/sources", s.observed("sources", http.HandlerFunc(s.handleSources)))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	// 配置 HTTP 服务器。
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// 启动服务器并监听关闭信号。
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleOpenStream(w, r)
	case http.MethodGet:
		s.handleListStreams(w, r)
	case http.MethodDelete:
		s.handleCancelStream(w, r)
	default:
		http.Error(w, "仅支持 GET/POST/DELETE", http.StatusMethodNotAllowed)
	}
}

// OpenStreamRequest 是开流请求体。
type OpenStreamRequest struct {
	Source        string   `json:"source"`
	Resume        string   `json:"resume,omitempty"`
	HighWaterMark *float64 `json:"high_water_mark,omitempty"`
}

func (s *Server) handleOpenStream(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		http.Error(w, "Relay 未初始化", http.StatusServiceUnavailable)
		return
	}

	var req OpenStreamRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "请求体解析失败", http.StatusBadRequest)
		return
	}

	session, err := s.relay.Open(r.Context(), relay.OpenRequest{
		Source:        req.Source,
		Resume:        req.Resume,
		HighWaterMark: req.HighWaterMark,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(session)
}

func (s *Server) handleListStreams(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		http.Error(w, "Relay 未初始化", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	if id := query.Get("id"); id != "" {
		session, err := s.relay.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(session)
		return
	}

	if query.Get("stats") == "true" {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.relay.Stats())
		return
	}

	opts := make([]relay.ListOption, 0, 4)
	if raw := query.Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			opts = append(opts, relay.WithLimit(parsed))
		}
	}
	if raw := query.Get("offset"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			opts = append(opts, relay.WithOffset(parsed))
		}
	}
	if raw := query.Get("state"); raw != "" {
		opts = append(opts, relay.WithStates(relay.State(raw)))
	}
	if raw := query.Get("query"); raw != "" {
		opts = append(opts, relay.WithQuery(raw))
	}

	sessions := s.relay.List(opts...)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(sessions)
}

func (s *Server) handleCancelStream(w http.ResponseWriter, r *http.Request) {
	if s.relay == nil {
		http.Error(w, "Relay 未初始化", http.StatusServiceUnavailable)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "缺少 id 参数", http.StatusBadRequest)
		return
	}
	if err := s.relay.Cancel(r.Context(), id, context.Canceled); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleChunks 是交付端点：对象会话输出 NDJSON，字节会话输出原始字节。
// 客户端停读会让 Write 阻塞，反压一路传导到源端停止拉取。
func (s *Server) handleChunks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.relay == nil {
		http.Error(w, "Relay 未初始化", http.StatusServiceUnavailable)
		return
	}
	id := r.URL.Query().Get("id")
	if id == "" {
		http.Error(w, "缺少 id 参数", http.StatusBadRequest)
		return
	}

	delivery, err := s.relay.Attach(id)
	if err != nil {
		writeError(w, err)
		return
	}
	defer delivery.Detach()

	w.Header().Set("Trailer", "Last-Offset")
	if delivery.Byte() {
		s.deliverBytes(w, r, delivery)
	} else {
		s.deliverRecords(w, r, delivery)
	}
	// chunked 响应的 trailer，报告最终位点。
	w.Header().Set("Last-Offset", delivery.Offset())
}

func (s *Server) deliverRecords(w http.ResponseWriter, r *http.Request, delivery *relay.Delivery) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)
	encoder := json.NewEncoder(w)

	for {
		record, err := delivery.NextRecord(r.Context())
		if err != nil {
			return
		}
		if err := encoder.Encode(record); err != nil {
			// 客户端断开，会话保持原状等待重连。
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) deliverBytes(w http.ResponseWriter, r *http.Request, delivery *relay.Delivery) {
	w.Header().Set("Content-Type", "application/octet-stream")
	flusher, _ := w.(http.Flusher)

	bufSize := 32768
	if s.prefsMap != nil {
		bufSize = int(s.prefsMap.Int("api.read_buffer_bytes", int64(bufSize)))
	}
	buf := make([]byte, bufSize)

	for {
		n, err := delivery.ReadBytes(r.Context(), buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "仅支持 GET", http.StatusMethodNotAllowed)
		return
	}
	if s.registry == nil {
		http.Error(w, "源目录未初始化", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.registry.List())
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":"ok"}`)
}

// writeError 把统一错误码映射为 HTTP 状态。
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case xerrors.CodeNotFound, relay.CodeSessionNotFound, source.CodeSourceNotFound:
		status = http.StatusNotFound
	case relay.CodeSessionBusy, relay.CodeSessionTerminal, xerrors.CodeConflict:
		status = http.StatusConflict
	case relay.CodeSessionLimit:
		status = http.StatusTooManyRequests
	case source.CodeSourceCapability:
		status = http.StatusForbidden
	}
	http.Error(w, err.Error(), status)
}

// observed 为处理器套上鉴权与指标采集。
func (s *Server) observed(name string, next http.Handler) http.Handler {
	handler := s.auth.middleware(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		handler.ServeHTTP(recorder, r)
		metrics.ObserveHTTPRequest(name, r.Method, recorder.status, time.Since(started))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush 透传底层的 Flusher，交付端点依赖逐块刷出。
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务正在关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
