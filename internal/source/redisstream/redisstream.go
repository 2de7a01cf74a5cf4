package redisstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"OpenRill/internal/source"
	"OpenRill/internal/stream"
)

const (
	defaultBlockWait = 5 * time.Second
	defaultBatch     = 16
)

// Factory 构造基于 Redis Stream 的对象源。Offset 是条目 ID，续传
// 从上一次交付的 ID 之后继续读取。
type Factory struct{}

// Kind 实现 source.Factory。
func (Factory) Kind() string { return "redis_stream" }

// Capabilities 声明 Redis 源需要的能力。
func (Factory) Capabilities() []source.Capability {
	return []source.Capability{source.CapabilityNet}
}

// Open 实现 source.Factory。
func (Factory) Open(ctx context.Context, opts source.Options) (source.Opened, error) {
	address := source.StringParam(opts.Params, "address", "")
	if address == "" {
		return source.Opened{}, fmt.Errorf("Redis 源 %s 缺少 address 参数", opts.Name)
	}
	key := source.StringParam(opts.Params, "stream", "")
	if key == "" {
		return source.Opened{}, fmt.Errorf("Redis 源 %s 缺少 stream 参数", opts.Name)
	}

	lastID := source.StringParam(opts.Params, "start_id", "0-0")
	if opts.Resume != "" {
		lastID = opts.Resume
	}
	block := time.Duration(source.IntParam(opts.Params, "block_ms", 0)) * time.Millisecond
	if block <= 0 {
		block = defaultBlockWait
	}
	batch := source.IntParam(opts.Params, "batch", defaultBatch)
	if batch <= 0 {
		batch = defaultBatch
	}

	client := redis.NewClient(&redis.Options{
		Addr:     address,
		Password: source.StringParam(opts.Params, "password", ""),
		DB:       source.IntParam(opts.Params, "db", 0),
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return source.Opened{}, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return source.Opened{Source: &streamSource{
		client: client,
		key:    key,
		lastID: lastID,
		block:  block,
		batch:  batch,
	}}, nil
}

// streamSource 通过 XREAD 阻塞循环消费 Redis Stream。
type streamSource struct {
	mu     sync.Mutex
	client *redis.Client
	key    string
	lastID string
	block  time.Duration
	batch  int
}

// Start 实现 stream.Source。
func (s *streamSource) Start(context.Context, *stream.Controller) error { return nil }

// Pull 实现 stream.Source。阻塞等待新条目，超时返回后由调度器决定
// 是否再次拉取；取消通过 ctx 解除阻塞。
func (s *streamSource) Pull(ctx context.Context, ctl *stream.Controller) error {
	s.mu.Lock()
	client := s.client
	lastID := s.lastID
	s.mu.Unlock()
	if client == nil {
		return errors.New("Redis 连接已关闭")
	}

	values, err := client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{s.key, lastID},
		Count:   int64(s.batch),
		Block:   s.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// 阻塞窗口内没有新条目。
			return nil
		}
		return fmt.Errorf("读取 Redis Stream 失败: %w", err)
	}

	for _, res := range values {
		for _, msg := range res.Messages {
			record := source.Record{Payload: msg.Values, Offset: msg.ID}
			if eerr := ctl.Enqueue(record); eerr != nil {
				if errors.Is(eerr, stream.ErrStreamClosed) {
					return nil
				}
				return eerr
			}
			s.mu.Lock()
			s.lastID = msg.ID
			s.mu.Unlock()
		}
	}
	return nil
}

// Cancel 实现 stream.Source。
func (s *streamSource) Cancel(context.Context, error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

var _ stream.Source = (*streamSource)(nil)
