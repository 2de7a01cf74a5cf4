package checkpoint

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "OpenRill/internal/errors"
)

const defaultRedisPrefix = "rill:checkpoint"

// RedisConfig 描述 Redis 断点存储的连接参数。
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// RedisStore 把断点位置写入 Redis Hash，并用集合维护源索引。
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore 连接 Redis 并验证可用性。
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis 地址不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, xerrors.Wrap(CodeCheckpointStorage, err, "无法连接到 Redis")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (r *RedisStore) entryKey(sourceName string) string {
	return r.prefix + ":" + sourceName
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":sources"
}

// Save 实现 Store 接口。
func (r *RedisStore) Save(ctx context.Context, sessionID, sourceName, offset string) error {
	if sourceName == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "源名称不能为空")
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.entryKey(sourceName), map[string]interface{}{
		"session_id":  sessionID,
		"source_name": sourceName,
		"offset":      offset,
		"updated_at":  time.Now().Unix(),
	})
	pipe.SAdd(ctx, r.indexKey(), sourceName)
	if _, err := pipe.Exec(ctx); err != nil {
		return xerrors.Wrap(CodeCheckpointStorage, err, "写入断点失败")
	}
	return nil
}

// Load 实现 Store 接口。
func (r *RedisStore) Load(ctx context.Context, sourceName string) (Checkpoint, error) {
	fields, err := r.client.HGetAll(ctx, r.entryKey(sourceName)).Result()
	if err != nil {
		return Checkpoint{}, xerrors.Wrap(CodeCheckpointStorage, err, "读取断点失败")
	}
	if len(fields) == 0 {
		return Checkpoint{}, ErrCheckpointNotFound
	}
	return checkpointFromFields(sourceName, fields), nil
}

// List 实现 Store 接口。
func (r *RedisStore) List(ctx context.Context, limit int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = 20
	}
	names, err := r.client.SMembers(ctx, r.indexKey()).Result()
	if err != nil {
		return nil, xerrors.Wrap(CodeCheckpointStorage, err, "读取断点索引失败")
	}

	results := make([]Checkpoint, 0, len(names))
	for _, name := range names {
		fields, err := r.client.HGetAll(ctx, r.entryKey(name)).Result()
		if err != nil {
			return nil, xerrors.Wrap(CodeCheckpointStorage, err, "读取断点失败")
		}
		if len(fields) == 0 {
			continue
		}
		results = append(results, checkpointFromFields(name, fields))
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].UpdatedAt == results[j].UpdatedAt {
			return results[i].SourceName < results[j].SourceName
		}
		return results[i].UpdatedAt > results[j].UpdatedAt
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Close 关闭 Redis 连接。
func (r *RedisStore) Close() error {
	if r == nil || r.client == nil {
		return nil
	}
	return r.client.Close()
}

func checkpointFromFields(sourceName string, fields map[string]string) Checkpoint {
	updatedAt, _ := strconv.ParseInt(fields["updated_at"], 10, 64)
	return Checkpoint{
		SessionID:  fields["session_id"],
		SourceName: sourceName,
		Offset:     fields["offset"],
		UpdatedAt:  updatedAt,
	}
}

var _ Store = (*RedisStore)(nil)
