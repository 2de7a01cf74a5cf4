package checkpoint

import (
	"context"

	xerrors "OpenRill/internal/errors"
)

// Checkpoint 记录某个源最近一次交付到的位置。
type Checkpoint struct {
	SessionID  string `json:"session_id"`
	SourceName string `json:"source_name"`
	Offset     string `json:"offset"`
	UpdatedAt  int64  `json:"updated_at"`
}

// Store 抽象了断点位置的持久化接口。每个源只保留最新的一条记录。
type Store interface {
	Save(ctx context.Context, sessionID, sourceName, offset string) error
	Load(ctx context.Context, sourceName string) (Checkpoint, error)
	List(ctx context.Context, limit int) ([]Checkpoint, error)
	Close() error
}

var (
	// ErrCheckpointNotFound 表示指定源还没有断点记录。
	ErrCheckpointNotFound = xerrors.New(CodeCheckpointNotFound, "checkpoint not found")
)

const (
	CodeCheckpointNotFound xerrors.Code = "CHECKPOINT_NOT_FOUND"
	CodeCheckpointStorage  xerrors.Code = "CHECKPOINT_STORAGE_FAILURE"
)

func init() {
	xerrors.Register(CodeCheckpointNotFound, xerrors.Attributes{
		Message:   "checkpoint not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeCheckpointStorage, xerrors.Attributes{
		Message:   "checkpoint storage failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}
