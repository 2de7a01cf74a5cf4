package relay

// Stats 聚合了会话状态的统计信息，常用于仪表盘或健康检查。
type Stats struct {
	Total          int    `json:"total"`
	Pending        int    `json:"pending"`
	Flowing        int    `json:"flowing"`
	Closed         int    `json:"closed"`
	Canceled       int    `json:"canceled"`
	Failed         int    `json:"failed"`
	ChunksTotal    uint64 `json:"chunks_total"`
	BytesTotal     uint64 `json:"bytes_total"`
	OldestUpdated  int64  `json:"oldest_updated_at,omitempty"`
	NewestUpdated  int64  `json:"newest_updated_at,omitempty"`
}
