package relay

import "strings"

// State 表示会话的生命周期状态。
type State string

const (
	// StatePending 表示会话已打开但还没有消费者接入。
	StatePending State = "pending"
	// StateFlowing 表示消费者正在读取数据。
	StateFlowing State = "flowing"
	// StateClosed 表示源已经正常结束。
	StateClosed State = "closed"
	// StateCanceled 表示会话被消费者取消。
	StateCanceled State = "canceled"
	// StateFailed 表示会话因错误终止。
	StateFailed State = "failed"
)

// IsValidState 判断状态是否合法。
func IsValidState(s State) bool {
	switch s {
	case StatePending, StateFlowing, StateClosed, StateCanceled, StateFailed:
		return true
	default:
		return false
	}
}

// IsTerminal 判断状态是否为终态。终态不可再变更。
func IsTerminal(s State) bool {
	switch s {
	case StateClosed, StateCanceled, StateFailed:
		return true
	default:
		return false
	}
}

// Session 是会话的对外快照。
type Session struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Byte      bool   `json:"byte"`
	State     State  `json:"state"`
	Chunks    uint64 `json:"chunks"`
	Bytes     uint64 `json:"bytes"`
	Offset    string `json:"offset,omitempty"`
	LastError string `json:"last_error,omitempty"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// matches 判断会话是否命中模糊查询。
func (s Session) matches(query string) bool {
	if query == "" {
		return true
	}
	needle := strings.ToLower(query)
	return strings.Contains(strings.ToLower(s.ID), needle) ||
		strings.Contains(strings.ToLower(s.Source), needle) ||
		strings.Contains(strings.ToLower(s.LastError), needle)
}
