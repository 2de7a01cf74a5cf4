package prefs

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	xerrors "OpenRill/internal/errors"
)

//go:embed defaults.json
var defaultsJSON []byte

var (
	// ErrUnknownPref 表示键不在默认集合里。
	ErrUnknownPref = xerrors.New(CodePrefUnknown, "unknown preference")
	// ErrTypeMismatch 表示值类型与默认值不一致。
	ErrTypeMismatch = xerrors.New(CodePrefTypeMismatch, "preference type mismatch")
)

const (
	CodePrefUnknown      xerrors.Code = "PREF_UNKNOWN"
	CodePrefTypeMismatch xerrors.Code = "PREF_TYPE_MISMATCH"
	CodePrefLoadFailure  xerrors.Code = "PREF_LOAD_FAILURE"
)

func init() {
	xerrors.Register(CodePrefUnknown, xerrors.Attributes{
		Message:   "unknown preference",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePrefTypeMismatch, xerrors.Attributes{
		Message:   "preference type mismatch",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodePrefLoadFailure, xerrors.Attributes{
		Message:   "preference load failure",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
}

// Map 是偏好集合。默认值定义了全部合法的键与类型。
type Map struct {
	mu       sync.RWMutex
	defaults map[string]Value
	values   map[string]Value
}

// Load 从内嵌默认值构造偏好集合。
func Load() (*Map, error) {
	defaults, err := decodePrefs(defaultsJSON, "defaults.json")
	if err != nil {
		return nil, err
	}
	values := make(map[string]Value, len(defaults))
	for key, value := range defaults {
		values[key] = value
	}
	return &Map{defaults: defaults, values: values}, nil
}

// Overlay 读取用户偏好文件并覆盖默认值。未知键与类型不符都会报错。
func (m *Map) Overlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return xerrors.Wrap(CodePrefLoadFailure, err, fmt.Sprintf("读取偏好文件 %s 失败", path))
	}
	overlay, err := decodePrefs(raw, path)
	if err != nil {
		return err
	}
	return m.SetAll(overlay)
}

// Get 返回键对应的值。
func (m *Map) Get(key string) (Value, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	return value, ok
}

// Set 更新单个键，类型必须与默认值一致。
func (m *Map) Set(key string, value Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setLocked(key, value)
}

// SetAll 批量更新，遇到第一个错误时中止并带上键名。
func (m *Map) SetAll(values map[string]Value) error {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		if err := m.setLocked(key, values[key]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Map) setLocked(key string, value Value) error {
	base, ok := m.defaults[key]
	if !ok {
		return xerrors.Wrap(CodePrefUnknown, ErrUnknownPref, fmt.Sprintf("键 %q 不存在", key))
	}
	if !compatible(base, value) {
		return xerrors.Wrap(CodePrefTypeMismatch, ErrTypeMismatch,
			fmt.Sprintf("键 %q 期望 %s, 实际 %s", key, base.Kind(), value.Kind()))
	}
	m.values[key] = value
	return nil
}

// Snapshot 返回当前全部偏好的副本。
func (m *Map) Snapshot() map[string]Value {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snapshot := make(map[string]Value, len(m.values))
	for key, value := range m.values {
		snapshot[key] = value
	}
	return snapshot
}

// Bool 读取布尔偏好，键缺失或类型不符时返回 fallback。
func (m *Map) Bool(key string, fallback bool) bool {
	if value, ok := m.Get(key); ok {
		if b, err := value.AsBool(); err == nil {
			return b
		}
	}
	return fallback
}

// Int 读取整数偏好。
func (m *Map) Int(key string, fallback int64) int64 {
	if value, ok := m.Get(key); ok {
		if i, err := value.AsInt(); err == nil {
			return i
		}
	}
	return fallback
}

// Float 读取浮点偏好，整数默认值可以直接放宽。
func (m *Map) Float(key string, fallback float64) float64 {
	if value, ok := m.Get(key); ok {
		if f, err := value.AsFloat(); err == nil {
			return f
		}
	}
	return fallback
}

// Str 读取字符串偏好。
func (m *Map) Str(key string, fallback string) string {
	if value, ok := m.Get(key); ok {
		if s, err := value.AsStr(); err == nil {
			return s
		}
	}
	return fallback
}

func decodePrefs(raw []byte, path string) (map[string]Value, error) {
	var flat map[string]any
	if err := json.Unmarshal(raw, &flat); err != nil {
		return nil, xerrors.Wrap(CodePrefLoadFailure, err, fmt.Sprintf("解析偏好文件 %s 失败", path))
	}
	values := make(map[string]Value, len(flat))
	for key, raw := range flat {
		value, err := FromAny(raw)
		if err != nil {
			return nil, xerrors.Wrap(CodePrefLoadFailure, err, fmt.Sprintf("偏好文件 %s 的键 %q 非法", path, key))
		}
		values[key] = value
	}
	return values, nil
}
