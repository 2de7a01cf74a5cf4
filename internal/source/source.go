package source

import (
	"context"

	xerrors "OpenRill/internal/errors"
	"OpenRill/internal/stream"
)

// Record 是对象源交付给流的数据块。Offset 是可用于断点续传的不透明
// 位置，空串表示该源不支持续传。
type Record struct {
	Payload any    `json:"payload"`
	Offset  string `json:"offset,omitempty"`
	Bytes   int    `json:"bytes,omitempty"`
}

// Options 是工厂实例化一个源时收到的参数。
type Options struct {
	Name   string
	Params map[string]any
	Resume string
	Policy Policy
}

// Opened 是工厂的产物：对象源或字节源，二者必有且只有其一。
type Opened struct {
	Source     stream.Source
	ByteSource stream.ByteSource
	Byte       bool
}

// Factory 按 kind 实例化源。
type Factory interface {
	Kind() string
	Open(ctx context.Context, opts Options) (Opened, error)
}

// CapabilityDeclarer 由需要声明能力的工厂实现，注册时会与目录中的
// 策略进行校验。
type CapabilityDeclarer interface {
	Capabilities() []Capability
}

var (
	// ErrSourceNotFound 表示目录中不存在指定名称的源。
	ErrSourceNotFound = xerrors.New(CodeSourceNotFound, "source not found")
	// ErrKindNotRegistered 表示目录引用了未注册的源类型。
	ErrKindNotRegistered = xerrors.New(CodeSourceKindUnknown, "source kind not registered")
	// ErrCapabilityDenied 表示策略不允许源申请的能力。
	ErrCapabilityDenied = xerrors.New(CodeSourceCapability, "capability not permitted", xerrors.WithSeverity(xerrors.SeverityWarning))
)

const (
	CodeSourceNotFound    xerrors.Code = "SOURCE_NOT_FOUND"
	CodeSourceKindUnknown xerrors.Code = "SOURCE_KIND_UNKNOWN"
	CodeSourceCapability  xerrors.Code = "SOURCE_CAPABILITY_DENIED"
	CodeSourceOpen        xerrors.Code = "SOURCE_OPEN_FAILED"
	CodeSourceCatalog     xerrors.Code = "SOURCE_CATALOG_INVALID"
)

func init() {
	xerrors.Register(CodeSourceNotFound, xerrors.Attributes{
		Message:   "source not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSourceKindUnknown, xerrors.Attributes{
		Message:   "source kind not registered",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeSourceCapability, xerrors.Attributes{
		Message:   "capability not permitted",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSourceOpen, xerrors.Attributes{
		Message:   "failed to open source",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeSourceCatalog, xerrors.Attributes{
		Message:   "source catalog invalid",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// StringParam 从参数表中取字符串，缺失或类型不符时返回 fallback。
func StringParam(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// IntParam 从参数表中取整数，YAML 解析出的数字类型都被接受。
func IntParam(params map[string]any, key string, fallback int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// BoolParam 从参数表中取布尔值。
func BoolParam(params map[string]any, key string, fallback bool) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return fallback
}

// StringsParam 从参数表中取字符串列表。
func StringsParam(params map[string]any, key string) []string {
	raw, ok := params[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}
