package prefs

import (
	"fmt"
	"strconv"
	"strings"

	xerrors "OpenRill/internal/errors"
)

// Kind 标识偏好值的类型。
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindFloat
	KindStr
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindStr:
		return "string"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Value 是偏好值的类型安全封装，数组要求元素同型。
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	arr  []Value
}

// Bool 构造布尔值。
func Bool(v bool) Value { return Value{kind: KindBool, b: v} }

// Int 构造整数值。
func Int(v int64) Value { return Value{kind: KindInt, i: v} }

// Float 构造浮点值。
func Float(v float64) Value { return Value{kind: KindFloat, f: v} }

// Str 构造字符串值。
func Str(v string) Value { return Value{kind: KindStr, s: v} }

// Array 构造数组值，元素类型必须一致。
func Array(items []Value) (Value, error) {
	for idx, item := range items {
		if idx > 0 && item.kind != items[0].kind {
			return Value{}, xerrors.New(CodePrefTypeMismatch,
				fmt.Sprintf("数组元素类型不一致: 第 %d 个元素为 %s, 期望 %s", idx, item.kind, items[0].kind))
		}
		if item.kind == KindArray {
			return Value{}, xerrors.New(CodePrefTypeMismatch, "不支持嵌套数组")
		}
	}
	copied := make([]Value, len(items))
	copy(copied, items)
	return Value{kind: KindArray, arr: copied}, nil
}

// FromAny 把 JSON 解码出的原生值转换为 Value。整型优先于浮点。
func FromAny(raw any) (Value, error) {
	switch v := raw.(type) {
	case bool:
		return Bool(v), nil
	case float64:
		if v == float64(int64(v)) {
			return Int(int64(v)), nil
		}
		return Float(v), nil
	case int:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case string:
		return Str(v), nil
	case []any:
		items := make([]Value, 0, len(v))
		for _, item := range v {
			converted, err := FromAny(item)
			if err != nil {
				return Value{}, err
			}
			items = append(items, converted)
		}
		return Array(items)
	default:
		return Value{}, xerrors.New(CodePrefTypeMismatch, fmt.Sprintf("不支持的偏好值类型 %T", raw))
	}
}

// Kind 返回值的类型。
func (v Value) Kind() Kind { return v.kind }

// AsBool 以布尔类型取值。
func (v Value) AsBool() (bool, error) {
	if v.kind != KindBool {
		return false, typeMismatch(KindBool, v.kind)
	}
	return v.b, nil
}

// AsInt 以整数类型取值。
func (v Value) AsInt() (int64, error) {
	if v.kind != KindInt {
		return 0, typeMismatch(KindInt, v.kind)
	}
	return v.i, nil
}

// AsFloat 以浮点类型取值，整数可以无损放宽为浮点。
func (v Value) AsFloat() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.f, nil
	case KindInt:
		return float64(v.i), nil
	default:
		return 0, typeMismatch(KindFloat, v.kind)
	}
}

// AsStr 以字符串类型取值。
func (v Value) AsStr() (string, error) {
	if v.kind != KindStr {
		return "", typeMismatch(KindStr, v.kind)
	}
	return v.s, nil
}

// AsArray 以数组类型取值，返回副本。
func (v Value) AsArray() ([]Value, error) {
	if v.kind != KindArray {
		return nil, typeMismatch(KindArray, v.kind)
	}
	copied := make([]Value, len(v.arr))
	copy(copied, v.arr)
	return copied, nil
}

// Interface 还原为 JSON 友好的原生类型。
func (v Value) Interface() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindStr:
		return v.s
	case KindArray:
		items := make([]any, 0, len(v.arr))
		for _, item := range v.arr {
			items = append(items, item.Interface())
		}
		return items
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindStr:
		return v.s
	case KindArray:
		parts := make([]string, 0, len(v.arr))
		for _, item := range v.arr {
			parts = append(parts, item.String())
		}
		return "[" + strings.Join(parts, ",") + "]"
	default:
		return ""
	}
}

// compatible 判断两个值在 Set 时类型是否兼容。数组按元素类型比较，
// 空数组视为与任何数组兼容。
func compatible(base, next Value) bool {
	if base.kind != next.kind {
		// 整数默认值允许被浮点覆盖以外的放宽都拒绝。
		return base.kind == KindFloat && next.kind == KindInt
	}
	if base.kind != KindArray {
		return true
	}
	if len(base.arr) == 0 || len(next.arr) == 0 {
		return true
	}
	return base.arr[0].kind == next.arr[0].kind
}

func typeMismatch(want, got Kind) error {
	return xerrors.Wrap(CodePrefTypeMismatch, ErrTypeMismatch,
		fmt.Sprintf("期望 %s, 实际 %s", want, got))
}
