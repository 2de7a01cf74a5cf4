package stream

import (
	"fmt"
	"math"
)

// SizeFunc 计算一个数据块占用的队列尺寸。
type SizeFunc func(chunk any) (float64, error)

// Strategy 描述排队与背压策略：HighWaterMark 是期望的队列水位，
// Size 为 nil 时每个数据块计 1。
type Strategy struct {
	HighWaterMark float64
	Size          SizeFunc
}

// validate 在构造流时校验水位配置。
func (s Strategy) validate() error {
	if math.IsNaN(s.HighWaterMark) || s.HighWaterMark < 0 {
		return ErrInvalidHighWaterMark
	}
	return nil
}

// CountStrategy 返回按数据块个数计数的策略。
func CountStrategy(highWaterMark float64) Strategy {
	return Strategy{HighWaterMark: highWaterMark, Size: CountSize}
}

// CountSize 将每个数据块计为 1。
func CountSize(any) (float64, error) {
	return 1, nil
}

// ByteLenStrategy 返回按字节长度计数的策略，数据块必须是 []byte
// 或 string。
func ByteLenStrategy(highWaterMark float64) Strategy {
	return Strategy{HighWaterMark: highWaterMark, Size: ByteLenSize}
}

// ByteLenSize 以字节长度作为数据块尺寸。
func ByteLenSize(chunk any) (float64, error) {
	switch v := chunk.(type) {
	case []byte:
		return float64(len(v)), nil
	case string:
		return float64(len(v)), nil
	default:
		return 0, fmt.Errorf("byte length strategy requires []byte or string, got %T", chunk)
	}
}
