package stream

import "context"

// Source 定义对象流的底层数据源。Start 在构造期间同步执行；Pull 在
// 需要数据时被调用，同一时刻最多一次在途；Cancel 在消费方放弃流时
// 收到原因。传入的 ctx 会在流终止时取消，阻塞中的 Pull 应当尽快返回。
type Source interface {
	Start(ctx context.Context, ctl *Controller) error
	Pull(ctx context.Context, ctl *Controller) error
	Cancel(ctx context.Context, reason error) error
}

// SourceFuncs 是 Source 的适配器，未设置的字段等价于空操作，
// 对应"可选的 underlying source 描述符"。
type SourceFuncs struct {
	StartFunc  func(ctx context.Context, ctl *Controller) error
	PullFunc   func(ctx context.Context, ctl *Controller) error
	CancelFunc func(ctx context.Context, reason error) error
}

// Start 实现 Source 接口。
func (f SourceFuncs) Start(ctx context.Context, ctl *Controller) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx, ctl)
}

// Pull 实现 Source 接口。
func (f SourceFuncs) Pull(ctx context.Context, ctl *Controller) error {
	if f.PullFunc == nil {
		return nil
	}
	return f.PullFunc(ctx, ctl)
}

// Cancel 实现 Source 接口。
func (f SourceFuncs) Cancel(ctx context.Context, reason error) error {
	if f.CancelFunc == nil {
		return nil
	}
	return f.CancelFunc(ctx, reason)
}

// ByteSource 定义字节流的底层数据源，语义与 Source 一致，但通过
// ByteController 入队字节段或响应 BYOB 请求。
type ByteSource interface {
	Start(ctx context.Context, ctl *ByteController) error
	Pull(ctx context.Context, ctl *ByteController) error
	Cancel(ctx context.Context, reason error) error
}

// ByteSourceFuncs 是 ByteSource 的适配器，未设置的字段等价于空操作。
type ByteSourceFuncs struct {
	StartFunc  func(ctx context.Context, ctl *ByteController) error
	PullFunc   func(ctx context.Context, ctl *ByteController) error
	CancelFunc func(ctx context.Context, reason error) error
}

// Start 实现 ByteSource 接口。
func (f ByteSourceFuncs) Start(ctx context.Context, ctl *ByteController) error {
	if f.StartFunc == nil {
		return nil
	}
	return f.StartFunc(ctx, ctl)
}

// Pull 实现 ByteSource 接口。
func (f ByteSourceFuncs) Pull(ctx context.Context, ctl *ByteController) error {
	if f.PullFunc == nil {
		return nil
	}
	return f.PullFunc(ctx, ctl)
}

// Cancel 实现 ByteSource 接口。
func (f ByteSourceFuncs) Cancel(ctx context.Context, reason error) error {
	if f.CancelFunc == nil {
		return nil
	}
	return f.CancelFunc(ctx, reason)
}

var (
	_ Source     = SourceFuncs{}
	_ ByteSource = ByteSourceFuncs{}
)
