package stream

import (
	"context"
	"errors"
	"io"
)

// Sink 是 PipeTo 的写入端。
type Sink interface {
	Write(ctx context.Context, chunk any) error
	Close() error
	Abort(reason error) error
}

type pipeConfig struct {
	preventClose  bool
	preventAbort  bool
	preventCancel bool
}

// PipeOption 配置 PipeTo 在终止时对两端的处理方式。
type PipeOption func(*pipeConfig)

// PreventClose 使干净结束时不关闭写入端。
func PreventClose() PipeOption {
	return func(c *pipeConfig) { c.preventClose = true }
}

// PreventAbort 使源出错时不中止写入端。
func PreventAbort() PipeOption {
	return func(c *pipeConfig) { c.preventAbort = true }
}

// PreventCancel 使写入失败或 ctx 取消时不取消源。
func PreventCancel() PipeOption {
	return func(c *pipeConfig) { c.preventCancel = true }
}

// PipeTo 把流的全部数据块写入 sink：源出错时中止 sink 并返回原因，
// 写入失败时取消源并返回写入错误，干净结束时关闭 sink。ctx 取消按
// 源错误处理。
func (s *Stream) PipeTo(ctx context.Context, sink Sink, opts ...PipeOption) error {
	var cfg pipeConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	rd, err := s.Reader()
	if err != nil {
		return err
	}
	defer rd.Release()

	for {
		value, err := rd.Read(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if cfg.preventClose {
					return nil
				}
				return sink.Close()
			}
			if ctx.Err() != nil && !cfg.preventCancel {
				_ = rd.Cancel(context.Background(), err)
			}
			if !cfg.preventAbort {
				_ = sink.Abort(err)
			}
			return err
		}
		if err := sink.Write(ctx, value); err != nil {
			if !cfg.preventCancel {
				_ = rd.Cancel(ctx, err)
			}
			return err
		}
	}
}
