package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"OpenRill/internal/source"
	"OpenRill/internal/stream"
)

const defaultChunkBytes = 32 * 1024

// Factory 构造基于本地文件的字节源。Offset 是文件内的字节位置，
// 续传通过 seek 实现。
type Factory struct{}

// Kind 实现 source.Factory。
func (Factory) Kind() string { return "file" }

// Capabilities 声明文件源需要的能力。
func (Factory) Capabilities() []source.Capability {
	return []source.Capability{source.CapabilityFS}
}

// Open 实现 source.Factory。
func (Factory) Open(_ context.Context, opts source.Options) (source.Opened, error) {
	path := source.StringParam(opts.Params, "path", "")
	if path == "" {
		return source.Opened{}, fmt.Errorf("文件源 %s 缺少 path 参数", opts.Name)
	}
	chunk := source.IntParam(opts.Params, "chunk_bytes", defaultChunkBytes)
	if opts.Policy.MaxChunkBytes > 0 && chunk > opts.Policy.MaxChunkBytes {
		chunk = opts.Policy.MaxChunkBytes
	}
	if chunk <= 0 {
		chunk = defaultChunkBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return source.Opened{}, fmt.Errorf("打开文件 %s 失败: %w", path, err)
	}
	if opts.Resume != "" {
		offset, err := strconv.ParseInt(opts.Resume, 10, 64)
		if err != nil || offset < 0 {
			f.Close()
			return source.Opened{}, fmt.Errorf("文件源续传位置 %q 非法", opts.Resume)
		}
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			f.Close()
			return source.Opened{}, fmt.Errorf("定位文件 %s 失败: %w", path, err)
		}
	}
	return source.Opened{ByteSource: &byteSource{file: f, chunk: chunk}, Byte: true}, nil
}

// byteSource 逐块读取文件内容。优先填充 BYOB 缓冲区，没有挂起读取
// 时按固定块大小入队。
type byteSource struct {
	mu    sync.Mutex
	file  *os.File
	chunk int
}

// Start 实现 stream.ByteSource。
func (s *byteSource) Start(context.Context, *stream.ByteController) error { return nil }

// Pull 实现 stream.ByteSource。
func (s *byteSource) Pull(_ context.Context, ctl *stream.ByteController) error {
	s.mu.Lock()
	f := s.file
	s.mu.Unlock()
	if f == nil {
		return errors.New("文件已关闭")
	}

	if req := ctl.BYOBRequest(); req != nil {
		n, err := f.Read(req.Buf())
		if n > 0 {
			if rerr := req.Respond(n); rerr != nil && !errors.Is(rerr, stream.ErrNoPendingRead) {
				return rerr
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				_ = ctl.Close()
				return nil
			}
			return err
		}
		return nil
	}

	buf := make([]byte, s.chunk)
	n, err := f.Read(buf)
	if n > 0 {
		if eerr := ctl.Enqueue(buf[:n]); eerr != nil && !errors.Is(eerr, stream.ErrStreamClosed) {
			return eerr
		}
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			_ = ctl.Close()
			return nil
		}
		return err
	}
	return nil
}

// Cancel 实现 stream.ByteSource。
func (s *byteSource) Cancel(context.Context, error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

var _ stream.ByteSource = (*byteSource)(nil)
