package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"OpenRill/internal/source"
	"OpenRill/internal/stream"
)

const defaultChunkBytes = 16 * 1024

// Factory 构造以子进程标准输出为数据的字节源。进程退出即流结束，
// 不支持续传。
type Factory struct{}

// Kind 实现 source.Factory。
func (Factory) Kind() string { return "process" }

// Capabilities 声明进程源需要的能力。
func (Factory) Capabilities() []source.Capability {
	return []source.Capability{source.CapabilityExec}
}

// Open 实现 source.Factory。命令在这里启动，流的首次拉取即可读到
// 输出。
func (Factory) Open(_ context.Context, opts source.Options) (source.Opened, error) {
	command := source.StringParam(opts.Params, "command", "")
	if command == "" {
		return source.Opened{}, fmt.Errorf("进程源 %s 缺少 command 参数", opts.Name)
	}
	args := source.StringsParam(opts.Params, "args")
	chunk := source.IntParam(opts.Params, "chunk_bytes", defaultChunkBytes)
	if opts.Policy.MaxChunkBytes > 0 && chunk > opts.Policy.MaxChunkBytes {
		chunk = opts.Policy.MaxChunkBytes
	}
	if chunk <= 0 {
		chunk = defaultChunkBytes
	}

	cmd := exec.Command(command, args...)
	if dir := source.StringParam(opts.Params, "working_dir", ""); dir != "" {
		cmd.Dir = dir
	}
	// 独立进程组，取消时连同子进程一起终止。
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return source.Opened{}, fmt.Errorf("创建 stdout 管道失败: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return source.Opened{}, fmt.Errorf("启动命令 %s 失败: %w", command, err)
	}
	return source.Opened{ByteSource: &byteSource{cmd: cmd, stdout: stdout, chunk: chunk}, Byte: true}, nil
}

// byteSource 从子进程 stdout 逐块读取。
type byteSource struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdout io.ReadCloser
	chunk  int
	waited bool
}

// Start 实现 stream.ByteSource。
func (s *byteSource) Start(context.Context, *stream.ByteController) error { return nil }

// Pull 实现 stream.ByteSource。
func (s *byteSource) Pull(_ context.Context, ctl *stream.ByteController) error {
	if req := ctl.BYOBRequest(); req != nil {
		n, err := s.stdout.Read(req.Buf())
		if n > 0 {
			if rerr := req.Respond(n); rerr != nil && !errors.Is(rerr, stream.ErrNoPendingRead) {
				return rerr
			}
		}
		if err != nil {
			return s.finish(ctl, err)
		}
		return nil
	}

	buf := make([]byte, s.chunk)
	n, err := s.stdout.Read(buf)
	if n > 0 {
		if eerr := ctl.Enqueue(buf[:n]); eerr != nil && !errors.Is(eerr, stream.ErrStreamClosed) {
			return eerr
		}
	}
	if err != nil {
		return s.finish(ctl, err)
	}
	return nil
}

// finish 在输出结束后回收进程：退出码为 0 时正常关闭流，否则把
// 退出错误交给流。
func (s *byteSource) finish(ctl *stream.ByteController, readErr error) error {
	if !errors.Is(readErr, io.EOF) {
		return readErr
	}
	s.mu.Lock()
	waited := s.waited
	s.waited = true
	s.mu.Unlock()
	if !waited {
		if err := s.cmd.Wait(); err != nil {
			return fmt.Errorf("命令异常退出: %w", err)
		}
	}
	_ = ctl.Close()
	return nil
}

// Cancel 实现 stream.ByteSource。整个进程组一并终止。
func (s *byteSource) Cancel(context.Context, error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil && s.cmd.Process != nil {
		_ = syscall.Kill(-s.cmd.Process.Pid, syscall.SIGKILL)
	}
	if s.stdout != nil {
		_ = s.stdout.Close()
	}
	if !s.waited && s.cmd != nil {
		s.waited = true
		_ = s.cmd.Wait()
	}
	return nil
}

var _ stream.ByteSource = (*byteSource)(nil)
