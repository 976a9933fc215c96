// Package media 封装 yt-dlp 与 ffmpeg 的调用约定
package media

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"tubebot/app/logger"
)

// Runner 执行外部命令，返回标准输出
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecError 外部命令以非零状态退出
type ExecError struct {
	Name   string
	Stderr string
	Err    error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("%s 执行失败: %v: %s", e.Name, e.Err, e.Stderr)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// ExecRunner 使用 os/exec 执行命令，ctx 结束时进程被终止
type ExecRunner struct {
	log *logger.Logger
}

func NewExecRunner(log *logger.Logger) *ExecRunner {
	return &ExecRunner{log: log}
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.log.Debugf("执行命令: %s %s", name, strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ExecError{Name: name, Stderr: tail(stderr.String(), 2000), Err: err}
	}
	return stdout.Bytes(), nil
}

// tail 只保留输出的最后 n 个字节
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
