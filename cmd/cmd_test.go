package cmd

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandsReturnStartupErrors(t *testing.T) {
	orig := newApp
	t.Cleanup(func() {
		newApp = orig
		rootCmd.SetArgs(nil)
	})
	newApp = func() (*app, error) {
		return nil, errors.New("数据库初始化失败: connection refused")
	}

	for _, name := range []string{"server", "worker", "poll"} {
		t.Run(name, func(t *testing.T) {
			rootCmd.SetArgs([]string{name})
			rootCmd.SetOut(io.Discard)
			rootCmd.SetErr(io.Discard)

			// 错误需要传到 Execute，进程才会以非零状态退出
			err := rootCmd.Execute()
			assert.ErrorContains(t, err, "connection refused")
		})
	}
}
