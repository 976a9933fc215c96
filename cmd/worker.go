package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "只启动下载工作池，与 server 共享数据库或 Redis 队列",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := a.startWorkers(); err != nil {
			return err
		}
		<-ctx.Done()
		a.log.Info("收到关闭信号，正在停止工作池...")
		a.stopWorkers()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
