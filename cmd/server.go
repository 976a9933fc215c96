package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"tubebot/app/database"
	"tubebot/app/server"

	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动 webhook 服务器和下载工作池",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.close()
		log := a.log

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		a.checkBot(ctx)

		srv := server.New(a.cfg, log, server.Deps{
			DB:      database.DB,
			Queue:   a.queue,
			Jobs:    a.jobs,
			Updates: a.commands,
		})

		if err := a.startWorkers(); err != nil {
			return err
		}

		// 在协程中启动服务器
		errCh := make(chan error, 1)
		go func() {
			if err := srv.Start(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()

		var runErr error
		select {
		case <-ctx.Done():
			log.Info("收到关闭信号，正在关闭服务器...")
		case err := <-errCh:
			log.Errorf("启动服务器失败: %v", err)
			runErr = fmt.Errorf("启动服务器失败: %w", err)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}
		a.stopWorkers()
		log.Info("服务器已退出")
		return runErr
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
