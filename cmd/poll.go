package cmd

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"tubebot/app/telegram"

	"github.com/spf13/cobra"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "以长轮询方式接收消息并启动下载工作池，无需公网地址",
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

		// 存在 webhook 时 getUpdates 会被拒绝
		if err := a.bot.DeleteWebhook(ctx, false); err != nil {
			log.Warnf("删除 webhook 失败: %v", err)
		}

		if err := a.startWorkers(); err != nil {
			return err
		}

		poller := telegram.NewPoller(a.bot, a.cfg.Telegram.PollTimeout, log)
		err = poller.Run(ctx, func(ctx context.Context, u *telegram.Update) {
			if err := a.commands.HandleUpdate(ctx, u); err != nil {
				log.Errorf("处理更新失败: update_id=%d, err=%v", u.UpdateID, err)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("长轮询退出: %v", err)
		} else {
			err = nil
		}

		log.Info("正在停止工作池...")
		a.stopWorkers()
		return err
	},
}

func init() {
	rootCmd.AddCommand(pollCmd)
}
