package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tubebot/app/config"
	"tubebot/app/telegram"

	"github.com/spf13/cobra"
)

var dropPending bool

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "管理 Telegram webhook",
}

var webhookSetCmd = &cobra.Command{
	Use:   "set",
	Short: "将 server.public_url + server.webhook_path 注册为 webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cfg.Server.PublicURL == "" {
			return fmt.Errorf("server.public_url 未设置")
		}
		url := strings.TrimRight(cfg.Server.PublicURL, "/") + cfg.Server.WebhookPath

		return withBot(cfg, func(ctx context.Context, bot *telegram.Client) error {
			if err := bot.SetWebhook(ctx, url, cfg.Server.WebhookSecret, dropPending); err != nil {
				return err
			}
			cmd.Printf("webhook 已设置: %s\n", url)
			return nil
		})
	},
}

var webhookDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "删除 webhook",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBot(config.Load(), func(ctx context.Context, bot *telegram.Client) error {
			if err := bot.DeleteWebhook(ctx, dropPending); err != nil {
				return err
			}
			cmd.Println("webhook 已删除")
			return nil
		})
	},
}

var webhookInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "查看 webhook 状态",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withBot(config.Load(), func(ctx context.Context, bot *telegram.Client) error {
			info, err := bot.GetWebhookInfo(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("URL: %s\n待处理更新: %d\n", info.URL, info.PendingUpdateCount)
			if info.LastErrorMessage != "" {
				cmd.Printf("最近错误: %s (%s)\n", info.LastErrorMessage,
					time.Unix(info.LastErrorDate, 0).Format("2006-01-02 15:04:05"))
			}
			return nil
		})
	},
}

func withBot(cfg *config.Config, fn func(ctx context.Context, bot *telegram.Client) error) error {
	bot := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.Token)
	defer bot.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return fn(ctx, bot)
}

func init() {
	webhookCmd.PersistentFlags().BoolVar(&dropPending, "drop-pending", false, "丢弃尚未处理的更新")
	webhookCmd.AddCommand(webhookSetCmd, webhookDeleteCmd, webhookInfoCmd)
	rootCmd.AddCommand(webhookCmd)
}
