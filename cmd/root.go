package cmd

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "tubebot",
	Short:   "Telegram 媒体下载机器人",
	Long:    "接收聊天命令，排队下载、裁剪和转换视频，并把文件发回给用户",
	Version: "1.0.0",

	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置文件路径（默认 ./data/config.yaml 或 ./config.yaml）")
}

// initConfig 加载 .env 并设置配置文件搜索路径，实际读取在 config.Load 中完成
func initConfig() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Println(".env 文件读取失败:", err)
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		return
	}

	// 添加配置文件搜索路径
	viper.AddConfigPath("./data") // 相对于当前工作目录的 data 文件夹
	viper.AddConfigPath(".")      // 当前目录
	viper.SetConfigType("yaml")
	viper.SetConfigName("config")
}
