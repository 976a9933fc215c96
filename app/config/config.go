package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Redis        RedisConfig        `mapstructure:"redis"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Tools        ToolsConfig        `mapstructure:"tools"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Sources      SourcesConfig      `mapstructure:"sources"`
	Events       EventsConfig       `mapstructure:"events"`
	Housekeeping HousekeepingConfig `mapstructure:"housekeeping"`
}

type ServerConfig struct {
	Port          string `mapstructure:"port"`
	WebhookPath   string `mapstructure:"webhook_path"`
	WebhookSecret string `mapstructure:"webhook_secret"` // 为空时不校验
	PublicURL     string `mapstructure:"public_url"`     // 用于注册 webhook
	APIToken      string `mapstructure:"api_token"`      // 运维接口的 Bearer 令牌，为空时不校验
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite 或 postgres
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// QueueConfig 队列重试与保留策略
type QueueConfig struct {
	Backend           string        `mapstructure:"backend"` // database 或 redis
	Name              string        `mapstructure:"name"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffFactor     float64       `mapstructure:"backoff_factor"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	CompletedMaxCount int           `mapstructure:"completed_max_count"`
	CompletedMaxAge   time.Duration `mapstructure:"completed_max_age"`
	FailedMaxCount    int           `mapstructure:"failed_max_count"`
	FailedMaxAge      time.Duration `mapstructure:"failed_max_age"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type WorkerConfig struct {
	Concurrency   int           `mapstructure:"concurrency"`
	TempDir       string        `mapstructure:"temp_dir"`
	MaxFileSizeMB int64         `mapstructure:"max_file_size_mb"`
	JobTimeout    time.Duration `mapstructure:"job_timeout"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	Thumbnails    bool          `mapstructure:"thumbnails"`
}

// MaxFileSizeBytes 返回文件大小上限（字节）
func (w WorkerConfig) MaxFileSizeBytes() int64 {
	return w.MaxFileSizeMB * 1024 * 1024
}

// ToolsConfig 外部工具配置，构造时注入流水线
type ToolsConfig struct {
	YtDlpPath      string        `mapstructure:"ytdlp_path"`
	FfmpegPath     string        `mapstructure:"ffmpeg_path"`
	FfmpegLocation string        `mapstructure:"ffmpeg_location"` // 传给 yt-dlp 的 --ffmpeg-location
	CookiesFile    string        `mapstructure:"cookies_file"`
	Proxy          string        `mapstructure:"proxy"`
	Strategies     []string      `mapstructure:"strategies"` // 获取策略的回退顺序
	ExtraArgs      []string      `mapstructure:"extra_args"`
	ProbeCacheTTL  time.Duration `mapstructure:"probe_cache_ttl"`
}

type TelegramConfig struct {
	Token       string        `mapstructure:"token"`
	APIURL      string        `mapstructure:"api_url"`
	Mode        string        `mapstructure:"mode"` // webhook 或 polling
	PollTimeout time.Duration `mapstructure:"poll_timeout"`
	BotName     string        `mapstructure:"bot_name"`
}

type SourcesConfig struct {
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

type EventsConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type HousekeepingConfig struct {
	QueueCleanSpec string        `mapstructure:"queue_clean_spec"`
	TempSweepSpec  string        `mapstructure:"temp_sweep_spec"`
	TempMaxAge     time.Duration `mapstructure:"temp_max_age"`
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	config, err := Decode()
	if err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return config
}

// Decode 将 viper 当前的值解码为 Config
func Decode() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.port", "3000")
	viper.SetDefault("server.webhook_path", "/api/telegram/webhook")
	viper.SetDefault("server.webhook_secret", "")
	viper.SetDefault("server.public_url", "")
	viper.SetDefault("server.api_token", "")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "data/tubebot.db")
	viper.SetDefault("database.max_open_conns", 10)
	viper.SetDefault("database.max_idle_conns", 5)

	// 队列默认：3 次尝试，2s 起的指数退避
	viper.SetDefault("queue.backend", "database")
	viper.SetDefault("queue.name", "downloads")
	viper.SetDefault("queue.max_attempts", 3)
	viper.SetDefault("queue.backoff_base", "2s")
	viper.SetDefault("queue.backoff_factor", 2)
	viper.SetDefault("queue.visibility_timeout", "5m")
	viper.SetDefault("queue.poll_interval", "1s")
	viper.SetDefault("queue.completed_max_count", 100)
	viper.SetDefault("queue.completed_max_age", "24h")
	viper.SetDefault("queue.failed_max_count", 1000)
	viper.SetDefault("queue.failed_max_age", "168h")

	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.prefix", "tubebot")

	viper.SetDefault("worker.concurrency", 2)
	viper.SetDefault("worker.temp_dir", "/tmp/ytdl")
	viper.SetDefault("worker.max_file_size_mb", 50)
	viper.SetDefault("worker.job_timeout", "30m")
	viper.SetDefault("worker.shutdown_grace", "30s")
	viper.SetDefault("worker.thumbnails", true)

	viper.SetDefault("tools.ytdlp_path", "yt-dlp")
	viper.SetDefault("tools.ffmpeg_path", "ffmpeg")
	viper.SetDefault("tools.ffmpeg_location", "")
	viper.SetDefault("tools.cookies_file", "")
	viper.SetDefault("tools.proxy", "")
	viper.SetDefault("tools.strategies", []string{"default", "android", "simple"})
	viper.SetDefault("tools.probe_cache_ttl", "10m")

	// 未设置默认值的键不会从环境变量解码
	viper.SetDefault("telegram.token", "")
	viper.SetDefault("telegram.bot_name", "")
	viper.SetDefault("telegram.api_url", "https://api.telegram.org")
	viper.SetDefault("telegram.mode", "webhook")
	viper.SetDefault("telegram.poll_timeout", "30s")

	viper.SetDefault("sources.allowed_hosts", []string{"youtube.com", "youtu.be", "m.youtube.com", "music.youtube.com"})

	viper.SetDefault("events.enabled", false)
	viper.SetDefault("events.brokers", []string{})
	viper.SetDefault("events.topic", "tubebot.jobs")

	viper.SetDefault("housekeeping.queue_clean_spec", "@every 10m")
	viper.SetDefault("housekeeping.temp_sweep_spec", "@every 1h")
	viper.SetDefault("housekeeping.temp_max_age", "2h")
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.Telegram.Token == "" {
		return fmt.Errorf("telegram.token 未设置")
	}
	switch config.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", config.Database.Driver)
	}
	switch config.Queue.Backend {
	case "database", "redis":
	default:
		return fmt.Errorf("不支持的队列后端: %s", config.Queue.Backend)
	}
	if config.Queue.MaxAttempts < 1 {
		return fmt.Errorf("queue.max_attempts 必须大于 0")
	}
	if config.Queue.VisibilityTimeout <= 0 {
		return fmt.Errorf("queue.visibility_timeout 必须大于 0")
	}
	if config.Worker.Concurrency < 1 {
		log.Println("worker.concurrency 小于 1，重置为 2")
		config.Worker.Concurrency = 2
	}
	if config.Worker.MaxFileSizeMB <= 0 {
		return fmt.Errorf("worker.max_file_size_mb 必须大于 0")
	}
	if config.Worker.TempDir == "" {
		return fmt.Errorf("worker.temp_dir 未设置")
	}
	if len(config.Sources.AllowedHosts) == 0 {
		return fmt.Errorf("sources.allowed_hosts 不能为空")
	}
	if config.Events.Enabled && len(config.Events.Brokers) == 0 {
		return fmt.Errorf("启用事件发布时必须配置 events.brokers")
	}
	return nil
}
