package media

import (
	"fmt"
	"strings"
)

const androidUserAgent = "com.google.android.youtube/19.02.39 (Linux; U; Android 13) gzip"

// AcquireRequest 获取源文件所需的参数
type AcquireRequest struct {
	URL     string
	Quality string
}

// Strategy 获取策略：给定请求返回 yt-dlp 的格式与客户端参数
type Strategy interface {
	Name() string
	Args(req AcquireRequest) []string
}

// FormatSelector 按画质生成 yt-dlp 格式表达式
func FormatSelector(quality string) string {
	switch strings.ToLower(quality) {
	case "", "best":
		return "bestvideo+bestaudio/best"
	case "worst":
		return "worstvideo+worstaudio/worst"
	default:
		return fmt.Sprintf("bestvideo[height<=%[1]s]+bestaudio/best[height<=%[1]s]/best", quality)
	}
}

type defaultStrategy struct{}

func (defaultStrategy) Name() string { return "default" }

func (defaultStrategy) Args(req AcquireRequest) []string {
	return []string{"-f", FormatSelector(req.Quality)}
}

// androidStrategy 使用 Android 播放器客户端，绕过部分网页端限制
type androidStrategy struct{}

func (androidStrategy) Name() string { return "android" }

func (androidStrategy) Args(req AcquireRequest) []string {
	return []string{
		"-f", FormatSelector(req.Quality),
		"--extractor-args", "youtube:player_client=android,player_skip=webpage",
		"--user-agent", androidUserAgent,
	}
}

// simpleStrategy 只取单文件最佳格式，不需要合并
type simpleStrategy struct{}

func (simpleStrategy) Name() string { return "simple" }

func (simpleStrategy) Args(AcquireRequest) []string {
	return []string{"-f", "best"}
}

var registry = map[string]Strategy{
	"default": defaultStrategy{},
	"android": androidStrategy{},
	"simple":  simpleStrategy{},
}

// Register 注册自定义策略
func Register(s Strategy) {
	registry[s.Name()] = s
}

// Strategies 按名称顺序解析策略列表
func Strategies(names []string) ([]Strategy, error) {
	if len(names) == 0 {
		names = []string{"default"}
	}
	out := make([]Strategy, 0, len(names))
	for _, name := range names {
		s, ok := registry[name]
		if !ok {
			return nil, fmt.Errorf("未知的获取策略: %s", name)
		}
		out = append(out, s)
	}
	return out, nil
}
