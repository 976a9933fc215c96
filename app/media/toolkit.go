package media

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"tubebot/app/config"
	"tubebot/app/errs"
	"tubebot/app/logger"

	"github.com/patrickmn/go-cache"
)

// Info yt-dlp --dump-json 输出中用到的字段
type Info struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Duration   float64 `json:"duration"`
	Uploader   string  `json:"uploader"`
	WebpageURL string  `json:"webpage_url"`
	Thumbnail  string  `json:"thumbnail"`
	IsLive     bool    `json:"is_live"`
}

// DurationSeconds 时长取整
func (i *Info) DurationSeconds() int {
	return int(i.Duration + 0.5)
}

// Toolkit 媒体工具集合，工具路径等配置在构造时注入
type Toolkit struct {
	cfg        config.ToolsConfig
	runner     Runner
	strategies []Strategy
	probes     *cache.Cache
	log        *logger.Logger
}

func NewToolkit(cfg config.ToolsConfig, runner Runner, log *logger.Logger) (*Toolkit, error) {
	strategies, err := Strategies(cfg.Strategies)
	if err != nil {
		return nil, err
	}
	ttl := cfg.ProbeCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if cfg.YtDlpPath == "" {
		cfg.YtDlpPath = "yt-dlp"
	}
	if cfg.FfmpegPath == "" {
		cfg.FfmpegPath = "ffmpeg"
	}
	return &Toolkit{
		cfg:        cfg,
		runner:     runner,
		strategies: strategies,
		probes:     cache.New(ttl, 10*time.Minute),
		log:        log,
	}, nil
}

// StrategyNames 当前生效的策略顺序
func (t *Toolkit) StrategyNames() []string {
	names := make([]string, len(t.strategies))
	for i, s := range t.strategies {
		names[i] = s.Name()
	}
	return names
}

// Probe 获取标题与时长，不下载媒体
func (t *Toolkit) Probe(ctx context.Context, url string) (*Info, error) {
	if v, ok := t.probes.Get(url); ok {
		info := *v.(*Info)
		return &info, nil
	}

	args := append([]string{"--dump-json", "--no-warnings", "--no-playlist"}, t.sourceArgs()...)
	args = append(args, url)
	out, err := t.runner.Run(ctx, t.cfg.YtDlpPath, args...)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errs.Wrap(errs.AcquisitionFailure, "probe", describeSourceError(err, "Could not fetch video information."), err)
	}

	var info Info
	if err := json.Unmarshal(out, &info); err != nil {
		return nil, errs.Wrap(errs.AcquisitionFailure, "probe", "Could not read video information.", err)
	}
	if info.IsLive {
		return nil, errs.New(errs.AcquisitionFailure, "probe", "Live streams are not supported.")
	}

	t.probes.SetDefault(url, &info)
	return &info, nil
}

// Acquire 按策略顺序下载到 outputPath，某个策略失败时清理残留并尝试下一个
func (t *Toolkit) Acquire(ctx context.Context, req AcquireRequest, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return errs.Wrap(errs.InternalError, "acquire", "", err)
	}

	var lastErr error
	for _, s := range t.strategies {
		args := append(s.Args(req), t.downloadArgs(outputPath)...)
		args = append(args, req.URL)

		_, err := t.runner.Run(ctx, t.cfg.YtDlpPath, args...)
		if err == nil {
			if fi, statErr := os.Stat(outputPath); statErr == nil && fi.Size() > 0 {
				t.log.Debugf("策略 %s 获取成功: %s", s.Name(), outputPath)
				return nil
			}
			err = errors.New("yt-dlp 未生成输出文件")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t.log.Warnf("获取策略 %s 失败: %v", s.Name(), err)
		removePartials(outputPath)
		lastErr = err
	}
	return errs.Wrap(errs.AcquisitionFailure, "acquire", describeSourceError(lastErr, "Could not download the video."), lastErr)
}

func (t *Toolkit) sourceArgs() []string {
	var args []string
	if t.cfg.CookiesFile != "" {
		args = append(args, "--cookies", t.cfg.CookiesFile)
	}
	if t.cfg.Proxy != "" {
		args = append(args, "--proxy", t.cfg.Proxy)
	}
	return append(args, t.cfg.ExtraArgs...)
}

func (t *Toolkit) downloadArgs(outputPath string) []string {
	args := []string{
		"--merge-output-format", "mp4",
		"--no-playlist",
		"--no-warnings",
		"--no-mtime", // 文件时间保持为下载时间，临时目录清理按 mtime 判断
		"--write-thumbnail",
		"-o", outputPath,
	}
	if t.cfg.FfmpegLocation != "" {
		args = append(args, "--ffmpeg-location", t.cfg.FfmpegLocation)
	}
	return append(args, t.sourceArgs()...)
}

// removePartials 删除与输出文件同前缀的残留（.part、分轨文件、缩略图）
func removePartials(outputPath string) {
	base := strings.TrimSuffix(outputPath, filepath.Ext(outputPath))
	matches, _ := filepath.Glob(base + "*")
	for _, m := range matches {
		_ = os.Remove(m)
	}
}

// describeSourceError 将 yt-dlp 的错误输出转换为用户可读的原因
func describeSourceError(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	msg := err.Error()
	var execErr *ExecError
	if errors.As(err, &execErr) {
		msg = execErr.Stderr
	}
	switch {
	case strings.Contains(msg, "Private video"):
		return "This video is private."
	case strings.Contains(msg, "Video unavailable"):
		return "This video is unavailable."
	case strings.Contains(msg, "Sign in to confirm"):
		return "The source requires sign-in for this video."
	case strings.Contains(msg, "HTTP Error 403"):
		return "Access forbidden by the source. Please try again later."
	case strings.Contains(msg, "no space left"):
		return "Disk space exhausted. Cannot complete download."
	default:
		return fallback
	}
}
