package media

import (
	"context"
	"os"
	"strconv"
	"time"

	"tubebot/app/errs"
)

// TranscodeOptions 裁剪与转换参数
type TranscodeOptions struct {
	Start     time.Duration // 0 表示从头开始
	Duration  time.Duration // 0 表示到结尾
	AudioOnly bool          // 输出 mp3
}

// Transcode 先尝试流复制，失败后用 libx264/aac 重新编码；mp3 只执行一次
func (t *Toolkit) Transcode(ctx context.Context, in, out string, opts TranscodeOptions) error {
	base := []string{"-y", "-hide_banner", "-loglevel", "error", "-i", in}
	if opts.Start > 0 {
		base = append(base, "-ss", seconds(opts.Start))
	}
	if opts.Duration > 0 {
		base = append(base, "-t", seconds(opts.Duration))
	}

	if opts.AudioOnly {
		args := append(base, "-vn", "-acodec", "libmp3lame", "-b:a", "192k", out)
		if _, err := t.runner.Run(ctx, t.cfg.FfmpegPath, args...); err != nil {
			return t.transcodeError(ctx, out, err)
		}
		return nil
	}

	copyArgs := append(append([]string{}, base...), "-c", "copy", out)
	_, err := t.runner.Run(ctx, t.cfg.FfmpegPath, copyArgs...)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	t.log.Warnf("流复制失败，改为重新编码: %v", err)
	_ = os.Remove(out)
	encodeArgs := append(append([]string{}, base...), "-c:v", "libx264", "-c:a", "aac", out)
	if _, err := t.runner.Run(ctx, t.cfg.FfmpegPath, encodeArgs...); err != nil {
		return t.transcodeError(ctx, out, err)
	}
	return nil
}

func (t *Toolkit) transcodeError(ctx context.Context, out string, err error) error {
	_ = os.Remove(out)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errs.Wrap(errs.ProcessingFailure, "transcode", "Media processing failed (ffmpeg).", err)
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}
