package media

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"tubebot/app/errs"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp" // yt-dlp 写出的缩略图通常是 webp
)

const thumbnailSize = 320

// Thumbnail 生成不超过 320px 的 JPEG 缩略图：优先使用 yt-dlp 写出的缩略图，否则从视频截取一帧
func (t *Toolkit) Thumbnail(ctx context.Context, videoPath, out string) error {
	src := siblingImage(videoPath)
	if src == "" {
		frame := strings.TrimSuffix(out, filepath.Ext(out)) + "_frame.jpg"
		defer os.Remove(frame)

		args := []string{"-y", "-hide_banner", "-loglevel", "error", "-ss", "1", "-i", videoPath, "-frames:v", "1", frame}
		if _, err := t.runner.Run(ctx, t.cfg.FfmpegPath, args...); err != nil {
			return errs.Wrap(errs.ProcessingFailure, "thumbnail", "", err)
		}
		src = frame
	}

	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return errs.Wrap(errs.ProcessingFailure, "thumbnail", "", err)
	}
	img = imaging.Fit(img, thumbnailSize, thumbnailSize, imaging.Lanczos)
	if err := imaging.Save(img, out, imaging.JPEGQuality(85)); err != nil {
		return errs.Wrap(errs.ProcessingFailure, "thumbnail", "", err)
	}
	return nil
}

func siblingImage(videoPath string) string {
	base := strings.TrimSuffix(videoPath, filepath.Ext(videoPath))
	for _, ext := range []string{".webp", ".jpg", ".png"} {
		if fi, err := os.Stat(base + ext); err == nil && fi.Size() > 0 {
			return base + ext
		}
	}
	return ""
}
