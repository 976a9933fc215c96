package pathhelper

import (
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxTitleLength = 50

// JobPath 返回任务专属的临时路径 <dir>/<jobID>_<suffix>
// 文件名只由任务ID派生，并发任务共享同一目录也不会冲突
func JobPath(dir, jobID, suffix string) string {
	return filepath.Join(dir, jobID+"_"+suffix)
}

// RemoveJobFiles 删除目录中属于该任务的所有文件，返回删除数量
func RemoveJobFiles(dir, jobID string) (int, error) {
	if jobID == "" {
		return 0, nil
	}
	matches, err := filepath.Glob(filepath.Join(dir, globEscape(jobID)+"*"))
	if err != nil {
		return 0, err
	}
	removed := 0
	var firstErr error
	for _, m := range matches {
		if err := os.RemoveAll(m); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		removed++
	}
	return removed, firstErr
}

// SweepOlderThan 删除目录中修改时间早于 maxAge 的文件，用于清理崩溃遗留
func SweepOlderThan(dir string, maxAge time.Duration, now time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

// SanitizeTitle 将标题转换为只包含 [A-Za-z0-9_-] 的文件名片段
func SanitizeTitle(title string) string {
	// 去掉重音符号，例如 é -> e
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, title)
	if err != nil {
		folded = title
	}

	var b strings.Builder
	lastUnderscore := false
	for _, r := range folded {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-'):
			b.WriteRune(r)
			lastUnderscore = false
		case !lastUnderscore && b.Len() > 0:
			b.WriteByte('_')
			lastUnderscore = true
		}
	}

	s := strings.Trim(b.String(), "_-")
	if len(s) > maxTitleLength {
		s = strings.TrimRight(s[:maxTitleLength], "_-")
	}
	return s
}

// DeliveryName 生成投递文件名 <safe-title>_<jobid前8位>.<ext>
func DeliveryName(title, jobID, ext string) string {
	short := jobID
	if len(short) > 8 {
		short = short[:8]
	}
	safe := SanitizeTitle(title)
	if safe == "" {
		safe = "video"
	}
	return safe + "_" + short + "." + strings.TrimPrefix(ext, ".")
}

func globEscape(s string) string {
	replacer := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`)
	return replacer.Replace(s)
}
