package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"tubebot/app/errs"
)

// M+:SS 或 H+:MM:SS
var timecodePattern = regexp.MustCompile(`^\d+:\d{1,2}(:\d{1,2})?$`)

// ValidTimecode 检查时间文本格式，首段不限大小，其余各段在 [0,59]
func ValidTimecode(s string) bool {
	if !timecodePattern.MatchString(s) {
		return false
	}
	parts := strings.Split(s, ":")
	for _, p := range parts[1:] {
		if len(p) != 2 {
			return false
		}
		n, _ := strconv.Atoi(p)
		if n > 59 {
			return false
		}
	}
	return true
}

// ToSeconds 将 M:SS 或 H:MM:SS 转换为秒数
func ToSeconds(s string) (int, error) {
	if !ValidTimecode(s) {
		return 0, errs.Newf(errs.InvalidInput, "timecode", "Invalid time %q, use M:SS or H:MM:SS", s)
	}
	total := 0
	for _, p := range strings.Split(s, ":") {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0, errs.Newf(errs.InvalidInput, "timecode", "Invalid time %q, use M:SS or H:MM:SS", s)
		}
		total = total*60 + n
	}
	return total, nil
}

// FormatSeconds 输出规范形式：不足一小时为 M:SS，否则 H:MM:SS
func FormatSeconds(sec int) string {
	if sec < 0 {
		sec = 0
	}
	h, m, s := sec/3600, (sec%3600)/60, sec%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// Normalize 返回时间文本的规范形式，例如 00:90 无效，75:00 变为 1:15:00
func Normalize(s string) (string, error) {
	sec, err := ToSeconds(s)
	if err != nil {
		return "", err
	}
	return FormatSeconds(sec), nil
}
