package service

import (
	"context"
	"fmt"
	"html"
	"strings"

	"tubebot/app/command"
	"tubebot/app/model"
	"tubebot/app/telegram"
)

// Notifier 用户消息出口，*telegram.Client 直接满足该接口
type Notifier interface {
	SendMessage(ctx context.Context, chatID, replyTo int64, text string) (*telegram.Message, error)
	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	SendFile(ctx context.Context, chatID int64, f telegram.OutgoingFile) (*telegram.Message, error)
}

const helpText = `👋 <b>Welcome!</b>

Send a command to download a video:
<code>/dl &lt;url&gt; [START=m:ss] [END=m:ss] [Q=720] [MP3=true]</code>

<b>Parameters</b>
• <code>START</code> / <code>END</code>: trim range, e.g. <code>START=0:30 END=1:00</code>
• <code>Q</code>: quality, e.g. <code>360</code>, <code>720</code>, <code>1080</code>, <code>best</code>, <code>worst</code>
• <code>MP3</code>: <code>true</code> to extract audio only

Use <code>/status &lt;job-id&gt;</code> to check a request.`

const maxCaptionTitle = 200

func queuedText(job *model.Job) string {
	var b strings.Builder
	b.WriteString("✅ <b>Request queued</b>\n\n")
	fmt.Fprintf(&b, "🆔 Job ID: <code>%s</code>\n", job.ID)
	fmt.Fprintf(&b, "🔗 %s\n", html.EscapeString(job.URL))
	if job.HasTrim() {
		fmt.Fprintf(&b, "✂️ Trim: %s\n", trimRange(job))
	}
	if job.Quality != "" {
		fmt.Fprintf(&b, "📺 Quality: %s\n", html.EscapeString(job.Quality))
	}
	if job.ConvertToMp3 {
		b.WriteString("🎵 Format: MP3\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func progressText(job *model.Job, step string) string {
	return fmt.Sprintf("%s\n\n🆔 Job ID: <code>%s</code>", step, job.ID)
}

func retryText(job *model.Job, attempt, maxAttempts int, reason string, delay string) string {
	return fmt.Sprintf("⚠️ Attempt %d/%d failed: %s\n🔁 Retrying in %s...\n\n🆔 Job ID: <code>%s</code>",
		attempt, maxAttempts, html.EscapeString(reason), delay, job.ID)
}

func failureText(jobID, reason string) string {
	return fmt.Sprintf("❌ <b>Download failed</b>\n\n🆔 Job ID: <code>%s</code>\nReason: %s",
		jobID, html.EscapeString(reason))
}

// captionText 成功投递时的摘要
func captionText(title string, size int64, duration int, job *model.Job) string {
	if r := []rune(title); len(r) > maxCaptionTitle {
		title = string(r[:maxCaptionTitle]) + "…"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🎬 <b>%s</b>\n", html.EscapeString(title))
	fmt.Fprintf(&b, "📦 Size: %.2f MB\n", float64(size)/1024/1024)
	if duration > 0 {
		fmt.Fprintf(&b, "⏱ Duration: %s\n", command.FormatSeconds(duration))
	}
	if job.Quality != "" {
		fmt.Fprintf(&b, "📺 Quality: %s\n", html.EscapeString(job.Quality))
	}
	if job.HasTrim() {
		fmt.Fprintf(&b, "✂️ Trimmed: %s\n", trimRange(job))
	}
	if job.ConvertToMp3 {
		b.WriteString("🎵 Format: MP3\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusText(job *model.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🆔 Job ID: <code>%s</code>\n", job.ID)
	fmt.Fprintf(&b, "📌 Status: <b>%s</b>\n", job.Status)
	fmt.Fprintf(&b, "🔗 %s\n", html.EscapeString(job.URL))
	if job.Attempts > 0 {
		fmt.Fprintf(&b, "🔁 Attempts: %d\n", job.Attempts)
	}
	if job.FileName != "" {
		fmt.Fprintf(&b, "📄 File: %s\n", html.EscapeString(job.FileName))
	}
	if job.FileSize != nil {
		fmt.Fprintf(&b, "📦 Size: %.2f MB\n", float64(*job.FileSize)/1024/1024)
	}
	if job.Error != "" {
		fmt.Fprintf(&b, "❗ Error: %s\n", html.EscapeString(job.Error))
	}
	return strings.TrimRight(b.String(), "\n")
}

func trimRange(job *model.Job) string {
	start, end := job.StartTime, job.EndTime
	if start == "" {
		start = "0:00"
	}
	if end == "" {
		end = "end"
	}
	return html.EscapeString(start + " - " + end)
}
