// Package telegram 是 Bot API 的最小客户端
package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tubebot/app/errs"

	"resty.dev/v3"
)

// APIError Bot API 返回 ok=false
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

// TooLarge 文件超过 Bot API 的上传限制
func (e *APIError) TooLarge() bool {
	return e.Code == http.StatusRequestEntityTooLarge ||
		strings.Contains(strings.ToLower(e.Description), "too big") ||
		strings.Contains(strings.ToLower(e.Description), "too large")
}

// NotModified 编辑消息时内容没有变化
func (e *APIError) NotModified() bool {
	return strings.Contains(e.Description, "message is not modified")
}

// Client Bot API 客户端
type Client struct {
	http *resty.Client
}

// NewClient 创建客户端，apiURL 默认为 https://api.telegram.org
func NewClient(apiURL, token string) *Client {
	if apiURL == "" {
		apiURL = "https://api.telegram.org"
	}
	c := resty.New().
		SetBaseURL(strings.TrimRight(apiURL, "/") + "/bot" + token).
		SetTimeout(2 * time.Minute)
	return &Client{http: c}
}

// Close 释放底层连接
func (c *Client) Close() error {
	return c.http.Close()
}

// call 调用一个 Bot API 方法并解码 result
func call[T any](ctx context.Context, c *Client, method string, build func(r *resty.Request)) (T, error) {
	var zero T
	env := &apiResponse[T]{}

	req := c.http.R().SetContext(ctx).SetResult(env).SetError(env)
	if build != nil {
		build(req)
	}
	resp, err := req.Post("/" + method)
	if err != nil {
		return zero, fmt.Errorf("telegram %s 请求失败: %w", method, err)
	}
	if !env.OK {
		apiErr := &APIError{Method: method, Code: env.ErrorCode, Description: env.Description}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode()
		}
		if apiErr.Description == "" {
			apiErr.Description = strings.TrimSpace(resp.String())
		}
		if env.Parameters != nil {
			apiErr.RetryAfter = env.Parameters.RetryAfter
		}
		return zero, apiErr
	}
	return env.Result, nil
}

// GetMe 返回机器人自身信息
func (c *Client) GetMe(ctx context.Context) (*User, error) {
	u, err := call[User](ctx, c, "getMe", nil)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// SendMessage 发送 HTML 文本消息
func (c *Client) SendMessage(ctx context.Context, chatID, replyTo int64, text string) (*Message, error) {
	body := map[string]any{
		"chat_id":                  chatID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	if replyTo > 0 {
		body["reply_to_message_id"] = replyTo
		body["allow_sending_without_reply"] = true
	}
	m, err := call[Message](ctx, c, "sendMessage", func(r *resty.Request) { r.SetBody(body) })
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// EditMessageText 修改已发送的文本，内容未变化时忽略
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	body := map[string]any{
		"chat_id":                  chatID,
		"message_id":               messageID,
		"text":                     text,
		"parse_mode":               "HTML",
		"disable_web_page_preview": true,
	}
	_, err := call[json.RawMessage](ctx, c, "editMessageText", func(r *resty.Request) { r.SetBody(body) })
	if apiErr, ok := err.(*APIError); ok && apiErr.NotModified() {
		return nil
	}
	return err
}

// SendFile 以 multipart 上传本地文件，超过上传限制时返回 DeliveryFailure
func (c *Client) SendFile(ctx context.Context, chatID int64, f OutgoingFile) (*Message, error) {
	method := map[FileKind]string{
		FileVideo:    "sendVideo",
		FileAudio:    "sendAudio",
		FileDocument: "sendDocument",
	}[f.Kind]
	if method == "" {
		return nil, fmt.Errorf("未知的文件类型: %s", f.Kind)
	}

	fields := map[string]string{
		"chat_id":    strconv.FormatInt(chatID, 10),
		"caption":    f.Caption,
		"parse_mode": "HTML",
	}
	if f.ReplyTo > 0 {
		fields["reply_to_message_id"] = strconv.FormatInt(f.ReplyTo, 10)
		fields["allow_sending_without_reply"] = "true"
	}
	if f.Duration > 0 && f.Kind != FileDocument {
		fields["duration"] = strconv.Itoa(f.Duration)
	}
	switch f.Kind {
	case FileVideo:
		fields["supports_streaming"] = "true"
	case FileAudio:
		if f.Title != "" {
			fields["title"] = f.Title
		}
	}

	file, err := os.Open(f.Path)
	if err != nil {
		return nil, errs.Wrap(errs.InternalError, "deliver", "", err)
	}
	defer file.Close()

	name := f.Name
	if name == "" {
		name = filepath.Base(f.Path)
	}

	m, err := call[Message](ctx, c, method, func(r *resty.Request) {
		r.SetMultipartFormData(fields)
		r.SetFileReader(string(f.Kind), name, file)
		if f.Thumbnail != "" {
			r.SetFile("thumbnail", f.Thumbnail)
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if apiErr, ok := err.(*APIError); ok && apiErr.TooLarge() {
			return nil, errs.Wrap(errs.DeliveryFailure, "deliver", "The file is too large for Telegram.", err)
		}
		return nil, errs.Wrap(errs.DeliveryFailure, "deliver", "Could not upload the file to Telegram.", err)
	}
	return &m, nil
}

// GetUpdates 长轮询获取更新
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	body := map[string]any{
		"offset":          offset,
		"timeout":         int(timeout.Seconds()),
		"allowed_updates": []string{"message"},
	}
	return call[[]Update](ctx, c, "getUpdates", func(r *resty.Request) {
		r.SetBody(body).SetTimeout(timeout + 10*time.Second)
	})
}

// SetWebhook 注册 webhook，secret 非空时 Telegram 会在请求头中携带
func (c *Client) SetWebhook(ctx context.Context, url, secret string, dropPending bool) error {
	body := map[string]any{
		"url":                  url,
		"allowed_updates":      []string{"message"},
		"drop_pending_updates": dropPending,
	}
	if secret != "" {
		body["secret_token"] = secret
	}
	_, err := call[bool](ctx, c, "setWebhook", func(r *resty.Request) { r.SetBody(body) })
	return err
}

// DeleteWebhook 删除 webhook，切换到轮询模式前需要调用
func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	_, err := call[bool](ctx, c, "deleteWebhook", func(r *resty.Request) {
		r.SetBody(map[string]any{"drop_pending_updates": dropPending})
	})
	return err
}

// GetWebhookInfo 查询 webhook 状态
func (c *Client) GetWebhookInfo(ctx context.Context) (*WebhookInfo, error) {
	info, err := call[WebhookInfo](ctx, c, "getWebhookInfo", nil)
	if err != nil {
		return nil, err
	}
	return &info, nil
}
