// Package command 把聊天文本解析为下载请求
package command

import (
	"errors"
	"net/url"
	"strconv"
	"strings"

	"tubebot/app/errs"

	"github.com/go-playground/validator/v10"
)

// 已知的画质档位
var knownQualities = []string{"144", "240", "360", "480", "720", "1080", "1440", "2160", "best", "worst"}

// Request 解析后的下载请求，时间保留原始文本
type Request struct {
	URL       string `json:"url" validate:"required,url"`
	StartTime string `json:"startTime,omitempty" validate:"omitempty,timecode"`
	EndTime   string `json:"endTime,omitempty" validate:"omitempty,timecode"`
	Quality   string `json:"quality,omitempty" validate:"omitempty,quality"`
	MP3       bool   `json:"mp3"`
}

// Parser 命令解析器，无副作用
type Parser struct {
	allowedHosts []string
	validate     *validator.Validate
}

// NewParser 创建解析器，allowedHosts 为允许的来源域名
func NewParser(allowedHosts []string) *Parser {
	v := validator.New()
	_ = v.RegisterValidation("timecode", func(fl validator.FieldLevel) bool {
		return ValidTimecode(fl.Field().String())
	})
	_ = v.RegisterValidation("quality", func(fl validator.FieldLevel) bool {
		return ValidQuality(fl.Field().String())
	})

	hosts := make([]string, 0, len(allowedHosts))
	for _, h := range allowedHosts {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			hosts = append(hosts, strings.TrimPrefix(h, "www."))
		}
	}
	return &Parser{allowedHosts: hosts, validate: v}
}

// Parse 从文本中提取第一个 URL 和 KEY=value 参数，失败时返回 InvalidInput
func (p *Parser) Parse(text string) (Request, error) {
	var req Request
	seen := make(map[string]bool)

	fields := strings.Fields(text)
	if len(fields) > 0 && strings.HasPrefix(fields[0], "/") {
		fields = fields[1:]
	}

	for _, tok := range fields {
		lower := strings.ToLower(tok)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") {
			if req.URL == "" {
				req.URL = tok
			}
			continue
		}

		key, value, ok := strings.Cut(tok, "=")
		if !ok || value == "" {
			return Request{}, invalid("Unexpected argument %q. Use KEY=value parameters.", tok)
		}
		key = strings.ToUpper(key)
		if seen[key] {
			return Request{}, invalid("Parameter %s given more than once.", key)
		}
		seen[key] = true

		switch key {
		case "START":
			req.StartTime = value
		case "END":
			req.EndTime = value
		case "Q":
			req.Quality = strings.ToLower(value)
		case "MP3":
			switch strings.ToLower(value) {
			case "true":
				req.MP3 = true
			case "false":
				req.MP3 = false
			default:
				return Request{}, invalid("MP3 must be true or false.")
			}
		default:
			return Request{}, invalid("Unknown parameter %s. Supported: START, END, Q, MP3.", key)
		}
	}

	if req.URL == "" {
		return Request{}, invalid("Please provide a video URL.")
	}
	if err := p.validate.Struct(req); err != nil {
		return Request{}, describe(err)
	}
	if !p.Allowed(req.URL) {
		return Request{}, invalid("Unsupported URL. Only %s links are accepted.", strings.Join(p.allowedHosts, ", "))
	}
	return req, nil
}

// Allowed 判断 URL 的域名是否在白名单中且带有路径
func (p *Parser) Allowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	if strings.Trim(u.Path, "/") == "" && u.RawQuery == "" {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	for _, h := range p.allowedHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// ValidQuality 已知档位或正整数
func ValidQuality(q string) bool {
	q = strings.ToLower(q)
	for _, k := range knownQualities {
		if q == k {
			return true
		}
	}
	n, err := strconv.Atoi(q)
	return err == nil && n > 0
}

func invalid(format string, args ...any) error {
	return errs.Newf(errs.InvalidInput, "parse", format, args...)
}

func describe(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) || len(ve) == 0 {
		return errs.Wrap(errs.InvalidInput, "parse", "Invalid command.", err)
	}
	switch fe := ve[0]; fe.Field() {
	case "URL":
		return invalid("Invalid URL.")
	case "StartTime":
		return invalid("Invalid START time %q, use M:SS or H:MM:SS.", fe.Value())
	case "EndTime":
		return invalid("Invalid END time %q, use M:SS or H:MM:SS.", fe.Value())
	case "Quality":
		return invalid("Invalid quality %q. Use %s or a number.", fe.Value(), strings.Join(knownQualities, ", "))
	default:
		return invalid("Invalid parameter %s.", fe.Field())
	}
}
