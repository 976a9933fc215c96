package telegram

import (
	"context"
	"time"

	"tubebot/app/logger"
)

// Handler 处理一条更新
type Handler func(ctx context.Context, u *Update)

// Poller 通过 getUpdates 长轮询接收更新，用于没有公网地址的部署
type Poller struct {
	client  *Client
	timeout time.Duration
	log     *logger.Logger
	offset  int64
}

func NewPoller(client *Client, timeout time.Duration, log *logger.Logger) *Poller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poller{client: client, timeout: timeout, log: log}
}

// Run 持续拉取更新直到 ctx 结束，更新按顺序同步交给 handle
func (p *Poller) Run(ctx context.Context, handle Handler) error {
	p.log.Infof("开始长轮询，超时 %s", p.timeout)
	backoff := time.Second

	for {
		updates, err := p.client.GetUpdates(ctx, p.offset, p.timeout)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.log.Warnf("获取更新失败，%s 后重试: %v", backoff, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		for i := range updates {
			u := updates[i]
			if u.UpdateID >= p.offset {
				p.offset = u.UpdateID + 1
			}
			handle(ctx, &u)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}
