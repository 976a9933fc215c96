// Package events 发布任务生命周期事件
package events

import (
	"context"
	"encoding/json"
	"time"

	"tubebot/app/config"

	"github.com/segmentio/kafka-go"
)

// 事件类型
const (
	JobQueued     = "job.queued"
	JobProcessing = "job.processing"
	JobRetrying   = "job.retrying"
	JobCompleted  = "job.completed"
	JobFailed     = "job.failed"
)

// Event 任务事件，以任务ID为键
type Event struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id"`
	UserID    uint      `json:"user_id"`
	Attempt   int       `json:"attempt,omitempty"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	FileSize  int64     `json:"file_size,omitempty"`
	Elapsed   float64   `json:"elapsed_seconds,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher 事件发布者，发布失败不应影响任务
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// NopPublisher 未启用事件时使用
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }
func (NopPublisher) Close() error                         { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher 将事件写入 Kafka 主题
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

func NewKafkaPublisher(cfg config.EventsConfig) *KafkaPublisher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		MaxAttempts:            3,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return &KafkaPublisher{writer: writer, topic: cfg.Topic}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	value, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(e.JobID),
		Value: value,
		Time:  e.Timestamp,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(e.Type)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// New 按配置创建发布者
func New(cfg config.EventsConfig) Publisher {
	if !cfg.Enabled {
		return NopPublisher{}
	}
	return NewKafkaPublisher(cfg)
}
