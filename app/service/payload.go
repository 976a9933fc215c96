package service

import (
	"encoding/json"

	"tubebot/app/model"
)

// JobPayload 写入队列的请求快照，任务行仍是状态的唯一来源
type JobPayload struct {
	JobID     string `json:"job_id"`
	UserID    uint   `json:"user_id"`
	ChatID    int64  `json:"chat_id"`
	URL       string `json:"url"`
	StartTime string `json:"start_time,omitempty"`
	EndTime   string `json:"end_time,omitempty"`
	Quality   string `json:"quality,omitempty"`
	MP3       bool   `json:"mp3,omitempty"`
}

// NewJobPayload 从任务行生成载荷
func NewJobPayload(job *model.Job) JobPayload {
	return JobPayload{
		JobID:     job.ID,
		UserID:    job.UserID,
		ChatID:    job.ChatID,
		URL:       job.URL,
		StartTime: job.StartTime,
		EndTime:   job.EndTime,
		Quality:   job.Quality,
		MP3:       job.ConvertToMp3,
	}
}

func (p JobPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// DecodeJobPayload 解析队列载荷
func DecodeJobPayload(data []byte) (JobPayload, error) {
	var p JobPayload
	err := json.Unmarshal(data, &p)
	return p, err
}
