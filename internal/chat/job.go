package chat

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
)

// Job is an assistant turn queued for the worker. The user's message is
// already stored when the job is created.
type Job struct {
	ID string `gorm:"primaryKey;size:26"` // ULID length

	UserID    uint64 `gorm:"index;not null;index:uniq_user_idempo,unique,priority:1"`
	SessionID string `gorm:"size:26;index;not null"`

	Prompt         string `gorm:"type:text;not null"`
	UserMessageID  uint64 `gorm:"not null"`
	IncludeContext bool   `gorm:"not null;default:false"`

	IdempotencyKey *string `gorm:"type:varchar(128);index:uniq_user_idempo,unique,priority:2" json:"idempotency_key"`

	Status JobStatus `gorm:"type:varchar(16);index;not null"`

	// Set once the assistant message exists, including for failed turns.
	ResultMessageID *uint64 `gorm:"index"`

	// Filled when failed
	Error *string `gorm:"type:text"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Job) TableName() string { return "chat_jobs" }
