package chat

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

type Session struct {
	ID           uint64    `gorm:"primaryKey;autoIncrement" json:"-"`
	SessionID    string    `gorm:"type:varchar(26);uniqueIndex;not null" json:"session_id"`
	UserID       uint64    `gorm:"not null;index:idx_chat_session_user_updated,priority:1" json:"-"`
	Title        string    `gorm:"type:varchar(255);not null" json:"title"`
	MessageCount int       `gorm:"not null;default:0" json:"message_count"`
	Provider     string    `gorm:"type:varchar(32);not null" json:"provider"`
	Model        string    `gorm:"type:varchar(64);not null" json:"model"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `gorm:"index:idx_chat_session_user_updated,priority:2" json:"updated_at"`
}

func (Session) TableName() string { return "chat_sessions" }

// Message is one turn of a session. Assistant messages are created streaming
// and grow by appended chunks until finalized; after that they are frozen.
type Message struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	SessionID      string    `gorm:"type:varchar(26);not null;index:idx_chat_msg_user_session_id,priority:2;index:uniq_chat_msg_idempo,unique,priority:2" json:"session_id"`
	UserID         uint64    `gorm:"not null;index:idx_chat_msg_user_session_id,priority:1;index:uniq_chat_msg_idempo,unique,priority:1" json:"-"`
	Role           Role      `gorm:"type:varchar(16);index;not null" json:"role"`
	Content        string    `gorm:"type:text;not null" json:"content"`
	Tokens         int       `gorm:"not null;default:0" json:"tokens"`
	CreditsUsed    int       `gorm:"not null;default:0" json:"credits_used"`
	IsStreaming    bool      `gorm:"not null;default:false;index" json:"is_streaming"`
	Failed         bool      `gorm:"not null;default:false" json:"failed"`
	Error          *string   `gorm:"type:text" json:"error,omitempty"`
	IdempotencyKey *string   `gorm:"type:varchar(128);index:uniq_chat_msg_idempo,unique,priority:3" json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

func (Message) TableName() string { return "chat_messages" }
