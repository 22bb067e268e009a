package workspace

import "time"

type ProjectStatus string

const (
	ProjectActive    ProjectStatus = "active"
	ProjectCompleted ProjectStatus = "completed"
	ProjectArchived  ProjectStatus = "archived"
)

type Project struct {
	ID          uint64        `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      uint64        `gorm:"index;not null" json:"-"`
	Name        string        `gorm:"type:varchar(255);not null" json:"name"`
	Description string        `gorm:"type:text" json:"description"`
	Status      ProjectStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (Project) TableName() string { return "projects" }

type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

var taskStatuses = []TaskStatus{TaskTodo, TaskInProgress, TaskDone, TaskCancelled}

// Terminal reports whether the task needs no further work.
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

func terminalTaskStatuses() []TaskStatus {
	var out []TaskStatus
	for _, s := range taskStatuses {
		if s.Terminal() {
			out = append(out, s)
		}
	}
	return out
}

type Task struct {
	ID        uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID    uint64     `gorm:"index;not null" json:"-"`
	ProjectID *uint64    `gorm:"index" json:"project_id,omitempty"`
	Title     string     `gorm:"type:varchar(255);not null" json:"title"`
	Status    TaskStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	Priority  string     `gorm:"type:varchar(16)" json:"priority,omitempty"`
	DueDate   *time.Time `json:"due_date,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (Task) TableName() string { return "tasks" }
