package workspace

import (
	"context"
	"fmt"
	"strings"

	"gorm.io/gorm"
)

const (
	maxContextProjects = 5
	maxContextTasks    = 10
	// MaxContextChars bounds the rendered block, marker included.
	MaxContextChars = 2000

	truncatedMarker = "\n[context truncated]"
)

// Context is the rendered summary plus the counts that went into it.
type Context struct {
	Text         string `json:"text"`
	ProjectCount int    `json:"project_count"`
	TaskCount    int    `json:"task_count"`
}

// Assembler renders a user's active work into prompt context. It only reads.
type Assembler struct {
	db *gorm.DB
}

func NewAssembler(db *gorm.DB) *Assembler {
	return &Assembler{db: db}
}

func (a *Assembler) BuildContext(ctx context.Context, userID uint64) (Context, error) {
	var projects []Project
	if err := a.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, ProjectActive).
		Order("created_at DESC").Order("id DESC").
		Limit(maxContextProjects).
		Find(&projects).Error; err != nil {
		return Context{}, fmt.Errorf("load projects: %w", err)
	}

	var tasks []Task
	if err := a.db.WithContext(ctx).
		Where("user_id = ? AND status NOT IN ?", userID, terminalTaskStatuses()).
		Order("id ASC").
		Limit(maxContextTasks).
		Find(&tasks).Error; err != nil {
		return Context{}, fmt.Errorf("load tasks: %w", err)
	}

	return Context{
		Text:         truncate(render(projects, tasks), MaxContextChars),
		ProjectCount: len(projects),
		TaskCount:    len(tasks),
	}, nil
}

func render(projects []Project, tasks []Task) string {
	var b strings.Builder
	b.WriteString("The user's current workspace:\n")

	b.WriteString("\nActive projects:\n")
	if len(projects) == 0 {
		b.WriteString("- none\n")
	}
	for _, p := range projects {
		fmt.Fprintf(&b, "- %s", p.Name)
		if d := strings.TrimSpace(p.Description); d != "" {
			fmt.Fprintf(&b, ": %s", d)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nOpen tasks:\n")
	if len(tasks) == 0 {
		b.WriteString("- none\n")
	}
	for _, t := range tasks {
		fmt.Fprintf(&b, "- [%s] %s", t.Status, t.Title)
		if t.Priority != "" {
			fmt.Fprintf(&b, " (priority: %s)", t.Priority)
		}
		if t.DueDate != nil {
			fmt.Fprintf(&b, " (due %s)", t.DueDate.Format("2006-01-02"))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// truncate cuts s to at most max runes, ending with the truncation marker when
// anything was dropped.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	keep := max - len([]rune(truncatedMarker))
	if keep < 0 {
		keep = 0
	}
	return string(r[:keep]) + truncatedMarker
}
