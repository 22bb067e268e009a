package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) CreateSession(ctx context.Context, s *Session) error {
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *Repo) GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error) {
	var s Session
	if err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ListSessions returns the user's sessions, most recently active first.
func (r *Repo) ListSessions(ctx context.Context, userID uint64, limit int) ([]Session, error) {
	var out []Session
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) UpdateSessionTitle(ctx context.Context, id uint64, title string) error {
	return r.db.WithContext(ctx).Model(&Session{}).
		Where("id = ?", id).
		Update("title", title).Error
}

// InsertMessage stores m and bumps its session's message_count and
// updated_at in the same transaction.
func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return insertMessageTx(tx, m)
	})
}

func insertMessageTx(tx *gorm.DB, m *Message) error {
	if err := tx.Create(m).Error; err != nil {
		return err
	}
	res := tx.Model(&Session{}).
		Where("session_id = ?", m.SessionID).
		Updates(map[string]any{
			"message_count": gorm.Expr("message_count + ?", 1),
			"updated_at":    time.Now(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) GetMessage(ctx context.Context, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *Repo) GetMessageByIdempotencyKey(ctx context.Context, userID uint64, sessionID, key string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND idempotency_key = ?", userID, sessionID, key).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// InsertMessageOrGetExisting inserts m unless a message with the same
// (user_id, session_id, idempotency_key) is already stored, in which case
// that one is returned and created is false.
func (r *Repo) InsertMessageOrGetExisting(ctx context.Context, m *Message) (*Message, bool, error) {
	if m.IdempotencyKey == nil || *m.IdempotencyKey == "" {
		m.IdempotencyKey = nil
		if err := r.InsertMessage(ctx, m); err != nil {
			return nil, false, err
		}
		return m, true, nil
	}

	if existing, err := r.GetMessageByIdempotencyKey(ctx, m.UserID, m.SessionID, *m.IdempotencyKey); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	err := r.InsertMessage(ctx, m)
	if err == nil {
		return m, true, nil
	}

	// lost a race against a concurrent insert with the same key
	existing, getErr := r.GetMessageByIdempotencyKey(ctx, m.UserID, m.SessionID, *m.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

func (r *Repo) concatExpr(chunk string) any {
	if r.db.Dialector.Name() == "mysql" {
		return gorm.Expr("CONCAT(content, ?)", chunk)
	}
	return gorm.Expr("content || ?", chunk)
}

// AppendChunk appends to content only while the message is owned by userID
// and still streaming. The guard and the write are one statement, so a
// concurrent finalize either happens before (0 rows) or after (chunk kept).
func (r *Repo) AppendChunk(ctx context.Context, userID, messageID uint64, chunk string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND user_id = ? AND is_streaming = ?", messageID, userID, true).
		Update("content", r.concatExpr(chunk))
	return res.RowsAffected, res.Error
}

type finalFields struct {
	Tokens      int
	CreditsUsed int
	Failed      bool
	Error       *string
}

// FinalizeMessage clears is_streaming and records the turn outcome. Content
// is not touched.
func (r *Repo) FinalizeMessage(ctx context.Context, userID, messageID uint64, f finalFields) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("id = ? AND user_id = ?", messageID, userID).
		Updates(map[string]any{
			"is_streaming": false,
			"tokens":       f.Tokens,
			"credits_used": f.CreditsUsed,
			"failed":       f.Failed,
			"error":        f.Error,
		})
	return res.RowsAffected, res.Error
}

// ListMessages returns messages in DESC id order (newest -> oldest).
func (r *Repo) ListMessages(ctx context.Context, userID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	q := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Order("id DESC").
		Limit(limit)

	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []Message
	if err := q.Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListRecentMessagesDesc returns the most recent settled messages in DESC id
// order (newest -> oldest). Streaming and failed messages are not history.
func (r *Repo) ListRecentMessagesDesc(ctx context.Context, userID uint64, sessionID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 20
	}
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ?", userID, sessionID).
		Where("is_streaming = ? AND failed = ?", false, false).
		Order("id DESC").
		Limit(limit).
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// NextAssistantMessage returns the first assistant message stored after
// afterID in the session.
func (r *Repo) NextAssistantMessage(ctx context.Context, userID uint64, sessionID string, afterID uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("user_id = ? AND session_id = ? AND role = ? AND id > ?", userID, sessionID, RoleAssistant, afterID).
		Order("id ASC").
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// FailStaleStreams finalizes assistant messages left streaming since before
// cutoff, e.g. by a crashed process. It returns how many were closed.
func (r *Repo) FailStaleStreams(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Message{}).
		Where("is_streaming = ? AND created_at < ?", true, cutoff).
		Updates(map[string]any{
			"is_streaming": false,
			"failed":       true,
			"error":        reason,
		})
	return res.RowsAffected, res.Error
}

// FailStaleJobs fails jobs claimed before cutoff that never reached a
// terminal status, e.g. because the worker died mid-turn.
func (r *Repo) FailStaleJobs(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("status = ? AND updated_at < ?", JobRunning, cutoff).
		Updates(map[string]any{
			"status": JobFailed,
			"error":  reason,
		})
	return res.RowsAffected, res.Error
}

// Job CRUD
func (r *Repo) GetJobByID(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := r.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateJobStatusRunning claims a queued job. It reports false when the job
// was already claimed, e.g. on redelivery.
func (r *Repo) UpdateJobStatusRunning(ctx context.Context, id string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning)
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) MarkJobSucceeded(ctx context.Context, id string, assistantMsgID uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMsgID,
			"error":             nil,
		}).Error
}

// MarkJobFailed records errMsg. assistantMsgID is set when a (failed)
// assistant message was stored before the failure.
func (r *Repo) MarkJobFailed(ctx context.Context, id string, errMsg string, assistantMsgID *uint64) error {
	return r.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": assistantMsgID,
		}).Error
}

func (r *Repo) GetJobByUserAndIdempotencyKey(ctx context.Context, userID uint64, key string) (*Job, error) {
	var job Job
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ?", userID, key).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// CreateJobOrGetExisting tries to create a job, but if (user_id, idempotency_key) already exists,
// it returns the existing job instead.
func (r *Repo) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := r.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	existing, getErr := r.GetJobByUserAndIdempotencyKey(ctx, job.UserID, *job.IdempotencyKey)
	if getErr == nil {
		return existing, false, nil
	}

	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}
