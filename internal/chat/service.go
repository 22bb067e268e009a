package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/ai-workspace/internal/common"
	"gorm.io/gorm"
)

const (
	defaultProvider = "ollama"
	defaultModel    = "llama3:latest"
	defaultTitle    = "New Chat"

	maxTitleRunes = 255

	defaultSessionLimit = 20
	maxSessionLimit     = 100
	defaultMessageLimit = 100
	maxMessageLimit     = 500
)

// Service owns sessions and the message lifecycle. It does not talk to
// providers; see Orchestrator.
type Service struct {
	repo *Repo
	now  func() time.Time

	defaultProvider string
	defaultModel    string
}

func NewService(repo *Repo) *Service {
	return &Service{
		repo:            repo,
		now:             time.Now,
		defaultProvider: defaultProvider,
		defaultModel:    defaultModel,
	}
}

// SetDefaults sets the provider and model given to sessions created without
// one. An empty model lets the provider pick its configured default.
func (s *Service) SetDefaults(provider, model string) {
	if p := strings.ToLower(strings.TrimSpace(provider)); p != "" {
		s.defaultProvider = p
		s.defaultModel = strings.TrimSpace(model)
	}
}

// SetClock replaces the time source used for stale stream recovery.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) CreateSession(ctx context.Context, userID uint64, title, provider, model string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		title = defaultTitle
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return nil, fmt.Errorf("%w: longer than %d characters", ErrInvalidTitle, maxTitleRunes)
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		provider = s.defaultProvider
	}
	model = strings.TrimSpace(model)
	if model == "" && provider == s.defaultProvider {
		model = s.defaultModel
	}

	sid, err := common.NewULID()
	if err != nil {
		return nil, err
	}

	session := &Session{
		SessionID: sid,
		UserID:    userID,
		Title:     title,
		Provider:  provider,
		Model:     model,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) ListSessions(ctx context.Context, userID uint64, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = defaultSessionLimit
	}
	if limit > maxSessionLimit {
		limit = maxSessionLimit
	}
	return s.repo.ListSessions(ctx, userID, limit)
}

// GetSession returns the session if callerID owns it.
func (s *Service) GetSession(ctx context.Context, callerID uint64, sessionID string) (*Session, error) {
	sess, err := s.repo.GetSessionBySessionID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, err
	}
	if sess.UserID != callerID {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrUnauthorized)
	}
	return sess, nil
}

func (s *Service) ValidateSessionOwner(ctx context.Context, callerID uint64, sessionID string) error {
	_, err := s.GetSession(ctx, callerID, sessionID)
	return err
}

func (s *Service) RenameSession(ctx context.Context, callerID uint64, sessionID, title string) (*Session, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidTitle)
	}
	if utf8.RuneCountInString(title) > maxTitleRunes {
		return nil, fmt.Errorf("%w: longer than %d characters", ErrInvalidTitle, maxTitleRunes)
	}
	sess, err := s.GetSession(ctx, callerID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSessionTitle(ctx, sess.ID, title); err != nil {
		return nil, err
	}
	return s.repo.GetSessionBySessionID(ctx, sessionID)
}

// SaveMessage stores a complete, non-streaming message. With a non-empty
// idempotency key a retry returns the stored message and created=false.
func (s *Service) SaveMessage(ctx context.Context, callerID uint64, sessionID string, role Role, content string, key *string) (*Message, bool, error) {
	if !role.Valid() {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if err := s.ValidateSessionOwner(ctx, callerID, sessionID); err != nil {
		return nil, false, err
	}
	return s.repo.InsertMessageOrGetExisting(ctx, &Message{
		SessionID:      sessionID,
		UserID:         callerID,
		Role:           role,
		Content:        content,
		IdempotencyKey: key,
	})
}

// Start creates an empty streaming message. Only assistant messages stream.
func (s *Service) Start(ctx context.Context, callerID uint64, sessionID string, role Role) (uint64, error) {
	if role != RoleAssistant {
		return 0, fmt.Errorf("%w: only assistant messages stream, got %q", ErrInvalidRole, role)
	}
	if err := s.ValidateSessionOwner(ctx, callerID, sessionID); err != nil {
		return 0, err
	}
	m := &Message{
		SessionID:   sessionID,
		UserID:      callerID,
		Role:        role,
		IsStreaming: true,
	}
	if err := s.repo.InsertMessage(ctx, m); err != nil {
		return 0, err
	}
	return m.ID, nil
}

// AppendChunk appends chunk to a streaming message owned by callerID.
// A finalized message yields ErrInvalidStreamState and is left unchanged.
func (s *Service) AppendChunk(ctx context.Context, callerID, messageID uint64, chunk string) error {
	n, err := s.repo.AppendChunk(ctx, callerID, messageID, chunk)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	m, err := s.ownedMessage(ctx, callerID, messageID)
	if err != nil {
		return err
	}
	if !m.IsStreaming {
		return fmt.Errorf("message %d: %w", messageID, ErrInvalidStreamState)
	}
	// mysql reports 0 changed rows for an empty chunk
	return nil
}

type Finalization struct {
	Tokens      int
	CreditsUsed int
	Failed      bool
	Error       string
}

// Finalize marks the message as no longer streaming and records its outcome.
// Calling it again overwrites the recorded outcome with the same or new
// values and leaves content as is.
func (s *Service) Finalize(ctx context.Context, callerID, messageID uint64, f Finalization) error {
	if f.Tokens < 0 || f.CreditsUsed < 0 {
		return fmt.Errorf("finalize message %d: negative tokens or credits", messageID)
	}
	fields := finalFields{Tokens: f.Tokens, CreditsUsed: f.CreditsUsed, Failed: f.Failed}
	if f.Error != "" {
		e := f.Error
		fields.Error = &e
	}

	n, err := s.repo.FinalizeMessage(ctx, callerID, messageID, fields)
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	// mysql counts unchanged rows as unaffected; only ownership matters here
	_, err = s.ownedMessage(ctx, callerID, messageID)
	return err
}

func (s *Service) GetMessage(ctx context.Context, callerID, messageID uint64) (*Message, error) {
	return s.ownedMessage(ctx, callerID, messageID)
}

func (s *Service) ownedMessage(ctx context.Context, callerID, messageID uint64) (*Message, error) {
	m, err := s.repo.GetMessage(ctx, messageID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("message %d: %w", messageID, ErrNotFound)
		}
		return nil, err
	}
	if m.UserID != callerID {
		return nil, fmt.Errorf("message %d: %w", messageID, ErrUnauthorized)
	}
	return m, nil
}

// ListMessages returns up to limit messages in chronological order. With
// beforeID > 0 only messages older than it are returned, for paging back.
func (s *Service) ListMessages(ctx context.Context, callerID uint64, sessionID string, limit int, beforeID uint64) ([]Message, error) {
	if err := s.ValidateSessionOwner(ctx, callerID, sessionID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultMessageLimit
	}
	if limit > maxMessageLimit {
		limit = maxMessageLimit
	}
	desc, err := s.repo.ListMessages(ctx, callerID, sessionID, limit, beforeID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(desc)-1; i < j; i, j = i+1, j-1 {
		desc[i], desc[j] = desc[j], desc[i]
	}
	return desc, nil
}

// RecoverStaleStreams fails every message that has been streaming for longer
// than olderThan.
func (s *Service) RecoverStaleStreams(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.repo.FailStaleStreams(ctx, s.now().Add(-olderThan), "stream abandoned")
}

// RecoverStaleJobs fails jobs stuck in running for longer than olderThan.
// A redelivered job is never rerun once claimed, so nothing else closes them.
func (s *Service) RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	return s.repo.FailStaleJobs(ctx, s.now().Add(-olderThan), "job abandoned")
}

func (s *Service) GetJob(ctx context.Context, callerID uint64, jobID string) (*Job, error) {
	job, err := s.repo.GetJobByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
		}
		return nil, err
	}
	if job.UserID != callerID {
		return nil, fmt.Errorf("job %s: %w", jobID, ErrUnauthorized)
	}
	return job, nil
}

func (s *Service) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	return s.repo.CreateJobOrGetExisting(ctx, job)
}
