package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/ai-workspace/internal/ai"
	"github.com/suPer8Hu/ai-workspace/internal/common"
	"github.com/suPer8Hu/ai-workspace/internal/credits"
	"github.com/suPer8Hu/ai-workspace/internal/workspace"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Ledger is the part of the credit service a chat turn needs.
type Ledger interface {
	Require(ctx context.Context, userID uint64, amount int) (credits.Balance, error)
	Debit(ctx context.Context, userID uint64, amount int, spend credits.Spend) (credits.Balance, error)
}

type ContextSource interface {
	BuildContext(ctx context.Context, userID uint64) (workspace.Context, error)
}

type SendRequest struct {
	UserID         uint64
	SessionID      string
	Content        string
	IncludeContext bool
	IdempotencyKey *string
}

// Turn is a prepared send: the user's message is stored and the assistant
// reply is still to be produced.
type Turn struct {
	Session        *Session
	UserMessage    *Message
	IncludeContext bool
	// Duplicate is set when the idempotency key matched an earlier send.
	Duplicate bool
}

type SendResult struct {
	Session          *Session
	UserMessage      *Message
	AssistantMessage *Message
	// Failed mirrors AssistantMessage.Failed: the provider errored.
	Failed    bool
	Duplicate bool
	// Balance after the debit; nil when the debit did not go through.
	Balance *credits.Balance
	// DebitError is set when the reply was stored but could not be charged.
	DebitError string
}

// Observer receives a turn's progress as it is persisted. Both hooks are
// optional and run on the caller's goroutine.
type Observer struct {
	OnStart func(assistantMessageID uint64)
	OnChunk func(delta string)
}

type OrchestratorConfig struct {
	Service  *Service
	Registry *ai.Registry
	Ledger   Ledger
	Contexts ContextSource
	// Notifier is optional.
	Notifier          Notifier
	Logger            *zap.Logger
	ContextWindowSize int
}

// Orchestrator runs a chat turn end to end: credit check, user message,
// optional workspace context, streamed assistant reply, finalize and debit.
type Orchestrator struct {
	chat              *Service
	registry          *ai.Registry
	ledger            Ledger
	contexts          ContextSource
	notifier          Notifier
	log               *zap.Logger
	contextWindowSize int
}

func NewOrchestrator(c OrchestratorConfig) *Orchestrator {
	if c.ContextWindowSize <= 0 || c.ContextWindowSize > 100 {
		c.ContextWindowSize = 20
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return &Orchestrator{
		chat:              c.Service,
		registry:          c.Registry,
		ledger:            c.Ledger,
		contexts:          c.Contexts,
		notifier:          c.Notifier,
		log:               c.Logger,
		contextWindowSize: c.ContextWindowSize,
	}
}

// Send prepares and answers one user message synchronously.
func (o *Orchestrator) Send(ctx context.Context, req SendRequest, obs Observer) (*SendResult, error) {
	turn, err := o.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	if turn.Duplicate {
		return o.Replay(ctx, turn)
	}
	return o.Respond(ctx, turn, obs)
}

// Prepare checks ownership, provider and credits, then stores the user's
// message. Nothing is written when any check fails. A repeated idempotency
// key yields the earlier message as a duplicate turn without a credit check.
func (o *Orchestrator) Prepare(ctx context.Context, req SendRequest) (*Turn, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}
	sess, err := o.chat.GetSession(ctx, req.UserID, req.SessionID)
	if err != nil {
		return nil, err
	}
	if key := req.IdempotencyKey; key != nil && *key != "" {
		prev, err := o.chat.repo.GetMessageByIdempotencyKey(ctx, req.UserID, req.SessionID, *key)
		if err == nil {
			return &Turn{Session: sess, UserMessage: prev, IncludeContext: req.IncludeContext, Duplicate: true}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("lookup idempotency key: %w", err)
		}
	}
	if _, err := o.provider(ctx, sess); err != nil {
		return nil, err
	}
	if _, err := o.ledger.Require(ctx, req.UserID, credits.ChatMessageCost); err != nil {
		return nil, err
	}

	msg, created, err := o.chat.SaveMessage(ctx, req.UserID, req.SessionID, RoleUser, req.Content, req.IdempotencyKey)
	if err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	if created {
		o.publish(ctx, Event{Type: EventMessage, SessionID: sess.SessionID, MessageID: msg.ID, Message: msg})
	}
	return &Turn{Session: sess, UserMessage: msg, IncludeContext: req.IncludeContext, Duplicate: !created}, nil
}

// Enqueue prepares the turn and records a job for the worker. created is
// false when there is nothing for the worker to do: the key matched an
// existing job, or a send answered earlier, in which case the job is stored
// already settled with that answer.
func (o *Orchestrator) Enqueue(ctx context.Context, req SendRequest) (job *Job, created bool, err error) {
	if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
		existing, err := o.chat.repo.GetJobByUserAndIdempotencyKey(ctx, req.UserID, *req.IdempotencyKey)
		if err == nil {
			return existing, false, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, err
		}
	}

	turn, err := o.Prepare(ctx, req)
	if err != nil {
		return nil, false, err
	}

	jobID, err := common.NewULID()
	if err != nil {
		return nil, false, err
	}
	j := &Job{
		ID:             jobID,
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		Prompt:         turn.UserMessage.Content,
		UserMessageID:  turn.UserMessage.ID,
		IncludeContext: req.IncludeContext,
		IdempotencyKey: req.IdempotencyKey,
		Status:         JobQueued,
	}
	if !turn.Duplicate {
		return o.chat.CreateJobOrGetExisting(ctx, j)
	}

	res, err := o.Replay(ctx, turn)
	if err != nil {
		return nil, false, err
	}
	settleReplayedJob(j, res)
	j, _, err = o.chat.CreateJobOrGetExisting(ctx, j)
	if err != nil {
		return nil, false, err
	}
	return j, false, nil
}

// settleReplayedJob gives j the outcome of the earlier turn it repeats.
func settleReplayedJob(j *Job, res *SendResult) {
	am := res.AssistantMessage
	if am == nil {
		reason := "no reply recorded for this message"
		j.Status = JobFailed
		j.Error = &reason
		return
	}
	id := am.ID
	j.ResultMessageID = &id
	if !am.Failed {
		j.Status = JobSucceeded
		return
	}
	reason := "provider failed"
	if am.Error != nil && *am.Error != "" {
		reason = *am.Error
	}
	j.Status = JobFailed
	j.Error = &reason
}

// RespondToJob rebuilds the turn a job was created for and answers it.
func (o *Orchestrator) RespondToJob(ctx context.Context, job *Job) (*SendResult, error) {
	sess, err := o.chat.GetSession(ctx, job.UserID, job.SessionID)
	if err != nil {
		return nil, err
	}
	msg, err := o.chat.GetMessage(ctx, job.UserID, job.UserMessageID)
	if err != nil {
		return nil, err
	}
	return o.Respond(ctx, &Turn{Session: sess, UserMessage: msg, IncludeContext: job.IncludeContext}, Observer{})
}

// Respond produces the assistant reply for a prepared turn. A provider
// failure is not an error: the message is stored flagged and Failed is set.
// Store errors are returned as is.
func (o *Orchestrator) Respond(ctx context.Context, turn *Turn, obs Observer) (*SendResult, error) {
	sess := turn.Session
	uid := sess.UserID
	log := o.log.With(zap.Uint64("user_id", uid), zap.String("session_id", sess.SessionID))

	provider, err := o.provider(ctx, sess)
	if err != nil {
		return nil, err
	}

	msgs, err := o.history(ctx, uid, sess.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if turn.IncludeContext {
		wc, err := o.contexts.BuildContext(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("build context: %w", err)
		}
		msgs = append([]ai.Message{{Role: "system", Content: wc.Text}}, msgs...)
	}

	msgID, err := o.chat.Start(ctx, uid, sess.SessionID, RoleAssistant)
	if err != nil {
		return nil, fmt.Errorf("start assistant message: %w", err)
	}
	log = log.With(zap.Uint64("message_id", msgID))
	o.publish(ctx, Event{Type: EventStarted, SessionID: sess.SessionID, MessageID: msgID})
	if obs.OnStart != nil {
		obs.OnStart(msgID)
	}

	// The client going away ends the provider stream, not the bookkeeping.
	bctx := context.WithoutCancel(ctx)

	out, err := o.stream(ctx, bctx, provider, msgs, sess.SessionID, uid, msgID, obs)
	if err != nil {
		if ferr := o.chat.Finalize(bctx, uid, msgID, Finalization{Failed: true, Error: err.Error()}); ferr != nil {
			log.Error("finalize after store error", zap.Error(ferr))
		}
		return nil, fmt.Errorf("append chunk: %w", err)
	}

	fin := Finalization{Tokens: out.tokens, CreditsUsed: credits.ChatMessageCost}
	if out.err != nil {
		fin.Failed = true
		fin.Error = out.err.Error()
		fin.CreditsUsed = 0
		if out.chars > 0 {
			fin.CreditsUsed = credits.PartialChatMessageCost
		}
		log.Warn("provider failed", zap.String("provider", sess.Provider), zap.Int("chars", out.chars), zap.Error(out.err))
	}
	if err := o.chat.Finalize(bctx, uid, msgID, fin); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}

	res := &SendResult{Session: sess, UserMessage: turn.UserMessage, Failed: fin.Failed}

	bal, err := o.ledger.Debit(bctx, uid, fin.CreditsUsed, credits.Spend{Feature: credits.FeatureChatMessage, RelatedID: &msgID})
	if err != nil {
		log.Error("debit after finalize", zap.Int("credits", fin.CreditsUsed), zap.Error(err))
		res.DebitError = err.Error()
	} else {
		res.Balance = &bal
	}

	am, err := o.chat.GetMessage(bctx, uid, msgID)
	if err != nil {
		return nil, err
	}
	res.AssistantMessage = am
	o.publish(bctx, Event{Type: EventFinalized, SessionID: sess.SessionID, MessageID: msgID, Message: am})
	return res, nil
}

// Replay answers a repeated send with what the first one produced. The
// assistant message is nil when that turn never got one.
func (o *Orchestrator) Replay(ctx context.Context, turn *Turn) (*SendResult, error) {
	res := &SendResult{Session: turn.Session, UserMessage: turn.UserMessage, Duplicate: true}
	am, err := o.chat.repo.NextAssistantMessage(ctx, turn.Session.UserID, turn.Session.SessionID, turn.UserMessage.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return res, nil
		}
		return nil, err
	}
	res.AssistantMessage = am
	res.Failed = am.Failed
	return res, nil
}

type streamOutcome struct {
	chars  int
	tokens int
	err    error // provider error
}

// stream feeds the provider's reply into the assistant message. The returned
// error is a store error; provider errors are reported in the outcome.
func (o *Orchestrator) stream(ctx, bctx context.Context, p ai.Provider, msgs []ai.Message, sessionID string, uid, msgID uint64, obs Observer) (streamOutcome, error) {
	var out streamOutcome
	forward := func(chunk string) error {
		if err := o.chat.AppendChunk(bctx, uid, msgID, chunk); err != nil {
			return err
		}
		out.chars += len(chunk)
		o.publish(bctx, Event{Type: EventChunk, SessionID: sessionID, MessageID: msgID, Delta: chunk})
		if obs.OnChunk != nil {
			obs.OnChunk(chunk)
		}
		return nil
	}

	sp, ok := p.(ai.StreamProvider)
	if !ok {
		c, err := p.Chat(ctx, msgs)
		if err != nil {
			out.err = err
			return out, nil
		}
		if c.Content != "" {
			if err := forward(c.Content); err != nil {
				return out, err
			}
		}
		out.tokens = c.Tokens
		return out, nil
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, results := sp.StreamChat(sctx, msgs)
	var storeErr error
	for c := range chunks {
		if storeErr != nil {
			continue
		}
		if err := forward(c); err != nil {
			storeErr = err
			cancel()
		}
	}
	r := <-results
	if storeErr != nil {
		return out, storeErr
	}
	out.tokens = r.Tokens
	out.err = r.Err
	return out, nil
}

// history returns the recent settled messages oldest first.
func (o *Orchestrator) history(ctx context.Context, uid uint64, sessionID string) ([]ai.Message, error) {
	recentDesc, err := o.chat.repo.ListRecentMessagesDesc(ctx, uid, sessionID, o.contextWindowSize)
	if err != nil {
		return nil, err
	}
	msgs := make([]ai.Message, 0, len(recentDesc)+1)
	for i := len(recentDesc) - 1; i >= 0; i-- {
		m := recentDesc[i]
		msgs = append(msgs, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	return msgs, nil
}

func (o *Orchestrator) provider(ctx context.Context, sess *Session) (ai.Provider, error) {
	p := sess.Provider
	if p == "" {
		p = o.chat.defaultProvider
	}
	return o.registry.Get(ctx, p, sess.Model)
}

func (o *Orchestrator) publish(ctx context.Context, ev Event) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Publish(ctx, ev); err != nil {
		o.log.Warn("publish session event",
			zap.String("session_id", ev.SessionID),
			zap.String("type", string(ev.Type)),
			zap.Error(err))
	}
}
