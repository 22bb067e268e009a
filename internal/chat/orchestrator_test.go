package chat

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/ai-workspace/internal/ai"
	"github.com/suPer8Hu/ai-workspace/internal/credits"
	"github.com/suPer8Hu/ai-workspace/internal/models"
	"github.com/suPer8Hu/ai-workspace/internal/workspace"
)

// fakeStreamer replays fixed chunks and then reports tokens/err.
type fakeStreamer struct {
	chunks []string
	tokens int
	err    error
	calls  [][]ai.Message
}

func (f *fakeStreamer) Chat(ctx context.Context, msgs []ai.Message) (ai.Completion, error) {
	return ai.Completion{}, errors.New("not used")
}

func (f *fakeStreamer) StreamChat(ctx context.Context, msgs []ai.Message) (<-chan string, <-chan ai.StreamResult) {
	f.calls = append(f.calls, msgs)
	out := make(chan string)
	res := make(chan ai.StreamResult, 1)
	go func() {
		defer close(res)
		for _, c := range f.chunks {
			select {
			case out <- c:
			case <-ctx.Done():
				close(out)
				res <- ai.StreamResult{Err: ctx.Err()}
				return
			}
		}
		close(out)
		res <- ai.StreamResult{Tokens: f.tokens, Err: f.err}
	}()
	return out, res
}

// fakeChatter only implements the one-shot interface.
type fakeChatter struct {
	reply ai.Completion
	err   error
}

func (f *fakeChatter) Chat(ctx context.Context, msgs []ai.Message) (ai.Completion, error) {
	return f.reply, f.err
}

type recordingNotifier struct {
	events []Event
}

func (n *recordingNotifier) Publish(ctx context.Context, ev Event) error {
	n.events = append(n.events, ev)
	return nil
}

func (n *recordingNotifier) types() []EventType {
	out := make([]EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type testEnv struct {
	db      *gorm.DB
	svc     *Service
	credits *credits.Service
	orch    *Orchestrator
	notes   *recordingNotifier
}

func newTestEnv(t *testing.T, p ai.Provider, monthlyCredits int) *testEnv {
	t.Helper()
	db := openTestDB(t)
	svc := NewService(NewRepo(db))

	plans := credits.PlanFunc(func(ctx context.Context, userID uint64) (credits.Plan, error) {
		return credits.Plan{Name: models.PlanFree, MonthlyCredits: monthlyCredits}, nil
	})
	cs := credits.NewService(db, plans, nil)

	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) { return p, nil })

	notes := &recordingNotifier{}
	orch := NewOrchestrator(OrchestratorConfig{
		Service:  svc,
		Registry: reg,
		Ledger:   cs,
		Contexts: workspace.NewAssembler(db),
		Notifier: notes,
	})
	return &testEnv{db: db, svc: svc, credits: cs, orch: orch, notes: notes}
}

func (e *testEnv) session(t *testing.T, userID uint64) *Session {
	t.Helper()
	s, err := e.svc.CreateSession(context.Background(), userID, "", "fake", "")
	require.NoError(t, err)
	return s
}

func (e *testEnv) remaining(t *testing.T, userID uint64) int {
	t.Helper()
	b, err := e.credits.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	return b.CreditsRemaining
}

func TestSend_InsufficientCreditsWritesNothing(t *testing.T) {
	p := &fakeStreamer{chunks: []string{"never"}}
	env := newTestEnv(t, p, 2)
	s := env.session(t, 1)

	_, err := env.orch.Send(context.Background(), SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Hello"}, Observer{})

	var insufficient *credits.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 3, insufficient.Needed)
	assert.Equal(t, 2, insufficient.Remaining)
	assert.ErrorIs(t, err, credits.ErrInsufficientCredits)

	assert.Zero(t, countMessages(t, env.db, s.SessionID))
	assert.Empty(t, p.calls)
	assert.Equal(t, 2, env.remaining(t, 1))
}

func TestSend_StreamsAndCharges(t *testing.T) {
	p := &fakeStreamer{chunks: []string{"Hi", " there", "!"}, tokens: 12}
	env := newTestEnv(t, p, 100)
	s := env.session(t, 1)

	var started uint64
	var seen []string
	res, err := env.orch.Send(context.Background(), SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Hello"}, Observer{
		OnStart: func(id uint64) { started = id },
		OnChunk: func(d string) { seen = append(seen, d) },
	})
	require.NoError(t, err)

	am := res.AssistantMessage
	require.NotNil(t, am)
	assert.Equal(t, started, am.ID)
	assert.Equal(t, []string{"Hi", " there", "!"}, seen)
	assert.Equal(t, "Hi there!", am.Content)
	assert.Equal(t, 12, am.Tokens)
	assert.Equal(t, credits.ChatMessageCost, am.CreditsUsed)
	assert.False(t, am.IsStreaming)
	assert.False(t, am.Failed)
	assert.False(t, res.Failed)

	require.NotNil(t, res.Balance)
	assert.Equal(t, 97, res.Balance.CreditsRemaining)
	assert.Equal(t, 97, env.remaining(t, 1))

	txs, err := env.credits.ListTransactions(context.Background(), 1, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, credits.FeatureChatMessage, txs[0].Feature)
	require.NotNil(t, txs[0].RelatedID)
	assert.Equal(t, am.ID, *txs[0].RelatedID)

	sess, err := env.svc.GetSession(context.Background(), 1, s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.MessageCount)

	assert.Equal(t, []EventType{EventMessage, EventStarted, EventChunk, EventChunk, EventChunk, EventFinalized}, env.notes.types())

	require.Len(t, p.calls, 1)
	assert.Equal(t, []ai.Message{{Role: "user", Content: "Hello"}}, p.calls[0])
}

func TestSend_ProviderFailsMidStream(t *testing.T) {
	p := &fakeStreamer{chunks: []string{"Partial"}, tokens: 4, err: errors.New("upstream reset")}
	env := newTestEnv(t, p, 100)
	s := env.session(t, 1)

	res, err := env.orch.Send(context.Background(), SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Hello"}, Observer{})
	require.NoError(t, err)
	assert.True(t, res.Failed)

	am := res.AssistantMessage
	assert.Equal(t, "Partial", am.Content)
	assert.True(t, am.Failed)
	assert.False(t, am.IsStreaming)
	require.NotNil(t, am.Error)
	assert.Contains(t, *am.Error, "upstream reset")
	assert.Equal(t, credits.PartialChatMessageCost, am.CreditsUsed)
	assert.Equal(t, 99, env.remaining(t, 1))
}

func TestSend_ProviderFailsBeforeContent(t *testing.T) {
	p := &fakeStreamer{err: errors.New("connection refused")}
	env := newTestEnv(t, p, 100)
	s := env.session(t, 1)

	res, err := env.orch.Send(context.Background(), SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Hello"}, Observer{})
	require.NoError(t, err)
	assert.True(t, res.Failed)
	assert.Empty(t, res.AssistantMessage.Content)
	assert.Zero(t, res.AssistantMessage.CreditsUsed)
	assert.Equal(t, 100, env.remaining(t, 1))

	// failed turns are not fed back to the provider
	p.err = nil
	p.chunks = []string{"ok"}
	_, err = env.orch.Send(context.Background(), SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Again"}, Observer{})
	require.NoError(t, err)
	require.Len(t, p.calls, 2)
	assert.Equal(t, []ai.Message{{Role: "user", Content: "Hello"}, {Role: "user", Content: "Again"}}, p.calls[1])
}

func TestSend_NonStreamingProvider(t *testing.T) {
	p := &fakeChatter{reply: ai.Completion{Content: "one shot", Tokens: 9}}
	env := newTestEnv(t, p, 100)
	s := env.session(t, 1)

	res, err := env.orch.Send(context.Background(), SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Hello"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, "one shot", res.AssistantMessage.Content)
	assert.Equal(t, 9, res.AssistantMessage.Tokens)
	assert.Equal(t, 97, env.remaining(t, 1))
}

func TestSend_IncludesWorkspaceContext(t *testing.T) {
	p := &fakeStreamer{chunks: []string{"ok"}}
	env := newTestEnv(t, p, 100)
	s := env.session(t, 1)
	require.NoError(t, env.db.Create(&workspace.Project{UserID: 1, Name: "Apollo", Status: workspace.ProjectActive}).Error)

	_, err := env.orch.Send(context.Background(), SendRequest{UserID: 1, SessionID: s.SessionID, Content: "What next?", IncludeContext: true}, Observer{})
	require.NoError(t, err)
	require.Len(t, p.calls, 1)
	require.Len(t, p.calls[0], 2)
	assert.Equal(t, "system", p.calls[0][0].Role)
	assert.Contains(t, p.calls[0][0].Content, "Apollo")
	assert.Equal(t, "What next?", p.calls[0][1].Content)

	_, err = env.orch.Send(context.Background(), SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Thanks"}, Observer{})
	require.NoError(t, err)
	for _, m := range p.calls[1] {
		assert.NotEqual(t, "system", m.Role)
	}
}

func TestSend_IdempotentRetry(t *testing.T) {
	p := &fakeStreamer{chunks: []string{"once"}, tokens: 2}
	env := newTestEnv(t, p, 100)
	s := env.session(t, 1)
	key := "retry-1"
	req := SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Hello", IdempotencyKey: &key}

	first, err := env.orch.Send(context.Background(), req, Observer{})
	require.NoError(t, err)
	again, err := env.orch.Send(context.Background(), req, Observer{})
	require.NoError(t, err)

	assert.True(t, again.Duplicate)
	assert.Equal(t, first.UserMessage.ID, again.UserMessage.ID)
	require.NotNil(t, again.AssistantMessage)
	assert.Equal(t, first.AssistantMessage.ID, again.AssistantMessage.ID)
	assert.Len(t, p.calls, 1)
	assert.Equal(t, 97, env.remaining(t, 1))
	assert.EqualValues(t, 2, countMessages(t, env.db, s.SessionID))
}

func TestSend_RetryAfterSpendingSkipsCreditCheck(t *testing.T) {
	p := &fakeStreamer{chunks: []string{"paid"}, tokens: 2}
	env := newTestEnv(t, p, 4)
	s := env.session(t, 1)
	key := "retry-2"
	req := SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Hello", IdempotencyKey: &key}

	first, err := env.orch.Send(context.Background(), req, Observer{})
	require.NoError(t, err)
	require.Equal(t, 1, env.remaining(t, 1))

	again, err := env.orch.Send(context.Background(), req, Observer{})
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	require.NotNil(t, again.AssistantMessage)
	assert.Equal(t, first.AssistantMessage.ID, again.AssistantMessage.ID)
	assert.Len(t, p.calls, 1)
	assert.Equal(t, 1, env.remaining(t, 1))
}

func TestSend_ForeignSession(t *testing.T) {
	p := &fakeStreamer{chunks: []string{"x"}}
	env := newTestEnv(t, p, 100)
	s := env.session(t, 1)

	_, err := env.orch.Send(context.Background(), SendRequest{UserID: 2, SessionID: s.SessionID, Content: "Hello"}, Observer{})
	require.ErrorIs(t, err, ErrUnauthorized)
	assert.Zero(t, countMessages(t, env.db, s.SessionID))
	assert.Empty(t, p.calls)
}

func TestSend_EmptyContent(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, 100)
	s := env.session(t, 1)

	_, err := env.orch.Send(context.Background(), SendRequest{UserID: 1, SessionID: s.SessionID, Content: "  "}, Observer{})
	require.ErrorIs(t, err, ErrEmptyContent)
}

func TestSend_UnknownProvider(t *testing.T) {
	env := newTestEnv(t, &fakeStreamer{}, 100)
	s, err := env.svc.CreateSession(context.Background(), 1, "", "nope", "")
	require.NoError(t, err)

	_, err = env.orch.Send(context.Background(), SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Hello"}, Observer{})
	require.Error(t, err)
	assert.Zero(t, countMessages(t, env.db, s.SessionID))
}

// failingLedger approves every check and rejects every debit.
type failingLedger struct{}

func (failingLedger) Require(ctx context.Context, userID uint64, amount int) (credits.Balance, error) {
	return credits.Balance{CreditsRemaining: 100}, nil
}

func (failingLedger) Debit(ctx context.Context, userID uint64, amount int, spend credits.Spend) (credits.Balance, error) {
	return credits.Balance{}, errors.New("ledger unavailable")
}

func TestSend_DebitFailureKeepsReply(t *testing.T) {
	p := &fakeStreamer{chunks: []string{"kept"}, tokens: 3}
	env := newTestEnv(t, p, 100)
	env.orch.ledger = failingLedger{}
	s := env.session(t, 1)

	res, err := env.orch.Send(context.Background(), SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Hello"}, Observer{})
	require.NoError(t, err)
	assert.Equal(t, "kept", res.AssistantMessage.Content)
	assert.Nil(t, res.Balance)
	assert.Contains(t, res.DebitError, "ledger unavailable")
}

func TestEnqueue_ThenRespondToJob(t *testing.T) {
	p := &fakeStreamer{chunks: []string{"async"}, tokens: 5}
	env := newTestEnv(t, p, 100)
	s := env.session(t, 1)
	key := "job-1"
	req := SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Later", IdempotencyKey: &key}

	job, created, err := env.orch.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, JobQueued, job.Status)
	assert.NotZero(t, job.UserMessageID)
	assert.Empty(t, p.calls)

	dup, created, err := env.orch.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, dup.ID)

	res, err := env.orch.RespondToJob(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, "async", res.AssistantMessage.Content)
	assert.Equal(t, 97, env.remaining(t, 1))
	assert.EqualValues(t, 2, countMessages(t, env.db, s.SessionID))
}

func TestEnqueue_AfterSyncSendWithSameKey(t *testing.T) {
	p := &fakeStreamer{chunks: []string{"sync"}, tokens: 3}
	env := newTestEnv(t, p, 100)
	s := env.session(t, 1)
	key := "both-1"
	req := SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Hello", IdempotencyKey: &key}

	first, err := env.orch.Send(context.Background(), req, Observer{})
	require.NoError(t, err)
	require.Equal(t, 97, env.remaining(t, 1))

	job, created, err := env.orch.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, created, "nothing left for the worker")
	assert.Equal(t, JobSucceeded, job.Status)
	assert.Equal(t, first.UserMessage.ID, job.UserMessageID)
	require.NotNil(t, job.ResultMessageID)
	assert.Equal(t, first.AssistantMessage.ID, *job.ResultMessageID)

	again, created, err := env.orch.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID, again.ID)

	assert.Len(t, p.calls, 1)
	assert.Equal(t, 97, env.remaining(t, 1))
	assert.EqualValues(t, 2, countMessages(t, env.db, s.SessionID))
}

func TestEnqueue_AfterFailedSyncSendRecordsFailure(t *testing.T) {
	p := &fakeStreamer{chunks: []string{"Part"}, err: errors.New("boom")}
	env := newTestEnv(t, p, 100)
	s := env.session(t, 1)
	key := "both-2"
	req := SendRequest{UserID: 1, SessionID: s.SessionID, Content: "Hello", IdempotencyKey: &key}

	first, err := env.orch.Send(context.Background(), req, Observer{})
	require.NoError(t, err)
	require.True(t, first.Failed)

	job, created, err := env.orch.Enqueue(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, JobFailed, job.Status)
	require.NotNil(t, job.Error)
	assert.Equal(t, "boom", *job.Error)
	require.NotNil(t, job.ResultMessageID)
	assert.Equal(t, first.AssistantMessage.ID, *job.ResultMessageID)
	assert.Len(t, p.calls, 1)
}
