package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/mcp-action-gateway/internal/approval"
	"github.com/xela07ax/mcp-action-gateway/internal/audit"
	"github.com/xela07ax/mcp-action-gateway/internal/domain"
	"github.com/xela07ax/mcp-action-gateway/internal/registry"
	"github.com/xela07ax/mcp-action-gateway/internal/webhook"
)

type fakeAuditor struct {
	mu     sync.Mutex
	events []audit.AuditEvent
}

func (a *fakeAuditor) Log(e audit.AuditEvent) {
	a.mu.Lock()
	a.events = append(a.events, e)
	a.mu.Unlock()
}

func (a *fakeAuditor) all() []audit.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]audit.AuditEvent(nil), a.events...)
}

type fixture struct {
	reg       *registry.Registry
	validator *webhook.Validator
	workflow  *approval.Workflow
	auditor   *fakeAuditor
	results   *ResultCache
	d         *Dispatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		reg:       registry.New(nil),
		validator: webhook.NewValidator(nil),
		workflow:  approval.NewWorkflow(nil),
		auditor:   &fakeAuditor{},
		results:   NewResultCache(0),
	}
	base := []Option{
		WithAuditor(f.auditor),
		WithResultSink(f.results),
		// без лимитера: тесты не должны зависеть от скорости
		WithGuard(NewGuard(GuardConfig{BreakerConsecutiveFails: 0}, nil)),
	}
	f.d = NewDispatcher(f.reg, f.validator, f.workflow, append(base, opts...)...)
	return f
}

// countingHandler считает вызовы, чтобы проверять at-most-once.
func countingHandler(calls *atomic.Int32, res domain.Result) domain.Handler {
	return func(_ context.Context, _ domain.Params) (domain.Result, error) {
		calls.Add(1)
		return res, nil
	}
}

func TestDispatchDirectAction(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.reg.Register("get_weather", "weather lookup", false,
		func(_ context.Context, p domain.Params) (domain.Result, error) {
			calls.Add(1)
			assert.Equal(t, "Oslo", p["city"])
			return domain.Result{"temp": 12}, nil
		}))

	env := f.d.Dispatch(context.Background(),
		domain.NewRequest("get_weather", domain.Params{"city": "Oslo"}, domain.DirectSource()))

	assert.Equal(t, domain.EnvelopeCompleted, env.Status)
	assert.Equal(t, domain.Result{"temp": 12}, env.Data)
	assert.Nil(t, env.Error)
	assert.Equal(t, int32(1), calls.Load())

	// без approval заявка не заводится
	_, err := f.workflow.GetStatus(context.Background(), env.RequestID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	st, err := f.reg.ActionStats("get_weather")
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.ExecutionCount)
}

func TestDispatchAssignsRequestID(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.reg.Register("noop", "", false, countingHandler(&calls, nil)))

	env := f.d.Dispatch(context.Background(), domain.Request{ActionName: "noop"})
	assert.NotEmpty(t, env.RequestID)
	assert.Equal(t, domain.EnvelopeCompleted, env.Status)
	assert.NotNil(t, env.Data)
}

func TestDispatchUnknownAction(t *testing.T) {
	f := newFixture(t)

	env := f.d.Dispatch(context.Background(), domain.NewRequest("Get_Weather", nil, domain.DirectSource()))

	assert.Equal(t, domain.EnvelopeFailed, env.Status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "unknown_action", env.Error.Code)
}

func TestRejectedApprovalNeverInvokesHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.reg.Register("send_message", "", true, countingHandler(&calls, domain.Result{"sent": true})))

	env := f.d.Dispatch(ctx, domain.NewRequest("send_message", domain.Params{"to": "bob"}, domain.DirectSource()))
	require.Equal(t, domain.EnvelopePendingApproval, env.Status)
	assert.Equal(t, int32(0), calls.Load())

	_, err := f.workflow.Decide(ctx, env.RequestID, domain.DecisionRejected, "alice", "")
	require.NoError(t, err)

	st, err := f.workflow.GetStatus(ctx, env.RequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, st.Status)

	resumed := f.d.Resume(ctx, env.RequestID)
	assert.Equal(t, domain.EnvelopeRejected, resumed.Status)
	assert.Equal(t, env.RequestID, resumed.RequestID)
	assert.Equal(t, int32(0), calls.Load())

	got, ok := f.results.Get(env.RequestID)
	require.True(t, ok)
	assert.Equal(t, domain.EnvelopeRejected, got.Status)
}

func TestApprovedResumeRunsHandlerOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.reg.Register("send_message", "", true, countingHandler(&calls, domain.Result{"sent": true})))

	env := f.d.Dispatch(ctx, domain.NewRequest("send_message", domain.Params{"to": "bob"}, domain.DirectSource()))
	require.Equal(t, domain.EnvelopePendingApproval, env.Status)

	// рано
	early := f.d.Resume(ctx, env.RequestID)
	require.NotNil(t, early.Error)
	assert.Equal(t, "not_decided", early.Error.Code)
	assert.Equal(t, int32(0), calls.Load())

	_, err := f.workflow.Decide(ctx, env.RequestID, domain.DecisionApproved, "alice", "")
	require.NoError(t, err)

	first := f.d.Resume(ctx, env.RequestID)
	assert.Equal(t, domain.EnvelopeCompleted, first.Status)
	assert.Equal(t, domain.Result{"sent": true}, first.Data)

	second := f.d.Resume(ctx, env.RequestID)
	assert.Equal(t, domain.EnvelopeFailed, second.Status)
	require.NotNil(t, second.Error)
	assert.Equal(t, "already_resumed", second.Error.Code)

	assert.Equal(t, int32(1), calls.Load())
}

func TestResumeUnknownRequest(t *testing.T) {
	f := newFixture(t)
	env := f.d.Resume(context.Background(), "nope")
	require.NotNil(t, env.Error)
	assert.Equal(t, "not_found", env.Error.Code)
	assert.True(t, IsRefusal(env))

	_, ok := f.results.Get("nope")
	assert.False(t, ok)
}

func TestConcurrentResumeInvokesHandlerOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.reg.Register("send_message", "", true, countingHandler(&calls, nil)))

	env := f.d.Dispatch(ctx, domain.NewRequest("send_message", nil, domain.DirectSource()))
	_, err := f.workflow.Decide(ctx, env.RequestID, domain.DecisionApproved, "alice", "")
	require.NoError(t, err)

	var completed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.d.Resume(ctx, env.RequestID).Status == domain.EnvelopeCompleted {
				completed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), completed.Load())
}

func TestResumeExpiredRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.reg.Register("send_message", "", true, countingHandler(&calls, nil)))

	env := f.d.Dispatch(ctx, domain.NewRequest("send_message", nil, domain.DirectSource()))
	_, err := f.workflow.Expire(ctx, env.RequestID)
	require.NoError(t, err)

	resumed := f.d.Resume(ctx, env.RequestID)
	assert.Equal(t, domain.EnvelopeFailed, resumed.Status)
	require.NotNil(t, resumed.Error)
	assert.Equal(t, "expired", resumed.Error.Code)
	assert.Equal(t, int32(0), calls.Load())
}

func TestResumeAfterUnregister(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.reg.Register("send_message", "", true, countingHandler(&calls, nil)))

	env := f.d.Dispatch(ctx, domain.NewRequest("send_message", nil, domain.DirectSource()))
	_, err := f.workflow.Decide(ctx, env.RequestID, domain.DecisionApproved, "alice", "")
	require.NoError(t, err)
	require.True(t, f.reg.Unregister("send_message"))

	resumed := f.d.Resume(ctx, env.RequestID)
	require.NotNil(t, resumed.Error)
	assert.Equal(t, "unknown_action", resumed.Error.Code)
	assert.Equal(t, int32(0), calls.Load())
}

func TestWebhookSignature(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.reg.Register("process_webhook_data", "", false, countingHandler(&calls, domain.Result{"ok": true})))
	require.NoError(t, f.validator.RegisterSecret("make.com", "s3cret"))

	body := []byte(`{"task":{"id":"42"}}`)
	req := domain.NewRequest("process_webhook_data", domain.Params{"webhook_id": "42"}, domain.WebhookSource("make.com"))
	req.RawBody = body

	t.Run("tampered signature", func(t *testing.T) {
		r := req
		r.Signature = webhook.Sign("wrong", body)
		env := f.d.Dispatch(ctx, r)
		assert.Equal(t, domain.EnvelopeFailed, env.Status)
		require.NotNil(t, env.Error)
		assert.Equal(t, "invalid_signature", env.Error.Code)
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("unknown source", func(t *testing.T) {
		r := req
		r.Source = domain.WebhookSource("zapier")
		r.Signature = webhook.Sign("s3cret", body)
		env := f.d.Dispatch(ctx, r)
		require.NotNil(t, env.Error)
		assert.Equal(t, "unknown_source", env.Error.Code)
		assert.Equal(t, int32(0), calls.Load())
	})

	t.Run("valid signature", func(t *testing.T) {
		r := req
		r.ID = ""
		r.Signature = webhook.SignaturePrefix + webhook.Sign("s3cret", body)
		env := f.d.Dispatch(ctx, r)
		assert.Equal(t, domain.EnvelopeCompleted, env.Status)
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestWebhookValidationDisabled(t *testing.T) {
	f := newFixture(t, WithValidation(false))
	var calls atomic.Int32
	require.NoError(t, f.reg.Register("process_webhook_data", "", false, countingHandler(&calls, nil)))

	req := domain.NewRequest("process_webhook_data", nil, domain.WebhookSource("make.com"))
	req.Signature = "garbage"

	env := f.d.Dispatch(context.Background(), req)
	assert.Equal(t, domain.EnvelopeCompleted, env.Status)
}

type slowValidator struct{}

func (slowValidator) Validate(string, []byte, string) (bool, error) {
	time.Sleep(200 * time.Millisecond)
	return true, nil
}

func TestWebhookValidationTimeout(t *testing.T) {
	reg := registry.New(nil)
	var calls atomic.Int32
	require.NoError(t, reg.Register("process_webhook_data", "", false, countingHandler(&calls, nil)))
	d := NewDispatcher(reg, slowValidator{}, approval.NewWorkflow(nil), WithValidationTimeout(10*time.Millisecond))

	env := d.Dispatch(context.Background(), domain.NewRequest("process_webhook_data", nil, domain.WebhookSource("make.com")))
	require.NotNil(t, env.Error)
	assert.Equal(t, "timeout", env.Error.Code)
	assert.Equal(t, int32(0), calls.Load())
}

func TestHandlerFailureSurfacedVerbatim(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register("send_email", "", false,
		func(context.Context, domain.Params) (domain.Result, error) {
			return nil, errors.New("smtp: 550 mailbox unavailable")
		}))

	env := f.d.Dispatch(context.Background(), domain.NewRequest("send_email", nil, domain.DirectSource()))
	assert.Equal(t, domain.EnvelopeFailed, env.Status)
	require.NotNil(t, env.Error)
	assert.Equal(t, "handler_failure", env.Error.Code)
	assert.Equal(t, "smtp: 550 mailbox unavailable", env.Error.Message)
}

func TestHandlerPanicIsHandlerFailure(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register("boom", "", false,
		func(context.Context, domain.Params) (domain.Result, error) { panic("nil map") }))

	env := f.d.Dispatch(context.Background(), domain.NewRequest("boom", nil, domain.DirectSource()))
	require.NotNil(t, env.Error)
	assert.Equal(t, "handler_failure", env.Error.Code)
}

func TestHandlerTimeout(t *testing.T) {
	f := newFixture(t, WithHandlerTimeout(20*time.Millisecond))
	require.NoError(t, f.reg.Register("slow", "", false,
		func(ctx context.Context, _ domain.Params) (domain.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))
	require.NoError(t, f.reg.Register("stuck", "", false,
		func(context.Context, domain.Params) (domain.Result, error) {
			time.Sleep(time.Second) // игнорирует ctx
			return domain.Result{}, nil
		}))

	for _, name := range []string{"slow", "stuck"} {
		start := time.Now()
		env := f.d.Dispatch(context.Background(), domain.NewRequest(name, nil, domain.DirectSource()))
		require.NotNil(t, env.Error, name)
		assert.Equal(t, "timeout", env.Error.Code, name)
		assert.Less(t, time.Since(start), 500*time.Millisecond, name)
	}
}

func TestCallerDeadlineBoundsHandler(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Register("slow", "", false,
		func(ctx context.Context, _ domain.Params) (domain.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	env := f.d.Dispatch(ctx, domain.NewRequest("slow", nil, domain.DirectSource()))
	require.NotNil(t, env.Error)
	assert.Equal(t, "timeout", env.Error.Code)
}

func TestInvalidParamsRejectedBeforeApproval(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	schema := []byte(`{"type":"object","required":["to"],"properties":{"to":{"type":"string"}}}`)
	require.NoError(t, f.reg.Register("send_message", "", true, countingHandler(&calls, nil), registry.WithSchema(schema)))

	env := f.d.Dispatch(context.Background(), domain.NewRequest("send_message", domain.Params{}, domain.DirectSource()))
	require.NotNil(t, env.Error)
	assert.Equal(t, "invalid_params", env.Error.Code)
	assert.Equal(t, 0, f.workflow.Counts().Total)
}

func TestHandlerCannotMutateApprovalParams(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.reg.Register("send_message", "", true,
		func(_ context.Context, p domain.Params) (domain.Result, error) {
			p["to"] = "mallory"
			return nil, nil
		}))

	env := f.d.Dispatch(ctx, domain.NewRequest("send_message", domain.Params{"to": "bob"}, domain.DirectSource()))
	_, err := f.workflow.Decide(ctx, env.RequestID, domain.DecisionApproved, "alice", "")
	require.NoError(t, err)
	require.Equal(t, domain.EnvelopeCompleted, f.d.Resume(ctx, env.RequestID).Status)

	st, err := f.workflow.GetStatus(ctx, env.RequestID)
	require.NoError(t, err)
	assert.Equal(t, "bob", st.Params["to"])
}

func TestHandlerCannotMutateNestedApprovalParams(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.reg.Register("process_webhook_data", "", true,
		func(_ context.Context, p domain.Params) (domain.Result, error) {
			data := p["webhook_data"].(map[string]any)
			data["client_id"] = "mallory"
			data["items"].([]any)[0] = "tampered"
			return nil, nil
		}))

	params := domain.Params{"webhook_data": map[string]any{
		"client_id": "c-42",
		"items":     []any{"order-1"},
	}}
	env := f.d.Dispatch(ctx, domain.NewRequest("process_webhook_data", params, domain.DirectSource()))
	_, err := f.workflow.Decide(ctx, env.RequestID, domain.DecisionApproved, "alice", "")
	require.NoError(t, err)
	require.Equal(t, domain.EnvelopeCompleted, f.d.Resume(ctx, env.RequestID).Status)

	st, err := f.workflow.GetStatus(ctx, env.RequestID)
	require.NoError(t, err)
	data := st.Params["webhook_data"].(map[string]any)
	assert.Equal(t, "c-42", data["client_id"])
	assert.Equal(t, []any{"order-1"}, data["items"])

	// событие аудита тоже не видит правок обработчика
	events := f.auditor.all()
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "c-42", e.Params["webhook_data"].(map[string]any)["client_id"], e.Phase)
	}
}

func TestCallerCancellationIsCanceled(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	require.NoError(t, f.reg.Register("slow", "", false,
		func(ctx context.Context, _ domain.Params) (domain.Result, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	env := f.d.Dispatch(ctx, domain.NewRequest("slow", nil, domain.DirectSource()))
	require.NotNil(t, env.Error)
	assert.Equal(t, "canceled", env.Error.Code)
}

func TestUnsignedWebhookToUnknownActionIsUnknownAction(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.validator.RegisterSecret("make.com", "s3cret"))

	req := domain.NewRequest("no_such_action", nil, domain.WebhookSource("make.com"))
	req.RawBody = []byte(`{}`)
	env := f.d.Dispatch(context.Background(), req)
	require.NotNil(t, env.Error)
	// поиск действия идет раньше проверки подписи
	assert.Equal(t, "unknown_action", env.Error.Code)
}

func TestConcurrentDispatch(t *testing.T) {
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.reg.Register("direct", "", false, countingHandler(&calls, nil)))
	require.NoError(t, f.reg.Register("gated", "", true, countingHandler(&calls, nil)))

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.d.Dispatch(context.Background(), domain.NewRequest("direct", nil, domain.DirectSource()))
		}()
		go func() {
			defer wg.Done()
			f.d.Dispatch(context.Background(), domain.NewRequest("gated", nil, domain.DirectSource()))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(n), calls.Load())
	assert.Equal(t, n, f.workflow.Counts().Pending)
}

func TestAuditTrail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	var calls atomic.Int32
	require.NoError(t, f.reg.Register("send_message", "", true, countingHandler(&calls, domain.Result{"sent": true})))

	env := f.d.Dispatch(WithTraceID(ctx, "trace-1"), domain.NewRequest("send_message", domain.Params{"to": "bob"}, domain.DirectSource()))
	_, err := f.workflow.Decide(ctx, env.RequestID, domain.DecisionApproved, "alice", "")
	require.NoError(t, err)
	f.d.Resume(ctx, env.RequestID)

	events := f.auditor.all()
	require.Len(t, events, 2)

	assert.Equal(t, audit.PhaseDispatch, events[0].Phase)
	assert.Equal(t, "pending_approval", events[0].Status)
	assert.Equal(t, "trace-1", events[0].TraceID)
	assert.Equal(t, "direct", events[0].Source)
	assert.Equal(t, "bob", events[0].Params["to"])

	assert.Equal(t, audit.PhaseResume, events[1].Phase)
	assert.Equal(t, "completed", events[1].Status)
	assert.Equal(t, env.RequestID, events[1].RequestID)
	assert.Equal(t, map[string]any{"sent": true}, events[1].Response)
}

func TestAutoResumer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ar := NewAutoResumer(ctx, f.d, nil)
	f.workflow.AddObserver(ar)

	var calls atomic.Int32
	require.NoError(t, f.reg.Register("send_message", "", true, countingHandler(&calls, domain.Result{"sent": true})))

	env := f.d.Dispatch(ctx, domain.NewRequest("send_message", nil, domain.DirectSource()))
	_, err := f.workflow.Decide(ctx, env.RequestID, domain.DecisionApproved, "alice", "")
	require.NoError(t, err)
	ar.Wait()

	assert.Equal(t, int32(1), calls.Load())
	got, ok := f.results.Get(env.RequestID)
	require.True(t, ok)
	assert.Equal(t, domain.EnvelopeCompleted, got.Status)

	// ручной Resume после автоматического не исполняет повторно
	again := f.d.Resume(ctx, env.RequestID)
	require.NotNil(t, again.Error)
	assert.Equal(t, "already_resumed", again.Error.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAutoResumerStopRefusesNewDecisions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ar := NewAutoResumer(ctx, f.d, nil)
	f.workflow.AddObserver(ar)

	var calls atomic.Int32
	require.NoError(t, f.reg.Register("send_message", "", true, countingHandler(&calls, domain.Result{"sent": true})))

	env := f.d.Dispatch(ctx, domain.NewRequest("send_message", nil, domain.DirectSource()))
	ar.Stop()

	_, err := f.workflow.Decide(ctx, env.RequestID, domain.DecisionApproved, "alice", "")
	require.NoError(t, err)
	ar.Wait()

	assert.Equal(t, int32(0), calls.Load())
	_, ok := f.results.Get(env.RequestID)
	assert.False(t, ok)

	// флаг Resumed не взведен: ручной Resume после остановки исполняет действие
	st, err := f.workflow.GetStatus(ctx, env.RequestID)
	require.NoError(t, err)
	assert.False(t, st.Resumed)
	assert.Equal(t, domain.EnvelopeCompleted, f.d.Resume(ctx, env.RequestID).Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestAutoResumerStopWaitsForRunningResume(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ar := NewAutoResumer(ctx, f.d, nil)
	f.workflow.AddObserver(ar)

	release := make(chan struct{})
	var done atomic.Bool
	require.NoError(t, f.reg.Register("send_message", "", true,
		func(context.Context, domain.Params) (domain.Result, error) {
			<-release
			done.Store(true)
			return domain.Result{}, nil
		}))

	env := f.d.Dispatch(ctx, domain.NewRequest("send_message", nil, domain.DirectSource()))
	_, err := f.workflow.Decide(ctx, env.RequestID, domain.DecisionApproved, "alice", "")
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	ar.Stop()
	assert.True(t, done.Load())
}
