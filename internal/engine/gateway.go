package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/audit"
	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

const (
	defaultHandlerTimeout    = 30 * time.Second
	defaultValidationTimeout = 30 * time.Second
)

// ActionRegistry — то, что диспетчеру нужно от реестра.
type ActionRegistry interface {
	Get(name string) (domain.ActionDescriptor, error)
	ValidateParams(name string, params domain.Params) error
	RecordExecution(name string, took time.Duration)
}

type SignatureValidator interface {
	Validate(sourceID string, payload []byte, signature string) (bool, error)
}

type ApprovalWorkflow interface {
	Create(ctx context.Context, requestID, action string, params domain.Params) (domain.ApprovalRequest, error)
	MarkResumed(ctx context.Context, requestID string) (domain.ApprovalRequest, error)
}

// ResultSink получает отложенные конверты (после Resume) для того, кто отслеживает request_id.
type ResultSink interface {
	Deliver(ctx context.Context, env domain.ResultEnvelope)
}

// Dispatcher — ядро: маршрутизирует Request в обработчик или в HITL-очередь
// и всегда возвращает ровно один ResultEnvelope.
type Dispatcher struct {
	registry  ActionRegistry
	validator SignatureValidator
	workflow  ApprovalWorkflow

	guard   *Guard
	auditor audit.Auditor
	metrics *Metrics
	logger  *zap.Logger

	validationEnabled bool
	handlerTimeout    time.Duration
	validationTimeout time.Duration

	mu    sync.RWMutex
	sinks []ResultSink
}

type Option func(*Dispatcher)

func WithGuard(g *Guard) Option { return func(d *Dispatcher) { d.guard = g } }

func WithAuditor(a audit.Auditor) Option { return func(d *Dispatcher) { d.auditor = a } }

func WithMetrics(m *Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithValidation включает/выключает проверку подписи вебхуков (WEBHOOK_VALIDATION_ENABLED).
func WithValidation(enabled bool) Option {
	return func(d *Dispatcher) { d.validationEnabled = enabled }
}

func WithHandlerTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.handlerTimeout = t
		}
	}
}

func WithValidationTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.validationTimeout = t
		}
	}
}

func WithResultSink(s ResultSink) Option {
	return func(d *Dispatcher) { d.sinks = append(d.sinks, s) }
}

func NewDispatcher(reg ActionRegistry, validator SignatureValidator, workflow ApprovalWorkflow, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry:          reg,
		validator:         validator,
		workflow:          workflow,
		validationEnabled: true,
		handlerTimeout:    defaultHandlerTimeout,
		validationTimeout: defaultValidationTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.logger = d.logger.Named("dispatcher")
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}
	if d.guard == nil {
		d.guard = NewGuard(DefaultGuardConfig(), d.metrics)
	}
	return d
}

// AddResultSink подключает получателя отложенных результатов после создания.
func (d *Dispatcher) AddResultSink(s ResultSink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// Dispatch проводит запрос через конвейер:
// lookup -> подпись (для вебхуков) -> схема params -> HITL или исполнение.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.Request) domain.ResultEnvelope {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.ReceivedAt.IsZero() {
		req.ReceivedAt = time.Now().UTC()
	}
	start := time.Now()

	log := d.logger.With(
		zap.String("request_id", req.ID),
		zap.String("action", req.ActionName),
		zap.String("source", req.Source.String()),
	)

	env := d.dispatch(ctx, req, log)

	d.observe(ctx, audit.PhaseDispatch, req.ActionName, req.Source.String(), req.Params, env, start)
	return env
}

func (d *Dispatcher) dispatch(ctx context.Context, req domain.Request, log *zap.Logger) domain.ResultEnvelope {
	// 1. Поиск действия
	desc, err := d.registry.Get(req.ActionName)
	if err != nil {
		log.Warn("dispatch rejected: unknown action")
		return domain.Failed(req.ID, err)
	}

	// 2. Подпись вебхука
	if req.Source.IsWebhook() && d.validationEnabled {
		if err := d.verifySignature(ctx, req); err != nil {
			log.Warn("dispatch rejected: webhook signature", zap.Error(err))
			return domain.Failed(req.ID, err)
		}
	}

	// 3. Схема параметров
	if err := d.registry.ValidateParams(desc.Name, req.Params); err != nil {
		log.Warn("dispatch rejected: invalid params", zap.Error(err))
		return domain.Failed(req.ID, err)
	}

	// 4. HITL: заводим заявку, обработчик НЕ вызываем
	if desc.RequiresApproval {
		if _, err := d.workflow.Create(ctx, req.ID, desc.Name, req.Params); err != nil {
			log.Error("failed to create approval request", zap.Error(err))
			return domain.Failed(req.ID, err)
		}
		log.Info("action deferred to human approval")
		return domain.PendingApproval(req.ID)
	}

	// 5. Прямое исполнение
	return d.execute(ctx, req.ID, desc, req.Params, log)
}

// Resume исполняет действие по решенной заявке. Одноразово: флаг Resumed ставится
// атомарно до вызова обработчика, поэтому обработчик вызывается не более одного раза.
func (d *Dispatcher) Resume(ctx context.Context, requestID string) domain.ResultEnvelope {
	start := time.Now()
	log := d.logger.With(zap.String("request_id", requestID), zap.String("phase", audit.PhaseResume))

	appr, err := d.workflow.MarkResumed(ctx, requestID)
	if err != nil {
		// not_found / not_decided / already_resumed: результат не считается отложенным
		log.Info("resume refused", zap.Error(err))
		env := domain.Failed(requestID, err)
		d.observe(ctx, audit.PhaseResume, appr.ActionName, "", nil, env, start)
		return env
	}
	log = log.With(zap.String("action", appr.ActionName))

	var env domain.ResultEnvelope
	switch appr.Status {
	case domain.StatusApproved:
		desc, err := d.registry.Get(appr.ActionName)
		if err != nil {
			// действие сняли с регистрации, пока заявка ждала решения
			log.Warn("approved action is no longer registered")
			env = domain.Failed(requestID, err)
			break
		}
		env = d.execute(ctx, requestID, desc, appr.Params, log)
	case domain.StatusRejected:
		log.Info("resume: rejected by operator", zap.String("decided_by", appr.DecidedBy))
		env = domain.Rejected(requestID)
	case domain.StatusExpired:
		env = domain.Failed(requestID, fmt.Errorf("%w: %s", domain.ErrExpired, requestID))
	default:
		env = domain.Failed(requestID, fmt.Errorf("%w: %s is %s", domain.ErrInvalidTransition, requestID, appr.Status))
	}

	d.observe(ctx, audit.PhaseResume, appr.ActionName, "", appr.Params, env, start)
	d.deliver(ctx, env)
	return env
}

func (d *Dispatcher) execute(ctx context.Context, requestID string, desc domain.ActionDescriptor, params domain.Params, log *zap.Logger) domain.ResultEnvelope {
	log.Debug("executing action")
	start := time.Now()

	// обработчик получает свою копию: заявка в workflow не должна меняться
	in := params.Clone()
	if in == nil {
		in = domain.Params{}
	}
	res, err := d.guard.Call(ctx, desc.Name, desc.Handler, in, d.handlerTimeout)
	took := time.Since(start)
	d.registry.RecordExecution(desc.Name, took)

	if err != nil {
		log.Error("action failed", zap.Duration("took", took), zap.Error(err))
		return domain.Failed(requestID, err)
	}
	log.Info("action completed", zap.Duration("took", took))
	if res == nil {
		res = domain.Result{}
	}
	return domain.Completed(requestID, res)
}

// verifySignature ограничивает проверку подписи сроком validationTimeout.
func (d *Dispatcher) verifySignature(ctx context.Context, req domain.Request) error {
	if d.validator == nil {
		return fmt.Errorf("%w: no validator configured for %s", domain.ErrUnknownSource, req.Source.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, d.validationTimeout)
	defer cancel()

	type outcome struct {
		ok  bool
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		ok, err := d.validator.Validate(req.Source.ID, req.RawBody, req.Signature)
		done <- outcome{ok: ok, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return o.err
		}
		if !o.ok {
			return fmt.Errorf("%w: source %s", domain.ErrInvalidSignature, req.Source.ID)
		}
		return nil
	case <-ctx.Done():
		return contextFailure(ctx, ctx.Err(), "signature validation for "+req.Source.ID)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, env domain.ResultEnvelope) {
	d.mu.RLock()
	sinks := append([]ResultSink(nil), d.sinks...)
	d.mu.RUnlock()
	for _, s := range sinks {
		s.Deliver(ctx, env)
	}
}

// observe пишет метрики и событие аудита для каждого конверта.
func (d *Dispatcher) observe(ctx context.Context, phase, action, source string, params domain.Params, env domain.ResultEnvelope, start time.Time) {
	took := time.Since(start)

	label := action
	if env.Error != nil && env.Error.Code == domain.ErrorCode(domain.ErrUnknownAction) {
		label = "unknown" // произвольные имена не должны раздувать кардинальность
	}
	if label == "" {
		label = "unknown"
	}
	d.metrics.TotalRequests.WithLabelValues(label, phase, string(env.Status)).Inc()
	d.metrics.RequestDuration.WithLabelValues(label, phase, string(env.Status)).Observe(took.Seconds())
	if env.Error != nil {
		d.metrics.ErrorTotal.WithLabelValues(env.Error.Code).Inc()
	}

	if d.auditor == nil {
		return
	}
	event := audit.AuditEvent{
		ID:         uuid.New().String(),
		RequestID:  env.RequestID,
		Action:     action,
		TraceID:    TraceIDFromContext(ctx),
		Source:     source,
		Params:     params.Clone(),
		Phase:      phase,
		Status:     string(env.Status),
		Response:   env.Data,
		Timestamp:  start.UTC(),
		DurationMs: took.Milliseconds(),
	}
	if env.Error != nil {
		event.ErrorCode = env.Error.Code
		event.Error = env.Error.Message
	}
	d.auditor.Log(event)
}

// IsRefusal — ошибка Resume, после которой исполнения не было и не будет.
func IsRefusal(env domain.ResultEnvelope) bool {
	if env.Error == nil {
		return false
	}
	switch env.Error.Code {
	case domain.ErrorCode(domain.ErrNotFound), domain.ErrorCode(domain.ErrNotDecided), domain.ErrorCode(domain.ErrAlreadyResumed):
		return true
	}
	return false
}
