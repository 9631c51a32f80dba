package approval

/*
Файл workflow.go реализует конечный автомат Human-in-the-loop (HITL).

	pending -> approved | rejected   (Decide, решение оператора)
	pending -> expired               (Expire / ExpireDue / ленивая проверка срока)

- Terminal-статусы неизменяемы.
- У каждой заявки свой мьютекс: из двух конкурентных Decide побеждает ровно один,
  проигравший получает ErrAlreadyDecided. Так же атомарен одноразовый флаг Resumed.
- Workflow сам обработчик НЕ вызывает, он только переключает состояние.
  Исполнение после approve остается за Dispatcher.Resume.
*/

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

// Observer получает уведомления о заявках (внешние системы согласования, AutoResume, Redis).
// Вызывается после фиксации перехода, вне блокировок.
type Observer interface {
	OnCreated(ctx context.Context, req domain.ApprovalRequest)
	OnDecided(ctx context.Context, req domain.ApprovalRequest)
}

type record struct {
	mu  sync.Mutex
	req domain.ApprovalRequest
}

type Workflow struct {
	mu      sync.RWMutex
	records map[string]*record

	expiry    time.Duration // 0: заявки не протухают
	now       func() time.Time
	observers []Observer
	logger    *zap.Logger
}

type Option func(*Workflow)

// WithExpiry задает срок жизни pending-заявки. Дефолта нет.
func WithExpiry(d time.Duration) Option {
	return func(w *Workflow) { w.expiry = d }
}

func WithClock(now func() time.Time) Option {
	return func(w *Workflow) { w.now = now }
}

func WithObserver(o Observer) Option {
	return func(w *Workflow) { w.observers = append(w.observers, o) }
}

func NewWorkflow(logger *zap.Logger, opts ...Option) *Workflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Workflow{
		records: make(map[string]*record),
		now:     time.Now,
		logger:  logger.Named("approval"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// AddObserver подключает наблюдателя после создания (например, AutoResume, которому нужен Dispatcher).
func (w *Workflow) AddObserver(o Observer) {
	w.mu.Lock()
	w.observers = append(w.observers, o)
	w.mu.Unlock()
}

// Create заводит заявку в статусе pending. Одна заявка на request_id.
func (w *Workflow) Create(ctx context.Context, requestID, action string, params domain.Params) (domain.ApprovalRequest, error) {
	now := w.now().UTC()
	req := domain.ApprovalRequest{
		RequestID:  requestID,
		ActionName: action,
		Params:     params.Clone(),
		Status:     domain.StatusPending,
		CreatedAt:  now,
	}
	if w.expiry > 0 {
		exp := now.Add(w.expiry)
		req.ExpiresAt = &exp
	}

	w.mu.Lock()
	if _, exists := w.records[requestID]; exists {
		w.mu.Unlock()
		return domain.ApprovalRequest{}, fmt.Errorf("%w: %s", domain.ErrDuplicateRequest, requestID)
	}
	w.records[requestID] = &record{req: req}
	w.mu.Unlock()

	w.logger.Info("approval request created",
		zap.String("request_id", requestID),
		zap.String("action", action))

	out := snapshot(req)
	w.notify(func(o Observer) { o.OnCreated(ctx, out) })
	return out, nil
}

// Decide фиксирует решение оператора. Повторное решение отклоняется (идемпотентности нет).
func (w *Workflow) Decide(ctx context.Context, requestID string, decision domain.Decision, decidedBy, comment string) (domain.ApprovalRequest, error) {
	status, err := decision.Status()
	if err != nil {
		return domain.ApprovalRequest{}, fmt.Errorf("%w: decision %q", err, decision)
	}

	rec, err := w.lookup(requestID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}

	rec.mu.Lock()
	if w.expireIfDueLocked(rec) {
		expired := snapshot(rec.req)
		rec.mu.Unlock()
		w.onTerminal(ctx, expired)
		return expired, fmt.Errorf("%w: %w: %s", domain.ErrAlreadyDecided, domain.ErrExpired, requestID)
	}
	if err := rec.req.CanTransitionTo(status); err != nil {
		current := snapshot(rec.req)
		rec.mu.Unlock()
		return current, fmt.Errorf("%w: %s is %s", err, requestID, current.Status)
	}

	decidedAt := w.now().UTC()
	rec.req.Status = status
	rec.req.DecidedAt = &decidedAt
	rec.req.DecidedBy = decidedBy
	rec.req.Comment = comment
	out := snapshot(rec.req)
	rec.mu.Unlock()

	w.logger.Info("approval request decided",
		zap.String("request_id", requestID),
		zap.String("status", string(status)),
		zap.String("decided_by", decidedBy))

	w.onTerminal(ctx, out)
	return out, nil
}

// GetStatus возвращает текущее состояние заявки.
func (w *Workflow) GetStatus(ctx context.Context, requestID string) (domain.ApprovalRequest, error) {
	rec, err := w.lookup(requestID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}

	rec.mu.Lock()
	expired := w.expireIfDueLocked(rec)
	out := snapshot(rec.req)
	rec.mu.Unlock()

	if expired {
		w.onTerminal(ctx, out)
	}
	return out, nil
}

// Expire переводит pending-заявку в expired по внешнему таймеру.
// Гонка с Decide: кто первым зафиксировал переход, тот и прав.
func (w *Workflow) Expire(ctx context.Context, requestID string) (domain.ApprovalRequest, error) {
	rec, err := w.lookup(requestID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}

	rec.mu.Lock()
	if err := rec.req.CanTransitionTo(domain.StatusExpired); err != nil {
		current := snapshot(rec.req)
		rec.mu.Unlock()
		return current, fmt.Errorf("%w: %s is %s", err, requestID, current.Status)
	}
	w.markExpiredLocked(rec)
	out := snapshot(rec.req)
	rec.mu.Unlock()

	w.onTerminal(ctx, out)
	return out, nil
}

// ExpireDue прогоняет все pending-заявки и протухает просроченные. Возвращает их число.
func (w *Workflow) ExpireDue(ctx context.Context) int {
	w.mu.RLock()
	recs := make([]*record, 0, len(w.records))
	for _, rec := range w.records {
		recs = append(recs, rec)
	}
	w.mu.RUnlock()

	n := 0
	for _, rec := range recs {
		rec.mu.Lock()
		expired := w.expireIfDueLocked(rec)
		out := snapshot(rec.req)
		rec.mu.Unlock()
		if expired {
			n++
			w.onTerminal(ctx, out)
		}
	}
	if n > 0 {
		w.logger.Info("auto-expired approval requests", zap.Int("count", n))
	}
	return n
}

// Run запускает фоновый sweeper просроченных заявок. Без настроенного срока сразу выходит.
func (w *Workflow) Run(ctx context.Context, interval time.Duration) {
	if w.expiry <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("approval sweeper stopped")
			return
		case <-ticker.C:
			w.ExpireDue(ctx)
		}
	}
}

// MarkResumed ставит одноразовый флаг Resume.
// pending -> ErrNotDecided, повторный вызов -> ErrAlreadyResumed.
// Возвращает заявку в том состоянии, в котором ее нужно исполнить (или не исполнять).
func (w *Workflow) MarkResumed(ctx context.Context, requestID string) (domain.ApprovalRequest, error) {
	rec, err := w.lookup(requestID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}

	rec.mu.Lock()
	expired := w.expireIfDueLocked(rec)
	switch {
	case rec.req.Status == domain.StatusPending:
		rec.mu.Unlock()
		return domain.ApprovalRequest{}, fmt.Errorf("%w: %s", domain.ErrNotDecided, requestID)
	case rec.req.Resumed:
		rec.mu.Unlock()
		return domain.ApprovalRequest{}, fmt.Errorf("%w: %s", domain.ErrAlreadyResumed, requestID)
	}
	rec.req.Resumed = true
	out := snapshot(rec.req)
	rec.mu.Unlock()

	if expired {
		w.onTerminal(ctx, out)
	}
	return out, nil
}

// Counts считает заявки по статусам для статус-эндпоинта.
func (w *Workflow) Counts() domain.ApprovalCounts {
	var c domain.ApprovalCounts
	for _, req := range w.all() {
		switch req.Status {
		case domain.StatusPending:
			c.Pending++
		case domain.StatusApproved:
			c.Approved++
		case domain.StatusRejected:
			c.Rejected++
		case domain.StatusExpired:
			c.Expired++
		}
		c.Total++
	}
	if decided := c.Approved + c.Rejected + c.Expired; decided > 0 {
		c.ApprovalRate = float64(c.Approved) / float64(decided)
	}
	return c
}

// List — заявки с фильтром по статусу (пустой = все), новые первыми. limit <= 0 без ограничения.
func (w *Workflow) List(status domain.ApprovalStatus, limit int) []domain.ApprovalRequest {
	out := make([]domain.ApprovalRequest, 0)
	for _, req := range w.all() {
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].RequestID < out[j].RequestID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (w *Workflow) all() []domain.ApprovalRequest {
	w.mu.RLock()
	recs := make([]*record, 0, len(w.records))
	for _, rec := range w.records {
		recs = append(recs, rec)
	}
	w.mu.RUnlock()

	out := make([]domain.ApprovalRequest, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		out = append(out, snapshot(rec.req))
		rec.mu.Unlock()
	}
	return out
}

func (w *Workflow) lookup(requestID string) (*record, error) {
	w.mu.RLock()
	rec, ok := w.records[requestID]
	w.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrNotFound, requestID)
	}
	return rec, nil
}

// expireIfDueLocked вызывается под rec.mu.
func (w *Workflow) expireIfDueLocked(rec *record) bool {
	if rec.req.Status != domain.StatusPending || rec.req.ExpiresAt == nil {
		return false
	}
	if w.now().Before(*rec.req.ExpiresAt) {
		return false
	}
	w.markExpiredLocked(rec)
	return true
}

func (w *Workflow) markExpiredLocked(rec *record) {
	at := w.now().UTC()
	rec.req.Status = domain.StatusExpired
	rec.req.DecidedAt = &at
	rec.req.Comment = "expired"
	w.logger.Info("approval request expired", zap.String("request_id", rec.req.RequestID))
}

func (w *Workflow) onTerminal(ctx context.Context, req domain.ApprovalRequest) {
	w.notify(func(o Observer) { o.OnDecided(ctx, req) })
}

func (w *Workflow) notify(fn func(Observer)) {
	w.mu.RLock()
	observers := append([]Observer(nil), w.observers...)
	w.mu.RUnlock()
	for _, o := range observers {
		w.safeNotify(o, fn)
	}
}

// safeNotify: сбой наблюдателя логируется и не влияет на автомат.
func (w *Workflow) safeNotify(o Observer, fn func(Observer)) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("approval observer panicked", zap.Any("panic", r))
		}
	}()
	fn(o)
}

// snapshot отдает копию, чтобы вызывающий не мог изменить состояние заявки.
func snapshot(req domain.ApprovalRequest) domain.ApprovalRequest {
	req.Params = req.Params.Clone()
	if req.ExpiresAt != nil {
		t := *req.ExpiresAt
		req.ExpiresAt = &t
	}
	if req.DecidedAt != nil {
		t := *req.DecidedAt
		req.DecidedAt = &t
	}
	return req
}
