package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

// AutoResumer — наблюдатель Workflow: как только заявка вышла из pending,
// запускает Dispatcher.Resume в фоне. Отложенный конверт уходит в ResultSink'и.
type AutoResumer struct {
	dispatcher *Dispatcher
	logger     *zap.Logger

	// базовый контекст фоновых Resume: отмена при остановке процесса
	ctx context.Context

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewAutoResumer(ctx context.Context, d *Dispatcher, logger *zap.Logger) *AutoResumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoResumer{dispatcher: d, logger: logger.Named("auto-resume"), ctx: ctx}
}

func (a *AutoResumer) OnCreated(context.Context, domain.ApprovalRequest) {}

func (a *AutoResumer) OnDecided(_ context.Context, req domain.ApprovalRequest) {
	if !req.Status.IsTerminal() || req.Resumed {
		return
	}
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		// флаг Resumed не тронут: заявку можно возобновить вручную после рестарта
		a.logger.Warn("auto-resume stopped, request left for manual resume",
			zap.String("request_id", req.RequestID))
		return
	}
	a.wg.Add(1)
	a.mu.Unlock()

	// ctx вызывающего (HTTP-запрос оператора) закончится раньше исполнения
	go func() {
		defer a.wg.Done()
		env := a.dispatcher.Resume(a.ctx, req.RequestID)
		if IsRefusal(env) {
			// ручной Resume успел раньше, это нормально
			a.logger.Debug("auto-resume skipped",
				zap.String("request_id", req.RequestID),
				zap.String("code", env.Error.Code))
			return
		}
		a.logger.Info("auto-resumed approval request",
			zap.String("request_id", req.RequestID),
			zap.String("status", string(env.Status)))
	}()
}

// Wait дожидается всех запущенных Resume (тесты).
func (a *AutoResumer) Wait() {
	a.wg.Wait()
}

// Stop перестает принимать новые решения и дожидается уже запущенных Resume.
func (a *AutoResumer) Stop() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.wg.Wait()
}
