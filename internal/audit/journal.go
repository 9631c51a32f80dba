package audit

/*
Файл journal.go реализует журнал аудита диспетчера (Audit Trail) каждого dispatch/resume.

- Non-blocking Logging: события уходят в буферизированный канал, Hot Path не ждет БД.
- Batching: пачка пишется по таймеру или при достижении batchSize.
- Drain Pattern: Stop закрывает вход, воркер вычитывает остатки и делает финальный flush.
- Запись пачки повторяется через retry-go: это журнал, а не обработчик действия,
  повторная вставка пачки безопасна.
*/

import (
	"context"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"go.uber.org/zap"
)

const (
	defaultBufferSize    = 10000
	defaultFlushInterval = 500 * time.Millisecond
	batchSize            = 100
)

// StorageInterface определяет, куда физически будут сохраняться события
type StorageInterface interface {
	// WriteBatch сохраняет пачку событий за один раз
	WriteBatch(ctx context.Context, events []AuditEvent) error
}

type Auditor interface {
	Log(event AuditEvent)
}

// BufferGauge — заполненность буфера (prometheus.Gauge подходит).
type BufferGauge interface {
	Set(float64)
}

type Journal struct {
	ch            chan AuditEvent
	repo          StorageInterface
	logger        *zap.Logger
	gauge         BufferGauge
	flushInterval time.Duration
	attempts      uint

	wg     sync.WaitGroup
	mu     sync.RWMutex // защищает closed и close(ch) от гонки с Log
	closed bool
}

type Option func(*Journal)

func WithBufferSize(n int) Option {
	return func(j *Journal) {
		if n > 0 {
			j.ch = make(chan AuditEvent, n)
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(j *Journal) {
		if d > 0 {
			j.flushInterval = d
		}
	}
}

func WithBufferGauge(g BufferGauge) Option {
	return func(j *Journal) { j.gauge = g }
}

func NewJournal(repo StorageInterface, logger *zap.Logger, opts ...Option) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	j := &Journal{
		ch:            make(chan AuditEvent, defaultBufferSize),
		repo:          repo,
		logger:        logger.With(zap.String("mod", "audit")),
		flushInterval: defaultFlushInterval,
		attempts:      3,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func (j *Journal) Start() {
	j.wg.Add(1)
	go j.worker()
}

// Stop «запирает» вход в канал и ждет, пока воркер всё допишет.
func (j *Journal) Stop() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.logger.Info("stopping audit journal: closing channel and flushing buffer...")
	close(j.ch)
	j.mu.Unlock()

	j.wg.Wait()
	j.logger.Info("audit journal stopped gracefully")
}

func (j *Journal) Log(event AuditEvent) {
	// Убеждаемся, что таймстемп всегда проставлен
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.logger.Warn("audit event dropped: journal is stopping", zap.String("id", event.ID))
		return
	}

	// Load Shedding: при переполнении не блокируемся
	select {
	case j.ch <- event:
		if j.gauge != nil {
			j.gauge.Set(float64(len(j.ch)))
		}
	default:
		j.logger.Error("audit_buffer_overflow",
			zap.String("request_id", event.RequestID),
			zap.String("action", event.Action),
			zap.String("status", event.Status),
		)
	}
}

func (j *Journal) worker() {
	defer j.wg.Done()

	batch := make([]AuditEvent, 0, batchSize)
	ticker := time.NewTicker(j.flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// Background: основной контекст к моменту финального flush уже может быть закрыт
		ctx := context.Background()
		err := retry.New(
			retry.Context(ctx),
			retry.Attempts(j.attempts),
		).Do(func() error {
			return j.repo.WriteBatch(ctx, batch)
		})
		if err != nil {
			j.logger.Error("audit flush failed", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
		if j.gauge != nil {
			j.gauge.Set(float64(len(j.ch)))
		}
	}

	for {
		select {
		case event, ok := <-j.ch:
			if !ok {
				// Канал закрыт в Stop(): остатки уже вычитаны, финальный сброс
				flush()
				j.logger.Info("audit worker finished")
				return
			}
			batch = append(batch, event)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}
