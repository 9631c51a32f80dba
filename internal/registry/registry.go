package registry

/*
Файл registry.go реализует реестр действий (Action Registry).

- Ключ: имя действия, точное совпадение с учетом регистра.
- Повторная регистрация перезаписывает дескриптор (last-write-wins) и сбрасывает статистику.
- Чтения безопасны параллельно с записью: RWMutex, Hot Path берет только RLock.
- Листинг никогда не отдает ссылку на Handler.
*/

import (
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
)

type entry struct {
	desc   domain.ActionDescriptor
	schema *gojsonschema.Schema

	execCount  atomic.Int64
	execTotal  atomic.Int64 // наносекунды
	lastExecNs atomic.Int64 // unix nano, 0: ни разу
}

type Registry struct {
	mu      sync.RWMutex
	actions map[string]*entry
	logger  *zap.Logger
	now     func() time.Time
}

func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		actions: make(map[string]*entry),
		logger:  logger.Named("registry"),
		now:     time.Now,
	}
}

// Option — необязательные метаданные действия.
type Option func(*domain.ActionDescriptor)

// WithSchema задает JSON Schema для параметров действия.
func WithSchema(schema []byte) Option {
	return func(d *domain.ActionDescriptor) {
		d.Schema = append([]byte(nil), schema...)
	}
}

// Register сохраняет или перезаписывает дескриптор для name.
func (r *Registry) Register(name, description string, requiresApproval bool, handler domain.Handler, opts ...Option) error {
	if name == "" {
		return errors.New("registry: action name is required")
	}
	if handler == nil {
		return fmt.Errorf("registry: handler for %q is nil", name)
	}

	desc := domain.ActionDescriptor{
		Name:             name,
		Description:      description,
		RequiresApproval: requiresApproval,
		Handler:          handler,
		RegisteredAt:     r.now().UTC(),
	}
	for _, opt := range opts {
		opt(&desc)
	}

	e := &entry{desc: desc}
	if len(desc.Schema) > 0 {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(desc.Schema))
		if err != nil {
			return fmt.Errorf("registry: invalid schema for %q: %w", name, err)
		}
		e.schema = schema
	}

	r.mu.Lock()
	_, exists := r.actions[name]
	r.actions[name] = e
	r.mu.Unlock()

	if exists {
		r.logger.Warn("overwriting existing action", zap.String("action", name))
	}
	r.logger.Info("action registered",
		zap.String("action", name),
		zap.String("description", description),
		zap.Bool("requires_approval", requiresApproval))
	return nil
}

// Get возвращает копию дескриптора или ErrUnknownAction.
func (r *Registry) Get(name string) (domain.ActionDescriptor, error) {
	r.mu.RLock()
	e, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return domain.ActionDescriptor{}, fmt.Errorf("%w: %s", domain.ErrUnknownAction, name)
	}
	return e.desc, nil
}

// List — ленивая, конечная и перезапускаемая последовательность публичных метаданных.
// Снимок делается при каждом новом проходе, порядок по имени.
func (r *Registry) List() iter.Seq[domain.ActionInfo] {
	return func(yield func(domain.ActionInfo) bool) {
		r.mu.RLock()
		infos := make([]domain.ActionInfo, 0, len(r.actions))
		for _, e := range r.actions {
			infos = append(infos, e.desc.Info())
		}
		r.mu.RUnlock()

		sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
		for _, info := range infos {
			if !yield(info) {
				return
			}
		}
	}
}

// Unregister удаляет действие. false, если его не было.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	_, ok := r.actions[name]
	delete(r.actions, name)
	r.mu.Unlock()

	if ok {
		r.logger.Info("action unregistered", zap.String("action", name))
	}
	return ok
}

// ValidateParams проверяет параметры по схеме действия (если схема задана).
func (r *Registry) ValidateParams(name string, params domain.Params) error {
	r.mu.RLock()
	e, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrUnknownAction, name)
	}
	if e.schema == nil {
		return nil
	}

	doc := map[string]any(params)
	if doc == nil {
		doc = map[string]any{}
	}
	result, err := e.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidParams, err)
	}
	if result.Valid() {
		return nil
	}
	if len(result.Errors()) == 0 {
		return fmt.Errorf("%w: schema validation failed", domain.ErrInvalidParams)
	}
	return fmt.Errorf("%w: %s", domain.ErrInvalidParams, result.Errors()[0].String())
}

// RecordExecution учитывает одно исполнение действия.
func (r *Registry) RecordExecution(name string, took time.Duration) {
	r.mu.RLock()
	e, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return
	}
	e.execCount.Add(1)
	e.execTotal.Add(int64(took))
	e.lastExecNs.Store(r.now().UnixNano())
}

func (e *entry) stats() domain.ActionStats {
	s := domain.ActionStats{
		Name:               e.desc.Name,
		ExecutionCount:     e.execCount.Load(),
		TotalExecutionTime: time.Duration(e.execTotal.Load()),
	}
	if s.ExecutionCount > 0 {
		s.AvgExecutionTime = s.TotalExecutionTime / time.Duration(s.ExecutionCount)
	}
	if ns := e.lastExecNs.Load(); ns != 0 {
		t := time.Unix(0, ns).UTC()
		s.LastExecution = &t
	}
	return s
}

// ActionStats отдает статистику одного действия.
func (r *Registry) ActionStats(name string) (domain.ActionStats, error) {
	r.mu.RLock()
	e, ok := r.actions[name]
	r.mu.RUnlock()
	if !ok {
		return domain.ActionStats{}, fmt.Errorf("%w: %s", domain.ErrUnknownAction, name)
	}
	return e.stats(), nil
}

// Stats считает агрегат по всем действиям.
func (r *Registry) Stats() domain.RegistryStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := domain.RegistryStats{TotalActions: len(r.actions)}
	for _, e := range r.actions {
		out.TotalExecutions += e.execCount.Load()
		out.TotalExecutionTime += time.Duration(e.execTotal.Load())
	}
	if out.TotalExecutions > 0 {
		out.AvgExecutionTime = out.TotalExecutionTime / time.Duration(out.TotalExecutions)
	}
	return out
}
