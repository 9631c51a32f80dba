package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/mcp-action-gateway/internal/domain"
	"github.com/xela07ax/mcp-action-gateway/internal/engine"
	"github.com/xela07ax/mcp-action-gateway/internal/infra/auth"
	"github.com/xela07ax/mcp-action-gateway/internal/server/handler"
)

// GatewayServer — HTTP-поверхность шлюза над engine.Dispatcher.
type GatewayServer struct {
	router *chi.Mux
	logger *zap.Logger

	// nil: решения по заявкам принимаются без токена
	authValidator auth.TokenValidator
	gatherer      prometheus.Gatherer

	actionHandler   *handler.ActionHandler   // /api/action, /api/actions
	approvalHandler *handler.ApprovalHandler // /api/approval(s) (HITL)
	webhookHandler  *handler.WebhookHandler  // /api/webhook/{source}
	statusHandler   *handler.StatusHandler   // /api/status, /api/result
}

type Option func(*GatewayServer)

// WithAuth закрывает решения по заявкам RS256 токеном со scope approvals:decide.
func WithAuth(v auth.TokenValidator) Option {
	return func(s *GatewayServer) { s.authValidator = v }
}

// WithMetricsGatherer — откуда /metrics берет метрики (по умолчанию глобальный реестр).
func WithMetricsGatherer(g prometheus.Gatherer) Option {
	return func(s *GatewayServer) { s.gatherer = g }
}

func NewGatewayServer(
	logger *zap.Logger,
	actionH *handler.ActionHandler,
	approvalH *handler.ApprovalHandler,
	webhookH *handler.WebhookHandler,
	statusH *handler.StatusHandler,
	opts ...Option,
) *GatewayServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GatewayServer{
		router:          chi.NewRouter(),
		logger:          logger.Named("gateway-api"),
		gatherer:        prometheus.DefaultGatherer,
		actionHandler:   actionH,
		approvalHandler: approvalH,
		webhookHandler:  webhookH,
		statusHandler:   statusH,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

func (s *GatewayServer) routes() {
	r := s.router

	// --- 1. Глобальные инфраструктурные Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(engine.TracingMiddleware)

	// --- 2. Служебные роуты ---
	r.Get("/health", handler.Health)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.statusHandler.Status)
		r.Get("/stats", s.statusHandler.Stats)
		r.Get("/result/{id}", s.statusHandler.Result)

		// Действия
		r.Get("/actions", s.actionHandler.List)
		r.Post("/action/{name}", s.actionHandler.Execute)

		// Вебхуки (Make.com, Zapier): подпись проверяет ядро
		r.Post("/webhook/{source}", s.webhookHandler.Receive)

		// Human-in-the-loop
		r.Get("/approvals", s.approvalHandler.List)
		r.Route("/approval/{id}", func(r chi.Router) {
			r.Get("/", s.approvalHandler.GetDetails)
			r.Group(func(r chi.Router) {
				if s.authValidator != nil {
					r.Use(auth.NewMiddleware(s.authValidator, domain.ScopeApprovalsDecide, s.logger))
				}
				r.Post("/", s.approvalHandler.Decide)
				r.Post("/resume", s.approvalHandler.Resume)
			})
		})
	})
}

// ServeHTTP позволяет использовать GatewayServer как стандартный http.Handler
func (s *GatewayServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
