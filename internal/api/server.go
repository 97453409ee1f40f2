package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"WalletPilot/internal/agent"
	"WalletPilot/internal/limits"
	"WalletPilot/internal/observability/metrics"
	"WalletPilot/internal/storage"
	"WalletPilot/internal/web3"
	"WalletPilot/pkg/logger"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

// Chat 是对话入口，由 agent.Agent 实现。
type Chat interface {
	HandleMessage(ctx context.Context, req agent.Request) (*agent.Response, error)
	ClearConversation(ctx context.Context, key string) error
}

// LimitsService 是限额查询与维护接口，由 limits.Guard 实现。
type LimitsService interface {
	Get(ctx context.Context, address string) (limits.Limits, error)
	Update(ctx context.Context, address string, patch limits.Patch) (limits.Limits, error)
	Reset(ctx context.Context, address string) (limits.Limits, error)
	Check(ctx context.Context, address string, amount decimal.Decimal, to string) limits.Verdict
}

// Balances 查询地址在各代币上的余额。
type Balances interface {
	GetBalance(ctx context.Context, address string) (map[string]string, error)
}

// Transactions 读取地址相关的交易记录。
type Transactions interface {
	ListTransactions(ctx context.Context, address string, limit int) ([]storage.Transaction, error)
}

// ChainStatus 提供链的概要信息。
type ChainStatus interface {
	FetchChainSnapshot(ctx context.Context) (web3.ChainSnapshot, error)
}

// Dependencies 汇总 API 依赖的服务，未配置的能力对应接口返回 503。
type Dependencies struct {
	Chat         Chat
	Limits       LimitsService
	Users        storage.UserStore
	Transactions Transactions
	Balances     Balances
	Chain        ChainStatus
	Tokens       *web3.Registry
}

// Server 负责暴露 REST 接口，供前端驱动钱包助手。
type Server struct {
	addr           string
	deps           Dependencies
	allowedOrigins []string
	metricsEnabled bool
	log            *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithAllowedOrigins 设置允许跨域访问的来源，"*" 表示全部。
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = append([]string(nil), origins...)
	}
}

// WithMetrics 控制是否记录 HTTP 指标并暴露 /metrics。
func WithMetrics(enabled bool) Option {
	return func(s *Server) {
		s.metricsEnabled = enabled
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, deps Dependencies, opts ...Option) *Server {
	s := &Server{
		addr:           addr,
		deps:           deps,
		metricsEnabled: true,
		log:            logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回挂载了全部路由与中间件的 chi 路由器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chimiddleware.Recoverer)
	if len(s.allowedOrigins) > 0 {
		r.Use(cors(s.allowedOrigins))
	}
	if s.metricsEnabled {
		r.Use(metrics.Middleware)
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", s.handleChat)
		r.Get("/status", s.handleStatus)

		r.Route("/limits/{address}", func(r chi.Router) {
			r.Get("/", s.handleGetLimits)
			r.Put("/", s.handleUpdateLimits)
			r.Delete("/", s.handleResetLimits)
			r.Post("/check", s.handleCheckLimits)
		})

		r.Post("/contacts", s.handleSaveContact)
		r.Get("/contacts/{email}", s.handleGetContact)
		r.Get("/users", s.handleListUsers)

		r.Get("/balances/{address}", s.handleBalances)
		r.Get("/transactions/{address}", s.handleTransactions)

		r.Delete("/conversations/{key}", s.handleClearConversation)
	})
	return r
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeFailure(w, http.StatusServiceUnavailable, "服务已关闭", nil)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		reqLog := s.log.With(slog.String("request_id", chimiddleware.GetReqID(r.Context())))
		next.ServeHTTP(ww, r.WithContext(logger.WithContext(r.Context(), reqLog)))
		reqLog.Debug("请求完成",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// cors 按来源白名单设置跨域响应头，仅显式来源允许携带凭证。
func cors(allowed []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				explicit, wildcard := false, false
				for _, o := range allowed {
					switch o {
					case "*":
						wildcard = true
					case origin:
						explicit = true
					}
				}
				if explicit || wildcard {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Request-Id")
					w.Header().Add("Vary", "Origin")
				}
				if explicit {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
