// Package web exposes the ledger services over JSON endpoints and streams
// transaction events to clients with server-sent events.
package web

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"

	"github.com/vadiminshakov/vault/internal/domain"
	"github.com/vadiminshakov/vault/internal/events"
	"github.com/vadiminshakov/vault/internal/services/withdrawal"
)

const (
	defaultHeartbeat = 30 * time.Second
	shutdownTimeout  = 5 * time.Second
	maxBodyBytes     = 1 << 20
)

type LedgerService interface {
	CreateAccount(ctx context.Context, ownerID string) (domain.Account, error)
	Account(ctx context.Context, accountID string) (domain.Account, error)
	GetBalance(ctx context.Context, accountID, asset string) (decimal.Decimal, error)
	History(ctx context.Context, accountID string) ([]domain.Transaction, error)
	Deposit(ctx context.Context, accountID, asset string, amount decimal.Decimal, ref string) (string, error)
}

type TransferService interface {
	Transfer(ctx context.Context, senderID, recipientRef, asset string, amount decimal.Decimal) (string, error)
}

type WithdrawalService interface {
	RequestWithdrawal(ctx context.Context, req withdrawal.Request) (string, error)
	Cancel(ctx context.Context, accountID, txID string) error
	Fail(ctx context.Context, txID, reason string) error
}

type ConversionService interface {
	Quote(ctx context.Context, from, to string, amount decimal.Decimal) (domain.Quote, error)
	Execute(ctx context.Context, accountID, from, to string, amount decimal.Decimal, quoteID string) (string, error)
}

type EventSource interface {
	Subscribe() chan events.TransactionEvent
	Unsubscribe(ch chan events.TransactionEvent)
	After(seq uint64) []events.TransactionEvent
}

// Services the handlers delegate to.
type Services struct {
	Ledger      LedgerService
	Transfers   TransferService
	Withdrawals WithdrawalService
	Conversions ConversionService
	Events      EventSource
}

// Server HTTP front of the ledger.
type Server struct {
	addr      string
	svc       Services
	logger    *zap.Logger
	heartbeat time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHeartbeat sets the SSE keep-alive period.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

// NewServer creates a server listening on addr.
func NewServer(addr string, svc Services, opts ...Option) *Server {
	s := &Server{
		addr:      addr,
		svc:       svc,
		logger:    zap.NewNop(),
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/accounts", func(r chi.Router) {
		r.Post("/", s.handleCreateAccount)
		r.Get("/{id}", s.handleGetAccount)
		r.Get("/{id}/balances/{asset}", s.handleGetBalance)
		r.Get("/{id}/transactions", s.handleHistory)
	})
	r.Post("/deposits", s.handleDeposit)
	r.Post("/transfers", s.handleTransfer)
	r.Route("/withdrawals", func(r chi.Router) {
		r.Post("/", s.handleRequestWithdrawal)
		r.Post("/{id}/cancel", s.handleCancelWithdrawal)
		r.Post("/{id}/fail", s.handleFailWithdrawal)
	})
	r.Post("/quotes", s.handleQuote)
	r.Post("/conversions", s.handleConvert)
	r.Get("/events/stream", s.handleEventStream)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("http server listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartWithAutoTLS runs an HTTPS server with automatic TLS certificates via ACME.
// It also starts an HTTP server on port 80 to handle ACME HTTP-01 challenges.
func (s *Server) StartWithAutoTLS(ctx context.Context, domains []string, cacheDir string) error {
	if len(domains) == 0 {
		return errors.New("no domains provided for automatic TLS")
	}
	if cacheDir == "" {
		cacheDir = "cert-cache"
	}

	manager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cacheDir),
	}

	httpSrv := &http.Server{
		Addr:              ":80",
		Handler:           manager.HTTPHandler(nil),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	tlsConfig := manager.TLSConfig()
	tlsConfig.MinVersion = tls.VersionTLS12

	httpsSrv := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
		TLSConfig:         tlsConfig,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("acme http server shutdown", zap.Error(err))
		}
		if err := httpsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("https server shutdown", zap.Error(err))
		}
	}()

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("acme http server", zap.Error(err))
		}
	}()

	s.logger.Info("https server listening", zap.String("addr", s.addr), zap.Strings("domains", domains))
	if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
