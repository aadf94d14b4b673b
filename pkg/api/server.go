// Package api serves a small local HTTP API for inspecting the device: its
// key material status, synchronized app state and pre-key supply.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ZentaChain/wamd/pkg/appstate"
	"github.com/ZentaChain/wamd/pkg/keystore"
	"github.com/ZentaChain/wamd/pkg/log"
)

// maxPreKeyBatch bounds POST /api/v1/prekeys.
const maxPreKeyBatch = 812

// DeviceStore persists the key store after pre-keys are added.
type DeviceStore interface {
	SaveKeyStore(keystore.State) error
}

// ConnState reports the live connection, when there is one.
type ConnState interface {
	IsConnected() bool
	IsAuthenticated() bool
}

// Server is the HTTP status API.
type Server struct {
	keys     *keystore.KeyStore
	appState *appstate.Manager
	store    DeviceStore
	conn     ConnState

	router     *gin.Engine
	addr       string
	httpServer *http.Server
	startedAt  time.Time
	logger     *zap.Logger
}

// Config holds server configuration.
type Config struct {
	Addr         string
	APIKey       string
	EnableCORS   bool
	RateLimit    int // Requests per minute per client IP; 0 disables limiting
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "127.0.0.1:8080",
		RateLimit:    100,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
}

// NewServer creates the API server. store and conn may be nil.
func NewServer(ks *keystore.KeyStore, m *appstate.Manager, store DeviceStore, conn ConnState, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	s := &Server{
		keys:      ks,
		appState:  m,
		store:     store,
		conn:      conn,
		router:    router,
		addr:      config.Addr,
		startedAt: time.Now(),
		logger:    log.Named("api"),
	}
	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.setupMiddleware(config)
	s.setupRoutes(config)
	return s
}

func (s *Server) setupMiddleware(config *Config) {
	s.router.Use(RecoveryMiddleware(s.logger))
	s.router.Use(LoggingMiddleware(s.logger))
	if config.EnableCORS {
		s.router.Use(CORSMiddleware())
	}
	if config.RateLimit > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(config.RateLimit)))
	}
}

func (s *Server) setupRoutes(config *Config) {
	v1 := s.router.Group("/api/v1")
	if config.APIKey != "" {
		v1.Use(AuthMiddleware(map[string]bool{config.APIKey: true}))
	}
	{
		v1.GET("/device", s.handleDevice)
		v1.POST("/prekeys", s.handleAddPreKeys)

		as := v1.Group("/appstate")
		{
			as.GET("", s.handleAppState)
			as.GET("/:name", s.handleAppStateEntry)
		}
	}

	s.router.GET("/health", s.handleHealth)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status API listening", zap.String("addr", s.addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down status API")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
