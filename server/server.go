// Package server exposes the facilitator over HTTP with gin.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/gin-gonic/gin"

	x402x "github.com/x402x/facilitator"
	"github.com/x402x/facilitator/fee"
)

// Facilitator is the payment core behind /verify, /settle and /supported.
// *x402x.Facilitator satisfies it.
type Facilitator interface {
	Verify(ctx context.Context, req x402x.VerifyRequest) (x402x.VerifyResponse, error)
	Settle(ctx context.Context, req x402x.SettleRequest) (x402x.SettleResponse, error)
	GetSupported() x402x.SupportedResponse
}

// FeeQuoter answers /min-facilitator-fee.
type FeeQuoter interface {
	CalculateMinFee(ctx context.Context, network x402x.Network, hook common.Address, hookData []byte) (fee.Quote, error)
}

// HookChecker reports whether a hook may be used on a network.
type HookChecker interface {
	CheckHook(network x402x.Network, hook common.Address) error
}

// Metrics records request outcomes and serves the scrape endpoint.
type Metrics interface {
	Request(route string, code int)
	Handler() http.Handler
}

// Config holds listener settings and per-route deadlines.
type Config struct {
	Addr              string
	ReadHeaderTimeout time.Duration
	VerifyTimeout     time.Duration
	SettleTimeout     time.Duration
	QuoteTimeout      time.Duration
}

// DefaultConfig listens on :3000 with the settle deadline above the
// executor's confirmation cap.
func DefaultConfig() Config {
	return Config{
		Addr:              ":3000",
		ReadHeaderTimeout: 15 * time.Second,
		VerifyTimeout:     30 * time.Second,
		SettleTimeout:     3 * time.Minute,
		QuoteTimeout:      10 * time.Second,
	}
}

// Deps are the collaborators served by the HTTP layer. Metrics may be nil.
type Deps struct {
	Facilitator Facilitator
	Fees        FeeQuoter
	Hooks       HookChecker
	Metrics     Metrics
}

// Server wraps the gin engine and its http.Server.
type Server struct {
	cfg        Config
	deps       Deps
	engine     *gin.Engine
	httpServer *http.Server
	logger     log.Logger
}

// New builds the router. Call Start to listen.
func New(cfg Config, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		engine: gin.New(),
		logger: log.New("component", "http"),
	}
	s.engine.Use(gin.Recovery(), s.observe())

	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/supported", s.handleSupported)
	s.engine.POST("/verify", s.handleVerify)
	s.engine.POST("/settle", s.handleSettle)
	s.engine.GET("/min-facilitator-fee", s.handleMinFee)
	if deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.engine,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Handler returns the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve accepts connections on l until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.logger.Info("HTTP server listening", "addr", l.Addr().String())
	if err := s.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start listens on the configured address until Shutdown.
func (s *Server) Start() error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		code := c.Writer.Status()
		if s.deps.Metrics != nil && route != "/metrics" {
			s.deps.Metrics.Request(route, code)
		}
		s.logger.Debug("HTTP request", "method", c.Request.Method, "route", route, "code", code, "elapsed", time.Since(start))
	}
}

func retryAfterSeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func setRetryAfter(c *gin.Context, d time.Duration) int {
	secs := retryAfterSeconds(d)
	c.Header("Retry-After", strconv.Itoa(secs))
	return secs
}
