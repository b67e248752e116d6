package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"bundler/internal/chain"
	"bundler/internal/config"
	"bundler/internal/entrypoint"
	"bundler/internal/executor"
	"bundler/internal/relayer"
	"bundler/internal/store"
)

type Sender interface {
	SendTransaction(ctx context.Context, op entrypoint.UserOperation, opHash string, chainID uint64) (*executor.Result, error)
}

type Chains interface {
	Get(chainID uint64) (*chain.Chain, error)
}

type Relayers interface {
	Snapshot() []relayer.Status
}

type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	sender     Sender
	chains     Chains
	relayers   Relayers
	journal    store.Journal
	receipts   *bigcache.BigCache
	entryPoint common.Address
	jwtSecret  []byte
}

func NewServer(cfg *config.Config, logger *slog.Logger, sender Sender, chains Chains, relayers Relayers, journal store.Journal, receipts *bigcache.BigCache) *Server {
	s := &Server{
		cfg:        cfg,
		logger:     logger,
		sender:     sender,
		chains:     chains,
		relayers:   relayers,
		journal:    journal,
		receipts:   receipts,
		entryPoint: cfg.EntryPointAddress(),
	}
	if cfg.API.JWTSecretEnv != "" {
		if secret := strings.TrimSpace(os.Getenv(cfg.API.JWTSecretEnv)); secret != "" {
			s.jwtSecret = []byte(secret)
		}
	}
	return s
}

// NewReceiptCache builds the cache used for final receipts.
func NewReceiptCache(ctx context.Context, ttl time.Duration) (*bigcache.BigCache, error) {
	return bigcache.New(ctx, bigcache.Config{
		Shards:             64,
		LifeWindow:         ttl,
		CleanWindow:        time.Minute,
		MaxEntriesInWindow: 10 * 60 * 10,
		MaxEntrySize:       2048,
		HardMaxCacheSize:   64,
	})
}

func (s *Server) Handler() http.Handler {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.Debug("http request", "method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency.String())
			return nil
		},
	}))

	e.GET("/health", s.handleHealth)
	e.GET("/relayers", s.withAuth(s.handleRelayers))
	e.POST("/api/v1/:chainId", s.withAuth(s.handleRPC))
	return e
}

func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.API.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctxTimeout)
	}()
	s.logger.Info("api listening", "addr", s.cfg.API.Listen)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// withAuth accepts the static token in X-API-Key or as a bearer token. When a
// JWT secret is configured, bearer tokens may instead be HS256 JWTs signed
// with it.
func (s *Server) withAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.cfg.API.AuthToken == "" && len(s.jwtSecret) == 0 {
			return next(c)
		}
		req := c.Request()
		token := req.Header.Get("X-API-Key")
		if token == "" {
			auth := req.Header.Get("Authorization")
			if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
				token = strings.TrimSpace(auth[7:])
			}
		}
		if token == "" || !s.authorized(token) {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		return next(c)
	}
}

func (s *Server) authorized(token string) bool {
	if s.cfg.API.AuthToken != "" && token == s.cfg.API.AuthToken {
		return true
	}
	if len(s.jwtSecret) == 0 {
		return false
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		s.logger.Debug("jwt rejected", "error", err)
		return false
	}
	return parsed.Valid
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRelayers(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{"relayers": s.relayers.Snapshot()})
}

func (s *Server) handleRPC(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil || len(body) == 0 {
		return s.writeError(c, nil, newError(CodeInvalidRequest, "empty body"))
	}
	var req request
	if err := json.Unmarshal(body, &req); err != nil {
		return s.writeError(c, nil, newError(CodeInvalidRequest, "Invalid JSON RPC request"))
	}
	if err := req.check(); err != nil {
		return s.writeError(c, req.ID, err)
	}
	if _, ok := paramsShape(req.Params); !ok {
		return s.writeError(c, req.ID, newError(CodeInvalidParams, "Invalid params"))
	}
	chainID, err := strconv.ParseUint(c.Param("chainId"), 10, 64)
	if err != nil {
		return s.writeError(c, req.ID, newError(CodeInvalidParams, "chainId must be a positive integer"))
	}
	ch, err := s.chains.Get(chainID)
	if err != nil {
		return s.writeError(c, req.ID, err)
	}
	fn, ok := s.methods()[req.Method]
	if !ok {
		return s.writeError(c, req.ID, newError(CodeMethodNotFound, "Unsupported rpc method"))
	}
	result, err := fn(c.Request().Context(), ch, req.Params)
	if err != nil {
		return s.writeError(c, req.ID, err)
	}
	return c.JSON(http.StatusOK, response{JSONRPC: "2.0", ID: normalizeID(req.ID), Result: result})
}

func (s *Server) writeError(c echo.Context, id json.RawMessage, err error) error {
	rpcErr, status := toRPCError(err, s.logger)
	return c.JSON(status, errorResponse{JSONRPC: "2.0", ID: normalizeID(id), Error: rpcErr})
}

func normalizeID(id json.RawMessage) json.RawMessage {
	if len(id) == 0 {
		return json.RawMessage("null")
	}
	return id
}
