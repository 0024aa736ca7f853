package server

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/maniabrasil/raspadinha-rgs/cashback"
	"github.com/maniabrasil/raspadinha-rgs/config"
	"github.com/maniabrasil/raspadinha-rgs/gamemath"
	"github.com/maniabrasil/raspadinha-rgs/games"
	"github.com/maniabrasil/raspadinha-rgs/probability"
	"github.com/maniabrasil/raspadinha-rgs/round"
	"github.com/maniabrasil/raspadinha-rgs/wallet"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	playerHeader = "X-Player-ID"
	authorHeader = "X-Admin-User"
	playerKey    = "playerId"
)

// Deps are the services the HTTP API is built on. DB is nil when state is
// kept in files.
type Deps struct {
	Config   *config.Config
	Catalog  *games.Registry
	Tables   *probability.Store
	Rounds   *round.Service
	Wallet   *wallet.Service
	Cashback *cashback.Aggregator
	DB       *sql.DB
	Log      *zap.Logger
}

type Server struct {
	cfg      *config.Config
	catalog  *games.Registry
	tables   *probability.Store
	rounds   *round.Service
	wallet   *wallet.Service
	cashback *cashback.Aggregator
	db       *sql.DB
	log      *zap.Logger
	router   *gin.Engine
}

func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:      d.Config,
		catalog:  d.Catalog,
		tables:   d.Tables,
		rounds:   d.Rounds,
		wallet:   d.Wallet,
		cashback: d.Cashback,
		db:       d.DB,
		log:      log,
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), cors())
	r.GET("/health", s.health)

	player := r.Group("/rgs")
	player.GET("/games", s.listGames)
	player.GET("/games/:gameKey/prizes", s.listPrizes)
	player.Use(requirePlayer())
	player.POST("/rounds", s.createRound)
	player.GET("/rounds/:roundId", s.getRound)
	player.POST("/rounds/:roundId/reveal", s.revealCell)
	player.POST("/rounds/:roundId/finalize", s.finalizeRound)
	player.GET("/wallet/balance", s.getBalance)

	admin := r.Group("/rgs/admin", s.requireAdmin())
	admin.GET("/games/:gameKey/probabilities", s.getProbabilities)
	admin.PUT("/games/:gameKey/probabilities", s.putProbabilities)
	admin.POST("/games/:gameKey/probabilities/distribute-equally", s.distributeEqually)
	admin.POST("/games/:gameKey/probabilities/distribute-sweepstake", s.distributeSweepstake)
	admin.POST("/games/:gameKey/probabilities/reset-defaults", s.resetDefaults)
	admin.GET("/games/:gameKey/audit-log", s.auditLog)
	admin.POST("/games/:gameKey/active", s.setActive)
	admin.POST("/wallet/deposit", s.deposit)
	admin.POST("/wallet/withdraw", s.withdraw)
	admin.POST("/cashback/compute", s.computeCashback)
	admin.POST("/cashback/process", s.processCashback)
	admin.POST("/rounds/sweep", s.sweepRounds)
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves until ctx is done, then drains in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	port := s.cfg.RGSPort
	if port <= 0 {
		port = 8081
	}
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("RGS listening", zap.String("addr", srv.Addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+playerHeader+", "+authorHeader)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger logs method, path, status and latency (no body or secrets).
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Info("RGS request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// requirePlayer reads the player identity set by the upstream gateway.
func requirePlayer() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(playerHeader))
		if id == "" {
			writeError(c, http.StatusUnauthorized, "missing "+playerHeader+" header", "UNAUTHORIZED")
			return
		}
		c.Set(playerKey, id)
		c.Next()
	}
}

func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if s.cfg.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			writeError(c, http.StatusUnauthorized, "admin token required", "UNAUTHORIZED")
			return
		}
		c.Next()
	}
}

func author(c *gin.Context) string {
	if a := strings.TrimSpace(c.GetHeader(authorHeader)); a != "" {
		return a
	}
	return "admin"
}

// modeParam reads ?mode=, defaulting to real.
func modeParam(c *gin.Context) (gamemath.Mode, bool) {
	m, err := gamemath.ParseMode(c.DefaultQuery("mode", string(gamemath.ModeReal)))
	if err != nil {
		writeError(c, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
		return "", false
	}
	return m, true
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "rgs"})
}
