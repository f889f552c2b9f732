// Package adminapi is the gin-based HTTP status/control surface for a
// validator node (GET /status, GET /metrics, POST /view-change),
// adapted from the teacher's gin.Default()-based API servers
// (cmd/simple-api/main.go, internal/grpc/admin_service.go) but serving
// this engine's own consensus state instead of anomaly-detection data.
package adminapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/meridianchain/pbft/internal/agent"
	"github.com/meridianchain/pbft/internal/apiresponse"
	"github.com/meridianchain/pbft/internal/auth"
	"github.com/meridianchain/pbft/internal/config"
	"github.com/meridianchain/pbft/internal/middleware"
	"github.com/meridianchain/pbft/internal/pbft"
)

// Server wraps the gin engine and its dependencies.
type Server struct {
	router  *gin.Engine
	state   *pbft.State
	agent   *agent.Agent
	auth    *auth.Service
	logger  *zap.Logger
	addr    string
}

// NewServer builds the admin API router, wiring middleware in the
// teacher's order: recovery (gin.Default's built-in), rate limit,
// auth, then route handlers.
func NewServer(cfg config.AdminConfig, rl config.RateLimitConfig, state *pbft.State, ag *agent.Agent, authService *auth.Service, logger *zap.Logger) *Server {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RateLimit(rl))
	router.Use(middleware.Auth(authService))

	s := &Server{router: router, state: state, agent: ag, auth: authService, logger: logger, addr: ":" + strconv.Itoa(cfg.Port)}

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/status", middleware.RequireRole("read"), s.handleStatus)
	router.POST("/view-change", middleware.RequireRole("write"), s.handleViewChange)

	return s
}

// Run starts the HTTP server and blocks until it exits.
func (s *Server) Run() error {
	s.logger.Info("admin api listening", zap.String("addr", s.addr))
	return s.router.Run(s.addr)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, apiresponse.Ok(gin.H{"status": "healthy"}))
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.state.Snapshot()
	c.JSON(http.StatusOK, apiresponse.Ok(gin.H{
		"view":                    snap.View,
		"seq_num":                 snap.SeqNum,
		"phase":                   snap.Phase.String(),
		"mode":                    snap.Mode.String(),
		"target_view":             snap.TargetView,
		"finishing_catchup_again": snap.FinishingCatchupAgain,
		"peers":                   len(s.agent.ActivePeers()),
	}))
}

func (s *Server) handleViewChange(c *gin.Context) {
	target := s.state.Snapshot().View + 1
	s.agent.RequestViewChange(target)
	c.JSON(http.StatusAccepted, apiresponse.Ok(gin.H{"requested_view": target}))
}
