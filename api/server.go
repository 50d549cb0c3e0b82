package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"sourceflow/config"
	"sourceflow/logger"
	"sourceflow/models"
	"sourceflow/resolver"
)

// Server exposes the resolution engine over HTTP. It is a thin surface: the
// resolver owns all routing and health decisions.
type Server struct {
	cfg        config.APIConfig
	log        *logger.Log
	res        *resolver.Resolver
	httpServer *http.Server
}

// NewServer constructs the API server when the feature is enabled. When the
// API is disabled the returned server is nil.
func NewServer(cfg config.APIConfig, res *resolver.Resolver, log *logger.Log) *Server {
	if !cfg.Enabled {
		return nil
	}
	cfg.Address = normalizeAddress(cfg.Address)
	return &Server{cfg: cfg, log: log, res: res}
}

// Run starts the HTTP server and blocks until the context is cancelled or the
// server exits with an error.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return nil
	}

	router, err := s.buildRouter()
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:    s.cfg.Address,
		Handler: router,
	}

	s.log.WithComponent("api").WithFields(logger.Fields{
		"address": s.cfg.Address,
	}).Info("api server starting")

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// Address reports the network address the server listens on.
func (s *Server) Address() string {
	if s == nil {
		return ""
	}
	return s.cfg.Address
}

func (s *Server) buildRouter() (*gin.Engine, error) {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if err := router.SetTrustedProxies(nil); err != nil {
		return nil, err
	}

	router.GET("/healthz", s.handleHealthz)
	router.GET("/v1/snapshot", s.handleSnapshot)
	router.GET("/v1/resolve/:category", s.handleResolve)
	router.POST("/v1/resources/:id/fail", s.handleFail)
	router.POST("/v1/resources/:id/reinstate", s.handleReinstate)

	return router, nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	snap := s.res.HealthSnapshot("")
	status := http.StatusOK
	if snap.Total > 0 && snap.Available == 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":    http.StatusText(status),
		"total":     snap.Total,
		"available": snap.Available,
	})
}

func (s *Server) handleSnapshot(c *gin.Context) {
	raw := c.Query("category")
	var category models.Category
	if raw != "" {
		parsed, err := models.ParseCategory(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		category = parsed
	}
	c.JSON(http.StatusOK, s.res.HealthSnapshot(category))
}

func (s *Server) handleResolve(c *gin.Context) {
	category, err := models.ParseCategory(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	params := make(map[string]string)
	maxAttempts := 0
	for key, values := range c.Request.URL.Query() {
		if len(values) == 0 {
			continue
		}
		if key == "max_attempts" {
			n, err := strconv.Atoi(values[0])
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "max_attempts must be a non-negative integer"})
				return
			}
			maxAttempts = n
			continue
		}
		params[key] = values[0]
	}

	result, err := s.res.ResolveWithLimit(c.Request.Context(), category, params, maxAttempts)
	if err != nil {
		status := http.StatusBadGateway
		if resolver.IsEmptyChain(err) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleFail(c *gin.Context) {
	if err := s.res.Fail(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "failed"})
}

func (s *Server) handleReinstate(c *gin.Context) {
	if err := s.res.Reinstate(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "available"})
}

func normalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return "0.0.0.0:8090"
	}
	if strings.HasPrefix(addr, ":") {
		return "0.0.0.0" + addr
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "*" {
			host = "0.0.0.0"
		}
		return net.JoinHostPort(host, port)
	}
	if !strings.Contains(addr, ":") {
		return net.JoinHostPort(addr, "8090")
	}
	return addr
}
