// Package server exposes the local-only debug/control surface over HTTP:
// reload, eval, snippet and command listings, and a liveness probe. It
// binds to loopback only; this is an operator tool, not a public API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"macotron/internal/script"
	"macotron/internal/snippet"
)

// Runtime is the slice of the script runtime the server needs.
type Runtime interface {
	Evaluate(filename, source string) (string, error)
	Commands() []script.CommandInfo
}

// Server is the debug HTTP server.
type Server struct {
	addr    string
	rt      Runtime
	manager *snippet.Manager
	logger  *zap.Logger
	httpSrv *http.Server
}

// New creates the server. addr must resolve to a loopback address.
func New(addr string, rt Runtime, manager *snippet.Manager, logger *zap.Logger) (*Server, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
		return nil, fmt.Errorf("debug server must bind to loopback, got %q", host)
	}
	return &Server{addr: addr, rt: rt, manager: manager, logger: logger}, nil
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.GET("/health", s.handleHealth)
	router.GET("/snippets", s.handleSnippets)
	router.GET("/commands", s.handleCommands)
	router.POST("/reload", s.handleReload)
	router.POST("/eval", s.handleEval)
	return router
}

// Start runs the server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("debug server listening", zap.String("addr", s.addr))
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpSrv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleSnippets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"snippets": s.manager.Snippets()})
}

func (s *Server) handleCommands(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"commands": s.rt.Commands()})
}

func (s *Server) handleReload(c *gin.Context) {
	err := s.manager.Reload(c.Request.Context())
	if errors.Is(err, snippet.ErrReloadInProgress) {
		c.JSON(http.StatusAccepted, gin.H{"status": "absorbed"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "snippets": s.manager.Snippets()})
}

func (s *Server) handleEval(c *gin.Context) {
	var req struct {
		Source string `json:"source" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	output, err := s.rt.Evaluate("eval", req.Source)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"output": output})
}
