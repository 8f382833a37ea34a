package api

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"drainscan/internal/connection"
	"drainscan/internal/errors"
	"drainscan/internal/pipeline"
	"drainscan/pkg/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Analyzer 服务依赖的分析能力
type Analyzer interface {
	Analyze(ctx context.Context, address string) (*models.DrainAnalysis, error)
	Invalidate(ctx context.Context, address string) ([]string, error)
	GetStats() pipeline.Stats
}

// NodeReporter 账本节点状态
type NodeReporter interface {
	Status() []connection.NodeStatus
}

// Server API服务器
type Server struct {
	analyzer   Analyzer
	nodes      NodeReporter
	logger     *logrus.Logger
	logManager *LogManager
	server     *http.Server
	router     *gin.Engine
	addr       string
	startedAt  time.Time
}

// NewServer 创建API服务器，nodes 可为空
func NewServer(analyzer Analyzer, nodes NodeReporter, addr string, logger *logrus.Logger) *Server {
	logManager := NewLogManager(1000)
	logger.AddHook(NewLogHook(logManager))

	s := &Server{
		analyzer:   analyzer,
		nodes:      nodes,
		logger:     logger,
		logManager: logManager,
		addr:       addr,
		startedAt:  time.Now(),
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	})
	s.setupRoutes(router)
	s.router = router
	return s
}

// Handler 路由，供测试与嵌入使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动API服务器，阻塞直到服务停止
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("API服务器启动，监听地址 %s", s.addr)
	if err := s.server.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 停止接受新请求并等待进行中的请求完成
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) setupRoutes(router *gin.Engine) {
	router.GET("/health", s.healthCheck)

	api := router.Group("/api/v1")
	{
		api.GET("/analysis/:address", s.analyze)
		api.DELETE("/analysis/:address", s.invalidate)

		api.GET("/stats", s.getStats)
		api.GET("/nodes", s.getNodes)

		api.GET("/logs", s.getLogs)
		api.DELETE("/logs", s.clearLogs)
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}).Debug("HTTP请求")
	}
}

// healthCheck 健康检查
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"service":   "drainscan-api",
	})
}

// analyze 分析地址
func (s *Server) analyze(c *gin.Context) {
	address := c.Param("address")
	analysis, err := s.analyzer.Analyze(c.Request.Context(), address)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, analysis)
}

// invalidate 使缓存失效
func (s *Server) invalidate(c *gin.Context) {
	address := c.Param("address")
	keys, err := s.analyzer.Invalidate(c.Request.Context(), address)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":     address,
		"invalidated": keys,
	})
}

// writeError 错误类型到状态码的映射
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL"
	switch {
	case errors.IsInvalidInput(err):
		status, code = http.StatusBadRequest, "INVALID_INPUT"
	case errors.IsExceededScope(err):
		status, code = http.StatusUnprocessableEntity, "EXCEEDED_SCOPE"
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	default:
		s.logger.WithField("path", c.Request.URL.Path).Errorf("请求处理失败: %v", err)
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}

// getStats 获取统计信息
func (s *Server) getStats(c *gin.Context) {
	stats := s.analyzer.GetStats()
	c.JSON(http.StatusOK, gin.H{
		"uptime": time.Since(s.startedAt).Round(time.Second).String(),
		"cache":  stats.Cache,
		"errors": gin.H{
			"total":        stats.Errors.TotalErrors,
			"by_type":      stats.Errors.ErrorsByType,
			"by_severity":  stats.Errors.ErrorsBySeverity,
			"by_component": stats.Errors.ErrorsByComponent,
		},
	})
}

// getNodes 获取节点状态
func (s *Server) getNodes(c *gin.Context) {
	if s.nodes == nil {
		c.JSON(http.StatusOK, gin.H{"nodes": []connection.NodeStatus{}, "total": 0})
		return
	}
	nodes := s.nodes.Status()
	c.JSON(http.StatusOK, gin.H{"nodes": nodes, "total": len(nodes)})
}

// getLogs 获取日志
func (s *Server) getLogs(c *gin.Context) {
	level := c.Query("level")
	page := positiveInt(c.Query("page"), 1)
	pageSize := positiveInt(c.Query("pageSize"), 20)
	if pageSize > 500 {
		pageSize = 500
	}

	logs, total := s.logManager.GetLogsWithPagination(level, page, pageSize)
	c.JSON(http.StatusOK, gin.H{
		"logs":     logs,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
		"level":    level,
	})
}

// clearLogs 清空日志
func (s *Server) clearLogs(c *gin.Context) {
	s.logManager.ClearLogs()
	c.JSON(http.StatusOK, gin.H{"message": "日志已清空"})
}

func positiveInt(s string, def int) int {
	if s == "" {
		return def
	}
	if v, err := strconv.Atoi(s); err == nil && v > 0 {
		return v
	}
	return def
}

// ListenAddr 由主机与端口组成监听地址
func ListenAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
