// Package status serves the daemon's health, readiness, bridge status and
// Prometheus metrics over HTTP.
package status

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/tensorbridge/internal/auth"
	"github.com/danmuck/tensorbridge/internal/bridge"
	logs "github.com/danmuck/tensorbridge/internal/logging"
	"github.com/danmuck/tensorbridge/internal/observability"
)

const version = "0.1.0"

// Group is one runner's view as exposed over HTTP.
type Group interface {
	Name() string
	Ready() bool
	Statuses() []bridge.Status
}

type GroupInfo struct {
	Name    string          `json:"name"`
	Ready   bool            `json:"ready"`
	Bridges []bridge.Status `json:"bridges"`
}

type Config struct {
	ID          string
	Addr        string
	CorsOrigins []string
	// Token, when set, is required as a bearer token on the group routes.
	Token string
}

type Server struct {
	ID       string
	Addr     string
	Appeared time.Time
	token    string

	groups []Group
	router *gin.Engine
	http   *http.Server
}

func New(cfg Config, groups ...Group) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ServiceLogger(cfg.ID)))
	r.Use(observability.RequestMetricsMiddleware(cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CorsOrigins),
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		ID:       cfg.ID,
		Addr:     cfg.Addr,
		Appeared: time.Now(),
		token:    cfg.Token,
		groups:   groups,
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/ready", func(c *gin.Context) {
		ready := s.Ready()
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{
			"ready":   ready,
			"uptime":  time.Since(s.Appeared).String(),
			"service": s.ID,
			"version": version,
		})
	})

	groups := s.router.Group("/groups")
	if s.token != "" {
		groups.Use(auth.RequireBearer(auth.StaticToken{Token: s.token}))
	}
	groups.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"groups": s.Groups()})
	})

	groups.GET("/:group", func(c *gin.Context) {
		info, ok := s.Group(c.Param("group"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "group not found"})
			return
		}
		c.JSON(http.StatusOK, info)
	})
}

// Ready reports whether every group has all of its bridges up. A daemon
// with no groups is ready.
func (s *Server) Ready() bool {
	for _, g := range s.groups {
		if !g.Ready() {
			return false
		}
	}
	return true
}

// Groups lists every group sorted by name.
func (s *Server) Groups() []GroupInfo {
	list := make([]GroupInfo, 0, len(s.groups))
	for _, g := range s.groups {
		list = append(list, describe(g))
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].Name < list[j].Name
	})
	return list
}

func (s *Server) Group(name string) (GroupInfo, bool) {
	for _, g := range s.groups {
		if g.Name() == name {
			return describe(g), true
		}
	}
	return GroupInfo{}, false
}

// Serve listens on Addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	s.http = &http.Server{
		Addr:              s.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logs.Infof("status.Server.Serve id=%s addr=%s", s.ID, s.Addr)
		errc <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logs.Infof("status.Server.Serve id=%s stopped", s.ID)
	return nil
}

func describe(g Group) GroupInfo {
	statuses := g.Statuses()
	if statuses == nil {
		statuses = []bridge.Status{}
	}
	return GroupInfo{Name: g.Name(), Ready: g.Ready(), Bridges: statuses}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
