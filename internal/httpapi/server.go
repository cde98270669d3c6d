// Package httpapi is the small JSON control surface over the
// lifecycle engine: three verbs over two URL patterns, plus a
// request-id middleware that stamps every response with a traceable
// identifier.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/appscale/aim/internal/aimerr"
	"github.com/appscale/aim/internal/engine"
	"github.com/appscale/aim/internal/model"
)

const requestIDHeader = "X-Request-Id"

// Engine is the subset of the lifecycle engine the HTTP surface
// drives.
type Engine interface {
	Start(ctx context.Context, vk model.VersionKey, req engine.StartRequest) error
	StopOne(ctx context.Context, vk model.VersionKey, port int) error
	StopAll(ctx context.Context, vk model.VersionKey) error
}

// Server wraps the gin router driving Engine.
type Server struct {
	engine Engine
	router *gin.Engine
	httpServer *http.Server
}

// New builds a Server bound to addr (e.g. ":17447"). Routes are
// registered immediately; callers run it via ListenAndServe.
func New(eng Engine, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.Default()
	router.Use(requestIDMiddleware())

	s := &Server{
		engine: eng,
		router: router,
		httpServer: &http.Server{
			Addr: addr,
			Handler: router,
		},
	}
	s.registerRoutes()
	return s
}

// Handler returns the http.Handler to serve, for use in tests.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe runs the server until it errors or is shut down.
func (s *Server) ListenAndServe() error { return s.httpServer.ListenAndServe() }

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error { return s.httpServer.Shutdown(ctx) }

func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

func (s *Server) registerRoutes() {
	s.router.POST("/versions/:versionKey", s.handleStart)
	s.router.DELETE("/versions/:versionKey", s.handleStopAll)
	s.router.DELETE("/versions/:versionKey/:port", s.handleStopOne)
}

type startBody struct {
	AppPort int `json:"app_port"`
	LoginServer string `json:"login_server"`
}

func (s *Server) handleStart(c *gin.Context) {
	vk, ok := parseVersionKey(c)
	if !ok {
		return
	}

	var body startBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.String(http.StatusBadRequest, "malformed request body: %v", err)
		return
	}

	err := s.engine.Start(c.Request.Context(), vk, engine.StartRequest{
		AppPort: body.AppPort,
		LoginServer: body.LoginServer,
	})
	respond(c, err)
}

func (s *Server) handleStopAll(c *gin.Context) {
	vk, ok := parseVersionKey(c)
	if !ok {
		return
	}
	err := s.engine.StopAll(c.Request.Context(), vk)
	respond(c, err)
}

func (s *Server) handleStopOne(c *gin.Context) {
	vk, ok := parseVersionKey(c)
	if !ok {
		return
	}
	port, err := strconv.Atoi(c.Param("port"))
	if err != nil {
		c.String(http.StatusBadRequest, "malformed port %q", c.Param("port"))
		return
	}
	err = s.engine.StopOne(c.Request.Context(), vk, port)
	respond(c, err)
}

func parseVersionKey(c *gin.Context) (model.VersionKey, bool) {
	vk, err := model.ParseVersionKey(c.Param("versionKey"))
	if err != nil {
		c.String(http.StatusBadRequest, "malformed version key: %v", err)
		return model.VersionKey{}, false
	}
	return vk, true
}

// respond translates an engine error to its HTTP status and writes a
// plain-text body; a nil error is a JSON 200 (all bodies are JSON
// except error text responses).
func respond(c *gin.Context, err error) {
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
		return
	}

	var ae *aimerr.Error
	if errors.As(err, &ae) {
		c.String(ae.Kind.HTTPStatus(), ae.Error())
		return
	}
	c.String(http.StatusInternalServerError, err.Error())
}
