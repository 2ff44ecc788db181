package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/statehub/statehub/internal/auth"
	"github.com/statehub/statehub/internal/compare"
	"github.com/statehub/statehub/internal/config"
	"github.com/statehub/statehub/internal/logging"
	"github.com/statehub/statehub/internal/store"
)

// Project is the external collaborator's view of a tenant project.
type Project struct {
	ID       string `json:"id"`
	Slug     string `json:"slug"`
	RootPath string `json:"root_path,omitempty"`
}

// ProjectLookup resolves a project by id or slug. A missing project
// returns (nil, nil).
type ProjectLookup interface {
	Project(ctx context.Context, id, slug string) (*Project, error)
}

// PassthroughProjects accepts any project identifier as-is. It is the
// single-tenant default; multi-tenant deployments inject a real
// lookup.
type PassthroughProjects struct{}

// Project implements ProjectLookup.
func (PassthroughProjects) Project(_ context.Context, id, slug string) (*Project, error) {
	switch {
	case id != "":
		return &Project{ID: id, Slug: id}, nil
	case slug != "":
		return &Project{ID: slug, Slug: slug}, nil
	}
	return nil, nil
}

// Server owns the HTTP surface of both engines.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	authSvc    *auth.Service
	comparator *compare.Comparator
	projects   ProjectLookup
	logger     zerolog.Logger
}

// NewServer wires the handlers over their collaborators.
func NewServer(cfg *config.Config, st *store.Store, authSvc *auth.Service, projects ProjectLookup) *Server {
	if projects == nil {
		projects = PassthroughProjects{}
	}
	return &Server{
		cfg:        cfg,
		store:      st,
		authSvc:    authSvc,
		comparator: compare.New(st),
		projects:   projects,
		logger:     logging.WithComponent("api"),
	}
}

// Router builds the gin engine with all routes and middleware.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	router.Use(corsMiddleware())
	router.Use(s.throttle())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authGroup := router.Group("/auth")
	{
		authGroup.POST("/token", s.handleLogin)
		authGroup.POST("/refresh", s.handleRefresh)
		authGroup.POST("/logout", s.handleLogout)
		authGroup.GET("/me", s.requireScopes(auth.ScopeConsoleRead), s.handleMe)
		authGroup.PUT("/me", s.requireScopes(auth.ScopeConsoleWrite), s.handleUpdateMe)
		authGroup.POST("/me/password", s.requireScopes(auth.ScopeConsoleWrite), s.handleChangePassword)
		authGroup.GET("/sessions", s.requireScopes(auth.ScopeConsoleRead), s.handleListSessions)
		authGroup.DELETE("/sessions/:id", s.requireScopes(auth.ScopeConsoleWrite), s.handleRevokeSession)
		authGroup.GET("/events", s.requireScopes(auth.ScopeConsoleRead), s.handleListEvents)
	}

	stateGroup := router.Group("/state")
	{
		stateGroup.POST("/import", s.requireScopes(auth.ScopeConsoleWrite), s.handleImport)
		stateGroup.GET("", s.requireScopes(auth.ScopeConsoleRead), s.handleListStates)

		stateGroup.POST("/workspaces", s.requireScopes(auth.ScopeConsoleWrite), s.handleCreateWorkspace)
		stateGroup.GET("/workspaces", s.requireScopes(auth.ScopeConsoleRead), s.handleListWorkspaces)
		stateGroup.GET("/workspaces/:id", s.requireScopes(auth.ScopeConsoleRead), s.handleGetWorkspace)
		stateGroup.DELETE("/workspaces/:id", s.requireScopes(auth.ScopeConsoleWrite), s.handleDeleteWorkspace)
		stateGroup.PUT("/workspaces/:id/variables", s.requireScopes(auth.ScopeConsoleWrite), s.handleSetVariable)
		stateGroup.GET("/workspaces/:id/variables", s.requireScopes(auth.ScopeConsoleRead), s.handleListVariables)
		stateGroup.POST("/workspaces/compare", s.requireScopes(auth.ScopeConsoleRead), s.handleCompareWorkspaces)

		stateGroup.POST("/plans", s.requireScopes(auth.ScopeConsoleWrite), s.handleSavePlan)
		stateGroup.GET("/plans", s.requireScopes(auth.ScopeConsoleRead), s.handleListPlans)
		stateGroup.GET("/plans/:id", s.requireScopes(auth.ScopeConsoleRead), s.handleGetPlan)
		stateGroup.DELETE("/plans/:id", s.requireScopes(auth.ScopeConsoleWrite), s.handleDeletePlan)

		stateGroup.GET("/:id", s.requireScopes(auth.ScopeConsoleRead), s.handleGetState)
		stateGroup.GET("/:id/resources", s.requireScopes(auth.ScopeConsoleRead), s.handleListResources)
		stateGroup.GET("/:id/outputs", s.requireScopes(auth.ScopeConsoleRead), s.handleListOutputs)
		stateGroup.GET("/:id/export", s.requireScopes(auth.ScopeConsoleRead), s.handleExport)
		stateGroup.POST("/:id/drift/plan", s.requireScopes(auth.ScopeConsoleWrite), s.handleDriftPlan)
		stateGroup.POST("/:id/operations/remove", s.requireScopes(auth.ScopeConsoleWrite), s.handleRemoveAddresses)
		stateGroup.POST("/:id/operations/move", s.requireScopes(auth.ScopeConsoleWrite), s.handleMoveAddress)
	}

	return router
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Str("client_ip", c.ClientIP()).
			Msg("request")
	}
}

func corsMiddleware() gin.HandlerFunc {
	handler := cors.New(cors.Options{
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Refresh-Token-CSRF"},
		ExposedHeaders:   []string{"X-Refresh-Token-CSRF", "Retry-After"},
		AllowCredentials: true,
	})
	return func(c *gin.Context) {
		handler.HandlerFunc(c.Writer, c.Request)
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
