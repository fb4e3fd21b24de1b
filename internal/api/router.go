package api

import (
	"github.com/datallboy/gopod/internal/api/controllers"
	"github.com/datallboy/gopod/internal/app"
	"github.com/datallboy/gopod/internal/domain"
	"github.com/datallboy/gopod/internal/engine"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
)

func RegisterRoutes(e *echo.Echo, app *app.Context, mgr *engine.Manager) {

	// Middleware: Request Logger
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c *echo.Context, v middleware.RequestLoggerValues) error {
			app.Logger.Info("%s %s | %d | %s", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	policy := domain.LinkPolicy{}
	if app.Config != nil {
		policy.AllowedHosts = app.Config.Download.AllowedHosts
		policy.PathPrefix = app.Config.Download.EpisodePathPrefix
	}

	epCtrl := &controllers.EpisodesController{App: app, Manager: mgr, Policy: policy}

	g := e.Group("/api/episodes")
	g.POST("", epCtrl.Add)
	g.GET("", epCtrl.List)
	g.GET("/:id", epCtrl.Get)
	g.DELETE("/:id", epCtrl.Cancel)
	g.POST("/:id/ack", epCtrl.Acknowledge)
}
