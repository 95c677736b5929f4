package api

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"k8s.io/utils/clock"

	"github.com/studyhive/studyhive/backend/go/internal/v1/config"
	"github.com/studyhive/studyhive/backend/go/internal/v1/governor"
	"github.com/studyhive/studyhive/backend/go/internal/v1/health"
	"github.com/studyhive/studyhive/backend/go/internal/v1/middleware"
	"github.com/studyhive/studyhive/backend/go/internal/v1/ratelimit"
	"github.com/studyhive/studyhive/backend/go/internal/v1/transport"
	"github.com/studyhive/studyhive/backend/go/internal/v1/types"
)

// Deps is everything the router mounts.
type Deps struct {
	Config   *config.Config
	Identity types.IdentityService
	Rooms    types.RoomService
	Engine   *ratelimit.Engine
	Governor *governor.Governor
	Hub      *transport.Hub
	Health   *health.Handler
	Clock    clock.PassiveClock
}

// NewRouter assembles the full HTTP surface: REST under /api/v1 behind
// the api rate limiter, the WebSocket gateway under /ws, and the
// operational endpoints.
func NewRouter(d Deps) *gin.Engine {
	if !d.Config.DevelopmentMode() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery(), middleware.CorrelationID(), middleware.RequestLogger())
	if d.Config.OTelEnabled {
		r.Use(otelgin.Middleware("studyhive-backend"))
	}

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = d.Config.AllowedOrigins
	corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, middleware.HeaderXCorrelationID)
	r.Use(cors.New(corsCfg))

	h := NewHandler(d.Identity, d.Rooms, d.Engine, d.Governor,
		d.Config.AddressHashSecret, d.Config.TrustProxy, d.Clock)

	apiGroup := r.Group("/api/v1", d.Engine.Middleware(h.PrincipalKey))
	{
		apiGroup.POST("/users", h.CreateUser)
		apiGroup.GET("/rooms", h.ListRooms)
		apiGroup.GET("/rooms/:roomId", h.GetRoom)
		apiGroup.POST("/rooms/:roomId/join", h.JoinRoom)
		apiGroup.POST("/rooms/:roomId/leave", h.LeaveRoom)
	}

	wsGroup := r.Group("/ws")
	{
		wsGroup.GET("/lobby", d.Hub.ServeLobby)
		wsGroup.GET("/room/:roomId", d.Hub.ServeRoom)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/health/live", d.Health.Liveness)
	r.GET("/health/ready", d.Health.Readiness)

	return r
}
