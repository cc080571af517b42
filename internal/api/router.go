package api

import (
	"log/slog"
	"net/http"
	"time"

	"robotlab/internal/booking"
	"robotlab/internal/eventbus"
	"robotlab/internal/gate"
	"robotlab/internal/registry"
	"robotlab/internal/session"

	"github.com/gin-gonic/gin"
)

type RouterDeps struct {
	Registry     *registry.Registry
	Ledger       *booking.Ledger
	Supervisor   *session.Supervisor
	Gate         *gate.Gate
	Bus          eventbus.EventBus
	Verifier     *TokenVerifier
	BridgeSecret string
	Logger       *slog.Logger
}

func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(LoggerMiddleware(logger.With("component", "http")))
	r.Use(CORSMiddleware())

	// Global health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Status:    "ok",
			Timestamp: formatTime(time.Now()),
		})
	})

	bookingHandler := NewBookingHandler(deps.Ledger)
	sessionHandler := NewSessionHandler(deps.Gate, deps.Supervisor, deps.Bus)
	accessHandler := NewAccessHandler(deps.Gate, deps.Registry)
	resourceHandler := NewResourceHandler(deps.Registry)
	adminSessionHandler := NewAdminSessionHandler(deps.Supervisor)

	v1 := r.Group("/api/v1")

	// 视频桥使用共享密钥，不走用户 token
	v1.GET("/bridge/authorize", BridgeSecretMiddleware(deps.BridgeSecret), accessHandler.BridgeAuthorize)

	authed := v1.Group("", AuthMiddleware(deps.Verifier))
	{
		bookings := authed.Group("/bookings")
		{
			bookings.POST("", bookingHandler.CreateBooking)
			bookings.GET("", bookingHandler.ListBookings)
			bookings.GET("/all", bookingHandler.ListAllBookings)
			bookings.GET("/:id", bookingHandler.GetBooking)
			bookings.DELETE("/:id", bookingHandler.CancelBooking)
		}
		authed.GET("/availability", bookingHandler.Availability)

		sess := authed.Group("/session")
		{
			sess.GET("", sessionHandler.GetSession)
			sess.POST("/ensure", sessionHandler.EnsureSession)
			sess.POST("/stop", sessionHandler.StopSession)
			sess.POST("/restart", sessionHandler.RestartSession)
			sess.GET("/events", sessionHandler.StreamEvents)
		}

		authed.GET("/access/check", accessHandler.CheckAccess)

		authed.GET("/resources", resourceHandler.ListResources)
		authed.GET("/resources/:id", resourceHandler.GetResource)

		// 权限在 registry/supervisor 内检查
		admin := authed.Group("/admin")
		{
			admin.GET("/resources", resourceHandler.AdminListResources)
			admin.POST("/resources", resourceHandler.CreateResource)
			admin.PUT("/resources/:id", resourceHandler.UpdateResource)
			admin.DELETE("/resources/:id", resourceHandler.DeleteResource)

			admin.GET("/sessions", adminSessionHandler.ListSessions)
			admin.GET("/sessions/:user_id", adminSessionHandler.GetSession)
			admin.POST("/sessions/:user_id/stop", adminSessionHandler.StopSession)
			admin.POST("/sessions/:user_id/restart", adminSessionHandler.RestartSession)
		}
	}

	return r
}
