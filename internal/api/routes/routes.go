package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/relayvox/relayvox/internal/api/handlers"
	"github.com/relayvox/relayvox/internal/api/middleware"
)

type Deps struct {
	Call      *handlers.CallHandler
	ClientWS  *handlers.ClientWSHandler
	Telephony *handlers.TelephonyWSHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	// Health-ish
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	// Carrier media socket: shared-token auth, no user JWT.
	r.GET("/ws/telephony/:call_id", d.Telephony.MediaWS)

	// Protected routes (JWT)
	auth := r.Group("/")
	auth.Use(middleware.JWTAuth())

	auth.POST("/call/start", d.Call.Start)
	auth.GET("/call/history", d.Call.History)
	auth.GET("/call/:call_id", d.Call.Get)
	auth.POST("/call/:call_id/end", d.Call.End)

	// WebSocket client channel
	auth.GET("/ws/call/:call_id", d.ClientWS.CallWS)

	// Admin
	admin := auth.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	admin.GET("/calls", d.Call.ActiveCalls)
}
