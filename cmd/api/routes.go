package main

import (
	"peercall/internal/httpapi"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, h *httpapi.Handlers, authMW gin.HandlerFunc) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	v1 := r.Group("/v1")

	// AUTH routes (no token required)
	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/signup", h.Signup)
		authGroup.POST("/login", h.Login)
	}

	// protected API group
	api := v1.Group("")
	api.Use(authMW)
	{
		api.GET("/me", h.Me)

		contactsGroup := api.Group("/contacts")
		{
			contactsGroup.GET("", h.ListContacts)
			contactsGroup.POST("", h.AddContact)
			contactsGroup.DELETE("/:contact_id", h.RemoveContact)
		}

		calls := api.Group("/calls")
		{
			calls.POST("/start", h.StartCall)
			calls.POST("/:room_id/accept", h.Accept)
			calls.POST("/:room_id/reject", h.Reject)
			calls.POST("/:room_id/hangup", h.Hangup)
			calls.GET("/history", h.History)
		}
	}
}
