package main

import (
	"log"
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

func main() {
	// Load configuration
	LoadConfig()

	store := NewRequestStore(DataDir, MaxStoredRequests)

	var client ModelClient
	if OpenRouterAPIKey != "" {
		client = NewOpenRouterClient(OpenRouterAPIKey, OpenRouterAPIURL)
	}

	server := NewCouncilServer(store, client)
	router := setupRouter(server)

	log.Printf("Starting council server on port %s...", ServerPort)
	if err := router.Run(":" + ServerPort); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// setupRouter builds the gin engine with middleware and routes.
func setupRouter(server *CouncilServer) *gin.Engine {
	router := gin.Default()

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc: func(origin string) bool {
			// In production, use environment-configured origins
			if len(CORSAllowedOrigins) > 0 && CORSAllowedOrigins[0] != "" {
				for _, allowedOrigin := range CORSAllowedOrigins {
					if origin == allowedOrigin {
						return true
					}
				}
				return false
			}
			// In development, allow any localhost/127.0.0.1 origin
			return len(origin) > 0 && (len(origin) >= 16 && origin[:16] == "http://localhost" ||
				len(origin) >= 14 && origin[:14] == "http://127.0.0")
		},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	// Routes
	router.GET("/", server.indexHandler)
	router.GET("/health", server.healthHandler)
	router.POST("/prompt", server.promptHandler)
	router.GET("/events/:id", server.eventsHandler)
	router.GET("/requests", server.listRequestsHandler)
	router.GET("/requests/:id", server.getRequestHandler)
	router.DELETE("/requests/:id", server.deleteRequestHandler)
	router.GET("/active-request", server.activeRequestHandler)
	router.GET("/conversations", server.listConversationsHandler)
	router.GET("/conversations/:id", server.getConversationHandler)
	router.DELETE("/conversations/:id", server.deleteConversationHandler)
	router.GET("/auth-status", server.authStatusHandler)
	router.POST("/fetch-url", server.fetchURLHandler)
	router.GET("/ws", server.wsHandler)

	return router
}
