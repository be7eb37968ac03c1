package main

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agentx/agentx/internal/common/config"
	"github.com/agentx/agentx/internal/common/logger"
	gateways "github.com/agentx/agentx/internal/gateway/websocket"
	"github.com/agentx/agentx/internal/runtime"
	"github.com/agentx/agentx/internal/store/httpapi"
)

// provideGateway builds the WebSocket gateway and the gin router carrying
// it, the store HTTP API, and the health endpoint.
func provideGateway(ctx context.Context, cfg *config.Config, rt *runtime.Runtime, log *logger.Logger) *gin.Engine {
	auth := tokenAuthenticator(cfg.Server.AuthToken)
	gateway := gateways.NewGateway(rt.Store, rt.Manager, rt.Images, rt.Sessions, auth, log)

	go gateway.Hub.Run(ctx)
	gateway.Hub.BindBus(rt.Bus)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	gateway.SetupRoutes(router)
	httpapi.RegisterRoutes(router, rt.Store, log)

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "agentx",
		})
	})

	return router
}

// tokenAuthenticator validates tokens against the configured value. An
// empty configured token disables auth (dev mode).
func tokenAuthenticator(expected string) gateways.Authenticator {
	if expected == "" {
		return nil
	}
	return func(token string) error {
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			return fmt.Errorf("invalid token")
		}
		return nil
	}
}
