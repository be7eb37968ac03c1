package websocket

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/container"
	"github.com/agentx/agentx/internal/image"
	"github.com/agentx/agentx/internal/session"
	"github.com/agentx/agentx/internal/store"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: In production, validate origin
		return true
	},
}

// Gateway bundles the WebSocket hub, dispatcher and platform handlers.
type Gateway struct {
	Hub        *Hub
	Dispatcher *Dispatcher
	Handlers   *Handlers
	auth       Authenticator
	logger     *logger.Logger
}

// NewGateway creates a gateway with every platform method registered.
func NewGateway(st store.Store, manager *container.Manager, images *image.Registry, sessions *session.Service, auth Authenticator, log *logger.Logger) *Gateway {
	dispatcher := NewDispatcher()
	hub := NewHub(dispatcher, auth, log)
	handlers := NewHandlers(st, manager, images, sessions, log)
	handlers.Register(dispatcher)

	return &Gateway{
		Hub:        hub,
		Dispatcher: dispatcher,
		Handlers:   handlers,
		auth:       auth,
		logger:     log.WithFields(zap.String("component", "ws_gateway")),
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine.
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.HandleConnection)
}

// HandleConnection upgrades HTTP to WebSocket and runs the client pumps. A
// valid bearer token in the request headers pre-authenticates the
// connection; otherwise the first frame must be an auth notification.
func (g *Gateway) HandleConnection(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}
	preauthed := token != "" && g.authenticate(token) == nil

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	clientID := uuid.New().String()
	g.logger.Debug("WebSocket connection established",
		zap.String("client_id", clientID),
		zap.String("remote_addr", c.Request.RemoteAddr),
	)

	client := NewClient(clientID, conn, g.Hub, preauthed, g.logger)
	g.Hub.Register(client)

	go client.WritePump()
	client.ReadPump(c.Request.Context())
}

func (g *Gateway) authenticate(token string) error {
	if g.auth == nil {
		return nil
	}
	return g.auth(token)
}
