// Package httpapi exposes the repository contract over HTTP so a remote
// runtime can bind its store to this server. Routes mirror the repository
// interface one to one; message appends take a batch endpoint so the
// single-user-action atomicity guarantee survives the network hop.
package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentx/agentx/internal/common/logger"
	"github.com/agentx/agentx/internal/store"
)

type Handlers struct {
	store  store.Store
	logger *logger.Logger
}

func NewHandlers(st store.Store, log *logger.Logger) *Handlers {
	return &Handlers{
		store:  st,
		logger: log.WithFields(zap.String("component", "store-httpapi")),
	}
}

// RegisterRoutes mounts the repository routes under /api/v1.
func RegisterRoutes(router *gin.Engine, st store.Store, log *logger.Logger) {
	h := NewHandlers(st, log)
	api := router.Group("/api/v1")

	api.GET("/definitions", h.listDefinitions)
	api.GET("/definitions/:name", h.getDefinition)
	api.PUT("/definitions/:name", h.putDefinition)
	api.DELETE("/definitions/:name", h.deleteDefinition)

	api.GET("/images", h.listImages)
	api.GET("/images/:id", h.getImage)
	api.PUT("/images/:id", h.putImage)
	api.DELETE("/images/:id", h.deleteImage)

	api.GET("/containers", h.listContainers)
	api.GET("/containers/:id", h.getContainer)
	api.PUT("/containers/:id", h.putContainer)
	api.DELETE("/containers/:id", h.deleteContainer)

	api.GET("/sessions", h.listSessions)
	api.GET("/sessions/:id", h.getSession)
	api.PUT("/sessions/:id", h.putSession)
	api.DELETE("/sessions/:id", h.deleteSession)
	api.GET("/sessions/:id/messages", h.listSessionMessages)
	api.GET("/sessions/:id/turns", h.listSessionTurns)

	api.GET("/messages/:id", h.getMessage)
	api.POST("/messages", h.appendMessages)
	api.DELETE("/messages/:id", h.deleteMessage)

	api.PUT("/turns/:id", h.putTurn)
	api.GET("/turns/:id", h.getTurn)
}

// writeError maps repository errors onto HTTP statuses.
func (h *Handlers) writeError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	default:
		h.logger.Error("store operation failed", zap.String("op", op), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

// --- definitions ---

func (h *Handlers) listDefinitions(c *gin.Context) {
	defs, err := h.store.Definitions().List(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "definitions.list")
		return
	}
	c.JSON(http.StatusOK, defs)
}

func (h *Handlers) getDefinition(c *gin.Context) {
	def, err := h.store.Definitions().FindByName(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.writeError(c, err, "definitions.get")
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handlers) putDefinition(c *gin.Context) {
	var def store.Definition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	def.Name = c.Param("name")
	if err := h.store.Definitions().Upsert(c.Request.Context(), &def); err != nil {
		h.writeError(c, err, "definitions.upsert")
		return
	}
	c.JSON(http.StatusOK, def)
}

func (h *Handlers) deleteDefinition(c *gin.Context) {
	if err := h.store.Definitions().Delete(c.Request.Context(), c.Param("name")); err != nil {
		h.writeError(c, err, "definitions.delete")
		return
	}
	c.Status(http.StatusNoContent)
}

// --- images ---

func (h *Handlers) listImages(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		imgs []*store.Image
		err  error
	)
	if defName := c.Query("definitionName"); defName != "" {
		imgs, err = h.store.Images().ListByDefinition(ctx, defName)
	} else {
		imgs, err = h.store.Images().List(ctx)
	}
	if err != nil {
		h.writeError(c, err, "images.list")
		return
	}
	c.JSON(http.StatusOK, imgs)
}

func (h *Handlers) getImage(c *gin.Context) {
	img, err := h.store.Images().FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "images.get")
		return
	}
	c.JSON(http.StatusOK, img)
}

func (h *Handlers) putImage(c *gin.Context) {
	var img store.Image
	if err := c.ShouldBindJSON(&img); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	img.ImageID = c.Param("id")
	if err := h.store.Images().Upsert(c.Request.Context(), &img); err != nil {
		h.writeError(c, err, "images.upsert")
		return
	}
	c.JSON(http.StatusOK, img)
}

func (h *Handlers) deleteImage(c *gin.Context) {
	if err := h.store.Images().Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err, "images.delete")
		return
	}
	c.Status(http.StatusNoContent)
}

// --- containers ---

func (h *Handlers) listContainers(c *gin.Context) {
	ctrs, err := h.store.Containers().List(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "containers.list")
		return
	}
	c.JSON(http.StatusOK, ctrs)
}

func (h *Handlers) getContainer(c *gin.Context) {
	ctr, err := h.store.Containers().FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "containers.get")
		return
	}
	c.JSON(http.StatusOK, ctr)
}

func (h *Handlers) putContainer(c *gin.Context) {
	var ctr store.Container
	if err := c.ShouldBindJSON(&ctr); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	ctr.ContainerID = c.Param("id")
	if err := h.store.Containers().Upsert(c.Request.Context(), &ctr); err != nil {
		h.writeError(c, err, "containers.upsert")
		return
	}
	c.JSON(http.StatusOK, ctr)
}

func (h *Handlers) deleteContainer(c *gin.Context) {
	if err := h.store.Containers().Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err, "containers.delete")
		return
	}
	c.Status(http.StatusNoContent)
}

// --- sessions ---

func (h *Handlers) listSessions(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		sessions []*store.Session
		err      error
	)
	if imageID := c.Query("imageId"); imageID != "" {
		sessions, err = h.store.Sessions().ListByImage(ctx, imageID)
	} else {
		sessions, err = h.store.Sessions().List(ctx)
	}
	if err != nil {
		h.writeError(c, err, "sessions.list")
		return
	}
	c.JSON(http.StatusOK, sessions)
}

func (h *Handlers) getSession(c *gin.Context) {
	sess, err := h.store.Sessions().FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "sessions.get")
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handlers) putSession(c *gin.Context) {
	var sess store.Session
	if err := c.ShouldBindJSON(&sess); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	sess.SessionID = c.Param("id")
	if err := h.store.Sessions().Upsert(c.Request.Context(), &sess); err != nil {
		h.writeError(c, err, "sessions.upsert")
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *Handlers) deleteSession(c *gin.Context) {
	if err := h.store.Sessions().Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err, "sessions.delete")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) listSessionMessages(c *gin.Context) {
	opts := store.ListMessagesOptions{
		Before: c.Query("before"),
		After:  c.Query("after"),
	}
	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		opts.Limit = limit
	}
	msgs, err := h.store.Messages().ListBySession(c.Request.Context(), c.Param("id"), opts)
	if err != nil {
		h.writeError(c, err, "messages.list")
		return
	}
	c.JSON(http.StatusOK, msgs)
}

func (h *Handlers) listSessionTurns(c *gin.Context) {
	turns, err := h.store.Turns().ListBySession(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "turns.list")
		return
	}
	c.JSON(http.StatusOK, turns)
}

// --- messages ---

func (h *Handlers) getMessage(c *gin.Context) {
	msg, err := h.store.Messages().FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "messages.get")
		return
	}
	c.JSON(http.StatusOK, msg)
}

// appendMessages persists one batch atomically.
func (h *Handlers) appendMessages(c *gin.Context) {
	var msgs []*store.Message
	if err := c.ShouldBindJSON(&msgs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	if err := h.store.Messages().Append(c.Request.Context(), msgs...); err != nil {
		h.writeError(c, err, "messages.append")
		return
	}
	c.JSON(http.StatusCreated, msgs)
}

func (h *Handlers) deleteMessage(c *gin.Context) {
	if err := h.store.Messages().Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err, "messages.delete")
		return
	}
	c.Status(http.StatusNoContent)
}

// --- turns ---

func (h *Handlers) putTurn(c *gin.Context) {
	var turn store.Turn
	if err := c.ShouldBindJSON(&turn); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}
	turn.TurnID = c.Param("id")
	if err := h.store.Turns().Upsert(c.Request.Context(), &turn); err != nil {
		h.writeError(c, err, "turns.upsert")
		return
	}
	c.JSON(http.StatusOK, turn)
}

func (h *Handlers) getTurn(c *gin.Context) {
	turn, err := h.store.Turns().FindByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err, "turns.get")
		return
	}
	c.JSON(http.StatusOK, turn)
}
