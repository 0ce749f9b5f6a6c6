package server

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/meridian/internal/engine"
	"github.com/MarcoPoloResearchLab/meridian/internal/items"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingEngine     = errors.New("engine dependency required")
	errMissingDispatcher = errors.New("dispatcher dependency required")
)

// Dependencies wires the control surface to the sync engine.
type Dependencies struct {
	Engine       *engine.Engine
	Dispatcher   *Dispatcher
	AllowOrigins []string
	Logger       *zap.Logger
}

// NewHTTPHandler builds the local control API the UI process talks to. It
// carries the ambient signals a browser would deliver for free: activity
// heartbeats, host power transitions, force-sync broadcasts, plus a status
// snapshot, the item collection, and an event stream for notifications.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Dispatcher == nil {
		return nil, errMissingDispatcher
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	allowOrigins := deps.AllowOrigins
	if len(allowOrigins) == 0 {
		allowOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: allowOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		engine:     deps.Engine,
		dispatcher: deps.Dispatcher,
		logger:     logger,
	}

	router.GET("/status", handler.handleStatus)
	router.GET("/items", handler.handleListItems)
	router.POST("/items", handler.handleUpsertItem)
	router.DELETE("/items/:id", handler.handleDeleteItem)
	router.POST("/session/login", handler.handleLogin)
	router.POST("/session/logout", handler.handleLogout)
	router.POST("/signals/activity", handler.handleActivity)
	router.POST("/signals/lifecycle", handler.handleLifecycle)
	router.POST("/sync/force", handler.handleForceSync)
	router.POST("/sync/reload", handler.handleReload)
	router.GET("/events", handler.handleEvents)

	return router, nil
}

type httpHandler struct {
	engine     *engine.Engine
	dispatcher *Dispatcher
	logger     *zap.Logger
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.engine.Session())
}

func (h *httpHandler) handleListItems(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.engine.Items()})
}

func (h *httpHandler) handleUpsertItem(c *gin.Context) {
	var item items.Item
	if err := c.ShouldBindJSON(&item); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	saved, err := h.engine.UpsertLocal(item)
	if err != nil {
		if errors.Is(err, engine.ErrNoSession) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no_session"})
			return
		}
		h.logger.Error("failed to apply local edit", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "upsert_failed"})
		return
	}
	c.JSON(http.StatusOK, saved)
}

func (h *httpHandler) handleDeleteItem(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.engine.DeleteLocal(id); err != nil {
		if errors.Is(err, engine.ErrNoSession) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no_session"})
			return
		}
		h.logger.Error("failed to delete item", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "delete_failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	if err := h.engine.Login(c.Request.Context()); err != nil {
		if errors.Is(err, engine.ErrAuthUnavailable) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "auth_unavailable"})
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}
	c.JSON(http.StatusOK, h.engine.Session())
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.engine.Logout(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

func (h *httpHandler) handleActivity(c *gin.Context) {
	h.engine.MarkUserActive()
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type lifecyclePayload struct {
	Status string `json:"status"`
}

func (h *httpHandler) handleLifecycle(c *gin.Context) {
	var payload lifecyclePayload
	if err := c.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.Status) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	event := engine.LifecycleEvent(strings.ToLower(strings.TrimSpace(payload.Status)))
	if err := h.engine.HandleLifecycle(c.Request.Context(), event); err != nil {
		if errors.Is(err, engine.ErrNoSession) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no_session"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_status"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleForceSync(c *gin.Context) {
	h.engine.ForceSync(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleReload(c *gin.Context) {
	h.engine.RequestReload(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	stream, cleanup := h.dispatcher.Subscribe(c.Request.Context())
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	c.Stream(func(w io.Writer) bool {
		select {
		case notification, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(notification.Kind, notification)
			return true
		case <-heartbeat.C:
			c.SSEvent(notificationHeartbeat, gin.H{"time": time.Now().UTC()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}
