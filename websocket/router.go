package websocket

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SubjectReload asks every participant in a room to rebuild itself.
const SubjectReload = "reload"

// NewRouter serves the hub at /ws/hub next to /health, /rooms and the
// room reload trigger.
func NewRouter(h *Hub) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Rooms())
	})
	router.GET("/ws/hub", h.Handler())

	router.POST("/rooms/:room/reload", func(c *gin.Context) {
		room := c.Param("room")
		if _, ok := h.Rooms()[room]; !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no such room"})
			return
		}
		if err := h.Announce(c.Request.Context(), room, SubjectReload, nil); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"room": room})
	})
	return router
}
