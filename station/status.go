package station

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/n0remac/station-webrtc/journal"
	"github.com/n0remac/station-webrtc/media"
	rtc "github.com/n0remac/station-webrtc/webrtc"
)

// Status is what the status server reports on.
type Status interface {
	Sessions() []rtc.SessionInfo
}

type trackReporter interface {
	Tracks() []media.TrackStats
}

// Controls is the broadcaster surface exposed to operators.
type Controls interface {
	ChangeCamera(ctx context.Context, deviceID string) error
	SetTrackEnabled(ctx context.Context, kind media.Kind, on bool) error
	DeviceID() string
}

// StatusHandle holds the participant currently running so the status
// server survives reloads.
type StatusHandle struct {
	identity Identity
	current  func() Participant
}

func NewStatusHandle(id Identity, current func() Participant) *StatusHandle {
	return &StatusHandle{identity: id, current: current}
}

// NewStatusRouter serves /health, /sessions, /tracks and /events, plus
// camera and track controls when the participant is a broadcaster.
func NewStatusRouter(h *StatusHandle, j *journal.Store) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		role := "viewer"
		if h.identity.Broadcaster {
			role = "station"
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "id": h.identity.ID, "role": role})
	})

	router.GET("/sessions", func(c *gin.Context) {
		s, ok := h.current().(Status)
		if !ok {
			c.JSON(http.StatusOK, []rtc.SessionInfo{})
			return
		}
		c.JSON(http.StatusOK, s.Sessions())
	})

	router.GET("/tracks", func(c *gin.Context) {
		t, ok := h.current().(trackReporter)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "not a station"})
			return
		}
		c.JSON(http.StatusOK, t.Tracks())
	})

	router.GET("/camera", func(c *gin.Context) {
		ctl, ok := h.current().(Controls)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "not a station"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"device": ctl.DeviceID()})
	})

	router.POST("/camera", func(c *gin.Context) {
		ctl, ok := h.current().(Controls)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "not a station"})
			return
		}
		var req struct {
			Device string `json:"device" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "device required"})
			return
		}
		if err := ctl.ChangeCamera(c.Request.Context(), req.Device); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"device": ctl.DeviceID()})
	})

	router.POST("/tracks/:kind", func(c *gin.Context) {
		ctl, ok := h.current().(Controls)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "not a station"})
			return
		}
		kind, err := media.ParseKind(c.Param("kind"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		var req struct {
			Enabled *bool `json:"enabled" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "enabled required"})
			return
		}
		if err := ctl.SetTrackEnabled(c.Request.Context(), kind, *req.Enabled); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"kind": kind, "enabled": *req.Enabled})
	})

	router.GET("/events", func(c *gin.Context) {
		if j == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "journal disabled"})
			return
		}
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad limit"})
			return
		}
		var entries []journal.Entry
		if peer := c.Query("peer"); peer != "" {
			entries, err = j.ForPeer(c.Request.Context(), peer, limit)
		} else {
			entries, err = j.Recent(c.Request.Context(), limit)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, entries)
	})
	return router
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, media.ErrMediaUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, media.ErrUnknownKind):
		return http.StatusNotFound
	case errors.Is(err, ErrNoStream), errors.Is(err, ErrNotStarted):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
