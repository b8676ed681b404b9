// Package admin serves the operator control plane over HTTP/JSON.
package admin

import (
	"context"
	"net/http"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"packbot/internal/control"
	"packbot/internal/report"
)

// PresenceSetter pushes the bot's presence to the chat platform.
type PresenceSetter interface {
	SetPresence(ctx context.Context, p control.Presence) error
}

// SessionCounter exposes the in-flight session count.
type SessionCounter interface {
	InFlight() int64
}

// CacheInfo is the part of the classification cache shown in status.
type CacheInfo interface {
	Available() bool
	BackendName() string
	Size(ctx context.Context) (int, error)
}

type Handlers struct {
	state      *control.State
	sessions   SessionCounter
	cache      CacheInfo
	presence   PresenceSetter
	exitPolicy string
	now        func() time.Time
}

func NewHandlers(state *control.State, sessions SessionCounter, cache CacheInfo, presence PresenceSetter, exitPolicy string) *Handlers {
	return &Handlers{
		state:      state,
		sessions:   sessions,
		cache:      cache,
		presence:   presence,
		exitPolicy: exitPolicy,
		now:        time.Now,
	}
}

// Status gathers the live status. It is shared with the /packstatus command.
func (h *Handlers) Status(ctx context.Context) report.Status {
	st := report.Status{Snapshot: h.state.Snapshot()}
	if h.sessions != nil {
		st.InFlight = h.sessions.InFlight()
	}
	if h.cache != nil {
		st.CacheBackend = h.cache.BackendName()
		n, err := h.cache.Size(ctx)
		st.CacheEntries = n
		st.CacheAvailable = err == nil && h.cache.Available()
	}
	return st
}

// HandleStatus handles GET /v1/admin/status.
func (h *Handlers) HandleStatus(c *gin.Context) {
	st := h.Status(c.Request.Context())
	snap := st.Snapshot
	c.JSON(http.StatusOK, StatusReply{
		UptimeSeconds:     int64(snap.Uptime(h.now()).Seconds()),
		StartedAt:         snap.StartedAt,
		BotName:           snap.BotName,
		BotUserID:         snap.BotUserID,
		CommandsReceived:  snap.CommandsReceived,
		ProcessingEnabled: snap.ProcessingEnabled,
		CachingEnabled:    snap.CachingEnabled,
		ReportingEnabled:  snap.ReportingEnabled,
		InFlight:          st.InFlight,
		CacheAvailable:    st.CacheAvailable,
		CacheBackend:      st.CacheBackend,
		CacheEntries:      st.CacheEntries,
		Presence:          snap.Presence.String(),
		Exiting:           snap.Exiting,
	})
}

// HandleToggle handles POST /v1/admin/toggle.
//
// Response:
//
//	200 OK: ToggleResponse
//	400 Bad Request: malformed body or unknown toggle
func (h *Handlers) HandleToggle(c *gin.Context) {
	logger := requestLogger(c, "HandleToggle")

	var req ToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	toggle, err := control.ParseToggle(req.Toggle)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_TOGGLE"})
		return
	}
	prev, err := h.state.Set(toggle, *req.NewValue)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_TOGGLE"})
		return
	}
	logger.Info("Toggle changed", "toggle", toggle, "value", *req.NewValue, "previous", prev)
	c.JSON(http.StatusOK, ToggleResponse{Toggle: string(toggle), Value: *req.NewValue, Previous: prev})
}

// HandleBotStatus handles POST /v1/admin/bot-status. Validation problems are
// reported through status_code, not HTTP status.
func (h *Handlers) HandleBotStatus(c *gin.Context) {
	logger := requestLogger(c, "HandleBotStatus")

	var req BotStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Code: "INVALID_REQUEST"})
		return
	}
	kind, ok := control.ParsePresenceKind(req.Type)
	if !ok {
		c.JSON(http.StatusOK, BotStatusReply{StatusCode: StatusInvalidType, Message: "unknown status type " + req.Type})
		return
	}
	name := strings.TrimSpace(req.Name)
	if kind == control.PresenceClear {
		name = ""
	} else if name == "" {
		c.JSON(http.StatusOK, BotStatusReply{StatusCode: StatusMissingName, Message: "name is required for type " + string(kind)})
		return
	}

	p := control.Presence{Kind: kind, Text: name}
	h.state.SetPresence(p)
	if h.presence == nil {
		c.JSON(http.StatusOK, BotStatusReply{StatusCode: StatusPlatformFailed, Message: "presence updates are not configured"})
		return
	}
	if err := h.presence.SetPresence(c.Request.Context(), p); err != nil {
		logger.Error("Presence update failed", "error", err)
		c.JSON(http.StatusOK, BotStatusReply{StatusCode: StatusPlatformFailed, Message: err.Error()})
		return
	}
	logger.Info("Presence updated", "type", kind, "name", name)
	c.JSON(http.StatusOK, BotStatusReply{StatusCode: StatusOK, Message: "ok"})
}

// HandleExit handles POST /v1/admin/exit. Only the first call is accepted.
func (h *Handlers) HandleExit(c *gin.Context) {
	logger := requestLogger(c, "HandleExit")
	accepted := h.state.RequestExit()
	var inFlight int64
	if h.sessions != nil {
		inFlight = h.sessions.InFlight()
	}
	if accepted {
		logger.Warn("Exit requested", "policy", h.exitPolicy, "in_flight", inFlight)
	}
	c.JSON(http.StatusOK, ExitResponse{Accepted: accepted, Policy: h.exitPolicy, InFlight: inFlight})
}

func HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getOrCreateRequestID gets or creates a request ID.
func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}

func requestLogger(c *gin.Context, handler string) *log.Logger {
	return log.With("request_id", getOrCreateRequestID(c), "handler", handler)
}
