package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomsync/coordinator/internal/eventbus"
	"github.com/roomsync/coordinator/internal/models"
	"github.com/roomsync/coordinator/internal/orchestrator"
	"github.com/roomsync/coordinator/internal/registry"
	"github.com/roomsync/coordinator/pkg/response"
)

const defaultWaitTimeout = 30 * time.Second

// RegisterServiceRequest is the body for POST /api/v1/microservices/register.
type RegisterServiceRequest struct {
	ServiceID string            `json:"service_id" binding:"required"`
	Endpoint  string            `json:"endpoint" binding:"required,url"`
	Metadata  map[string]string `json:"metadata"`
}

// SessionStatusResponse is the body for GET /api/v1/sessions/:id: the stored
// snapshot plus the derived ready/pending breakdown.
type SessionStatusResponse struct {
	Session         *models.Session `json:"session"`
	ReadyServices   []string        `json:"ready_services"`
	PendingServices []string        `json:"pending_services"`
}

// Handler holds the HTTP endpoints for the coordinator API.
type Handler struct {
	orch   *orchestrator.Orchestrator
	reg    *registry.Registry
	bus    *eventbus.Bus
	logger *zap.Logger
}

// NewHandler creates the API handler.
func NewHandler(orch *orchestrator.Orchestrator, reg *registry.Registry, bus *eventbus.Bus, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{orch: orch, reg: reg, bus: bus, logger: logger}
}

// RegisterService handles POST /api/v1/microservices/register.
func (h *Handler) RegisterService(c *gin.Context) {
	var req RegisterServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	svc := models.NewMicroservice(req.ServiceID, req.Endpoint, req.Metadata)
	h.reg.Register(svc)
	response.Created(c, svc)
}

// ListServices handles GET /api/v1/microservices.
func (h *Handler) ListServices(c *gin.Context) {
	response.OK(c, h.reg.List())
}

// UnregisterService handles DELETE /api/v1/microservices/:id.
func (h *Handler) UnregisterService(c *gin.Context) {
	h.reg.Unregister(c.Param("id"))
	response.NoContent(c)
}

// CreateSession handles POST /api/v1/sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req orchestrator.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.orch.CreateSession(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, res)
}

// ListSessions handles GET /api/v1/sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	list, err := h.orch.ListSessions(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

// GetSession handles GET /api/v1/sessions/:id.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.orch.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, SessionStatusResponse{
		Session:         sess,
		ReadyServices:   sess.ReadyServiceIDs(),
		PendingServices: sess.PendingServices(),
	})
}

// WaitForReady handles GET /api/v1/sessions/:id/wait. The poll fallback for
// callers that cannot hold the event stream open.
func (h *Handler) WaitForReady(c *gin.Context) {
	timeout := defaultWaitTimeout
	if raw := c.Query("timeout_sec"); raw != "" {
		// Seconds, not a duration string: "1m" is rejected, not misread.
		sec, err := strconv.ParseFloat(raw, 64)
		if err != nil || sec <= 0 {
			response.BadRequest(c, "invalid timeout_sec")
			return
		}
		timeout = time.Duration(sec * float64(time.Second))
	}
	sess, err := h.orch.WaitForReady(c.Request.Context(), c.Param("id"), timeout)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, SessionStatusResponse{
		Session:         sess,
		ReadyServices:   sess.ReadyServiceIDs(),
		PendingServices: sess.PendingServices(),
	})
}

// TerminateSession handles DELETE /api/v1/sessions/:id.
func (h *Handler) TerminateSession(c *gin.Context) {
	if err := h.orch.TerminateSession(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}
