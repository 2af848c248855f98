package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomsync/coordinator/internal/eventbus"
	"github.com/roomsync/coordinator/internal/models"
	"github.com/roomsync/coordinator/pkg/response"
)

const keepaliveInterval = 15 * time.Second

// SessionEvents handles GET /api/v1/sessions/:id/events: an SSE stream of
// the session's lifecycle events. The stream ends when the session reaches
// Ready or Terminated, the bus channel is cleaned up, or the client goes
// away. A lagging consumer gets a "system" frame with the dropped count
// instead of silently losing events.
func (h *Handler) SessionEvents(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.orch.GetSession(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	sub, err := h.bus.Subscribe(id)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer sub.Close()
	h.stream(c, sub, true)
}

// GlobalEvents handles GET /api/v1/events: every session-scoped event,
// observable process-wide. The stream runs until the client disconnects.
func (h *Handler) GlobalEvents(c *gin.Context) {
	sub, err := h.bus.SubscribeGlobal()
	if err != nil {
		response.Error(c, err)
		return
	}
	defer sub.Close()
	h.stream(c, sub, false)
}

func (h *Handler) stream(c *gin.Context, sub *eventbus.Subscription, endOnTerminal bool) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	ctx := c.Request.Context()
	for {
		waitCtx, cancel := context.WithTimeout(ctx, keepaliveInterval)
		ev, err := sub.Next(waitCtx)
		cancel()
		if err != nil {
			var lagged *eventbus.SlowSubscriberError
			switch {
			case errors.As(err, &lagged):
				fmt.Fprintf(c.Writer, "event: system\ndata: {\"dropped\":%d}\n\n", lagged.Dropped)
				c.Writer.Flush()
				continue
			case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
				// Idle: comment frame keeps intermediaries from closing us.
				fmt.Fprint(c.Writer, ": keepalive\n\n")
				c.Writer.Flush()
				continue
			default:
				// Client gone, bus closed, or session channel cleaned up.
				return
			}
		}

		payload, err := json.Marshal(ev)
		if err != nil {
			h.logger.Error("encode event", zap.Error(err))
			continue
		}
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", ev.Type, payload)
		c.Writer.Flush()

		if endOnTerminal && streamDone(ev) {
			return
		}
	}
}

func streamDone(ev eventbus.Event) bool {
	if ev.Type == eventbus.TypeSessionReady {
		return true
	}
	return ev.Type == eventbus.TypeStatusChanged &&
		(ev.Status == models.SessionTerminated || ev.Status == models.SessionTerminating)
}
