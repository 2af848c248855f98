package worker

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/roomsync/coordinator/pkg/response"
)

// Handler is what a worker implements to take part in sessions: JoinRoom is
// called once per join instruction and should connect to the room with the
// supplied credential. Returning an error makes the coordinator retry later.
type Handler interface {
	JoinRoom(ctx context.Context, inst Instruction) error
}

// NewRouter builds the gin engine serving the worker contract: the join-room
// callback and the health probe.
func NewRouter(h Handler, logger *zap.Logger) *gin.Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	router.POST("/join-room", func(c *gin.Context) {
		var inst Instruction
		if err := c.ShouldBindJSON(&inst); err != nil {
			response.BadRequest(c, "invalid instruction: "+err.Error())
			return
		}
		if err := h.JoinRoom(c.Request.Context(), inst); err != nil {
			logger.Error("join room failed",
				zap.String("session_id", inst.SessionID),
				zap.String("room_name", inst.RoomName),
				zap.Error(err),
			)
			response.Error(c, err)
			return
		}
		logger.Info("joined room",
			zap.String("session_id", inst.SessionID),
			zap.String("room_name", inst.RoomName),
		)
		response.OK(c, gin.H{"joined": true})
	})
	return router
}

// Serve runs the worker HTTP endpoint until ctx is cancelled, then shuts
// down gracefully.
func Serve(ctx context.Context, addr string, h Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{Addr: addr, Handler: NewRouter(h, logger)}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
