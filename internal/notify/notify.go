// Package notify delivers join instructions to worker services. Initial
// sends are fire-and-forget; retries flow through the Redis notification
// queue so a worker that missed its instruction is eventually re-invited.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roomsync/coordinator/pkg/apperr"
)

const defaultTimeout = 10 * time.Second

// Instruction is the join-room payload POSTed to a worker's endpoint.
type Instruction struct {
	RoomName       string `json:"roomName"`
	SessionID      string `json:"sessionId"`
	WorkerIdentity string `json:"workerIdentity"`
	Credential     string `json:"credential"`
	RoomAddress    string `json:"roomAddress"`
}

// Client sends join instructions over HTTP. Any 2xx acknowledges delivery;
// everything else is a WorkerCommunicationFailure, which is never fatal to
// session creation.
type Client struct {
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates a notification client. A zero timeout selects the
// default.
func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Send POSTs the instruction to {endpoint}/join-room.
func (c *Client) Send(ctx context.Context, endpoint string, inst Instruction) error {
	body, err := json.Marshal(inst)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal join instruction", err)
	}
	url := strings.TrimSuffix(endpoint, "/") + "/join-room"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "build join request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindWorkerComm, fmt.Sprintf("notify %s", endpoint), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.Newf(apperr.KindWorkerComm, "worker %s returned %d: %s",
			inst.WorkerIdentity, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	c.logger.Debug("join instruction delivered",
		zap.String("session_id", inst.SessionID),
		zap.String("worker_identity", inst.WorkerIdentity),
	)
	return nil
}
