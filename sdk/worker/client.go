// Package worker is the SDK for microservices that participate in
// coordinated sessions: registering with the coordinator and serving the
// join-room contract it calls back on.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/roomsync/coordinator/pkg/apperr"
)

const defaultTimeout = 10 * time.Second

// Instruction is the join-room callback body the coordinator POSTs to a
// registered worker.
type Instruction struct {
	RoomName       string `json:"roomName"`
	SessionID      string `json:"sessionId"`
	WorkerIdentity string `json:"workerIdentity"`
	Credential     string `json:"credential"`
	RoomAddress    string `json:"roomAddress"`
}

// Client talks to the coordinator's registry API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for the coordinator at baseURL.
func NewClient(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

type registerRequest struct {
	ServiceID string            `json:"service_id"`
	Endpoint  string            `json:"endpoint"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Register announces this worker to the coordinator. endpoint is the base
// URL the coordinator will POST join instructions to.
func (c *Client) Register(ctx context.Context, serviceID, endpoint string, metadata map[string]string) error {
	body, err := json.Marshal(registerRequest{
		ServiceID: serviceID,
		Endpoint:  endpoint,
		Metadata:  metadata,
	})
	if err != nil {
		return fmt.Errorf("encode register request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/api/v1/microservices/register", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindWorkerComm, "register with coordinator", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Newf(apperr.KindWorkerComm, "register returned %d", resp.StatusCode)
	}
	c.logger.Info("registered with coordinator",
		zap.String("service_id", serviceID),
		zap.String("endpoint", endpoint),
	)
	return nil
}

// Unregister removes this worker from the coordinator's registry.
func (c *Client) Unregister(ctx context.Context, serviceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		c.baseURL+"/api/v1/microservices/"+serviceID, nil)
	if err != nil {
		return fmt.Errorf("build unregister request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindWorkerComm, "unregister from coordinator", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.Newf(apperr.KindWorkerComm, "unregister returned %d", resp.StatusCode)
	}
	return nil
}
