package room

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/roomsync/coordinator/pkg/apperr"
)

const (
	adminTokenTTL   = 10 * time.Minute
	defaultGrantTTL = 6 * time.Hour
	apiTimeout      = 10 * time.Second
)

// LiveKitConfig holds the room server address and API credentials.
type LiveKitConfig struct {
	// URL is the server address, ws:// or http:// scheme.
	URL       string
	APIKey    string
	APISecret string
}

// LiveKit is the production Provider backed by a LiveKit-compatible room
// server: Twirp room management, HS256 access tokens, and a websocket
// participant-event stream.
type LiveKit struct {
	cfg    LiveKitConfig
	http   *http.Client
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewLiveKit creates a LiveKit provider.
func NewLiveKit(cfg LiveKitConfig, logger *zap.Logger) (*LiveKit, error) {
	if cfg.URL == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, apperr.New(apperr.KindConfiguration, "room provider URL, api key and secret are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LiveKit{
		cfg:    cfg,
		http:   &http.Client{Timeout: apiTimeout},
		dialer: websocket.DefaultDialer,
		logger: logger,
	}, nil
}

// Address returns the websocket URL participants connect to.
func (l *LiveKit) Address() string { return toWS(l.cfg.URL) }

func toHTTP(u string) string {
	switch {
	case strings.HasPrefix(u, "ws://"):
		return "http://" + strings.TrimPrefix(u, "ws://")
	case strings.HasPrefix(u, "wss://"):
		return "https://" + strings.TrimPrefix(u, "wss://")
	}
	return u
}

func toWS(u string) string {
	switch {
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	}
	return u
}

type createRoomRequest struct {
	Name            string `json:"name"`
	EmptyTimeout    int64  `json:"empty_timeout,omitempty"`
	MaxParticipants int    `json:"max_participants,omitempty"`
}

type deleteRoomRequest struct {
	Room string `json:"room"`
}

// CreateRoom creates the named room via the room service API.
func (l *LiveKit) CreateRoom(ctx context.Context, name string, opts CreateRoomOptions) error {
	req := createRoomRequest{
		Name:            name,
		EmptyTimeout:    int64(opts.EmptyTimeout / time.Second),
		MaxParticipants: opts.MaxParticipants,
	}
	if err := l.roomServiceCall(ctx, "CreateRoom", req); err != nil {
		return err
	}
	l.logger.Info("room created", zap.String("room", name))
	return nil
}

// DeleteRoom deletes the named room, disconnecting its participants.
func (l *LiveKit) DeleteRoom(ctx context.Context, name string) error {
	if err := l.roomServiceCall(ctx, "DeleteRoom", deleteRoomRequest{Room: name}); err != nil {
		return err
	}
	l.logger.Info("room deleted", zap.String("room", name))
	return nil
}

func (l *LiveKit) roomServiceCall(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "marshal room request", err)
	}
	token, err := l.adminToken()
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/twirp/livekit.RoomService/%s", toHTTP(l.cfg.URL), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "build room request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := l.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindRoomProvider, method, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return apperr.Newf(apperr.KindRoomProvider, "%s returned %d: %s", method, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

// videoGrant mirrors the LiveKit access-token video claim.
type videoGrant struct {
	Room           string `json:"room,omitempty"`
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	RoomAdmin      bool   `json:"roomAdmin,omitempty"`
	RoomCreate     bool   `json:"roomCreate,omitempty"`
	CanPublish     *bool  `json:"canPublish,omitempty"`
	CanSubscribe   *bool  `json:"canSubscribe,omitempty"`
	CanPublishData *bool  `json:"canPublishData,omitempty"`
	Hidden         bool   `json:"hidden,omitempty"`
}

type grantClaims struct {
	jwt.RegisteredClaims
	Video    videoGrant `json:"video"`
	Metadata string     `json:"metadata,omitempty"`
}

// MintGrant signs an access token for one identity in one room. The role is
// embedded as participant metadata so that room events can be classified by
// claim instead of identity text.
func (l *LiveKit) MintGrant(spec GrantSpec) (string, error) {
	ttl := spec.TTL
	if ttl == 0 {
		ttl = defaultGrantTTL
	}
	now := time.Now()
	meta, err := json.Marshal(map[string]string{"role": string(spec.Role)})
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "marshal grant metadata", err)
	}
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    l.cfg.APIKey,
			Subject:   spec.Identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Video: videoGrant{
			Room:           spec.Room,
			RoomJoin:       true,
			RoomAdmin:      spec.RoomAdmin,
			CanPublish:     &spec.CanPublish,
			CanSubscribe:   &spec.CanSubscribe,
			CanPublishData: &spec.CanPublishData,
			Hidden:         spec.Hidden,
		},
		Metadata: string(meta),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(l.cfg.APISecret))
	if err != nil {
		return "", apperr.Wrap(apperr.KindRoomProvider, "sign access token", err)
	}
	return token, nil
}

func (l *LiveKit) adminToken() (string, error) {
	now := time.Now()
	claims := grantClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    l.cfg.APIKey,
			Subject:   "coordinator-api",
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(adminTokenTTL)),
		},
		Video: videoGrant{RoomCreate: true, RoomAdmin: true},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(l.cfg.APISecret))
	if err != nil {
		return "", apperr.Wrap(apperr.KindRoomProvider, "sign admin token", err)
	}
	return token, nil
}

// wsEvent is one frame on the room event stream.
type wsEvent struct {
	Event    string `json:"event"`
	Identity string `json:"identity,omitempty"`
	Metadata string `json:"metadata,omitempty"`
	Payload  []byte `json:"payload,omitempty"`
}

type liveKitHandle struct {
	conn *websocket.Conn
	// done unblocks a reader goroutine stuck sending to an abandoned event
	// channel.
	done      chan struct{}
	closeOnce sync.Once
}

func (h *liveKitHandle) PublishData(ctx context.Context, payload []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		_ = h.conn.SetWriteDeadline(deadline)
	}
	if err := h.conn.WriteJSON(wsEvent{Event: "data", Payload: payload}); err != nil {
		return apperr.Wrap(apperr.KindRoomProvider, "publish data", err)
	}
	return nil
}

func (h *liveKitHandle) Close() error {
	h.closeOnce.Do(func() { close(h.done) })
	return h.conn.Close()
}

// Join connects to the room's event stream. The returned channel carries
// participant events until the provider closes the stream or the handle is
// closed.
func (l *LiveKit) Join(ctx context.Context, roomName, credential string) (Handle, <-chan ParticipantEvent, error) {
	endpoint := fmt.Sprintf("%s/events?room=%s&access_token=%s",
		toWS(l.cfg.URL), url.QueryEscape(roomName), url.QueryEscape(credential))
	conn, resp, err := l.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, nil, apperr.Wrap(apperr.KindRoomProvider, "join room "+roomName, err)
	}

	handle := &liveKitHandle{conn: conn, done: make(chan struct{})}
	events := make(chan ParticipantEvent)
	go func() {
		defer close(events)
		for {
			var frame wsEvent
			if err := conn.ReadJSON(&frame); err != nil {
				l.logger.Debug("room event stream ended", zap.String("room", roomName), zap.Error(err))
				return
			}
			// The consumer may already have stopped; never block on a send
			// it will not drain.
			select {
			case events <- decodeFrame(frame):
			case <-handle.done:
				return
			}
		}
	}()

	return handle, events, nil
}

func decodeFrame(frame wsEvent) ParticipantEvent {
	ev := ParticipantEvent{Identity: frame.Identity}
	switch frame.Event {
	case "participant_joined":
		ev.Kind = ParticipantJoined
	case "participant_left":
		ev.Kind = ParticipantLeft
	default:
		ev.Kind = OtherEvent
	}
	if frame.Metadata != "" {
		var meta struct {
			Role string `json:"role"`
		}
		if err := json.Unmarshal([]byte(frame.Metadata), &meta); err == nil {
			ev.Role = Role(meta.Role)
		}
	}
	return ev
}
