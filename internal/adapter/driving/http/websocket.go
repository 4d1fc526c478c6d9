package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const maxFrameSize = 64 << 10

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict origins once the UI is served from a fixed host
	CheckOrigin: func(r *http.Request) bool { return true },
}

type eventFrame struct {
	Type  string       `json:"type"`
	Event domain.Event `json:"event"`
}

type errorFrame struct {
	Type string `json:"type"`
	errorBody
	Seq uint64 `json:"seq,omitempty"`
}

type mediaFrame struct {
	Type    string            `json:"type"`
	Payload domain.MediaPatch `json:"payload"`
}

// WSClient is one participant's websocket. Writes are serialized; gorilla
// connections allow a single concurrent writer.
type WSClient struct {
	participant  domain.ParticipantID
	session      domain.SessionID
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
}

func (c *WSClient) ParticipantID() domain.ParticipantID {
	return c.participant
}

func (c *WSClient) SessionID() domain.SessionID {
	return c.session
}

func (c *WSClient) SendSignal(ctx context.Context, msg domain.SignalingMessage) error {
	return c.write(ctx, msg)
}

func (c *WSClient) SendEvent(ctx context.Context, ev domain.Event) error {
	return c.write(ctx, eventFrame{Type: "event", Event: ev})
}

func (c *WSClient) sendError(err error, seq uint64) error {
	return c.write(context.Background(), errorFrame{Type: "error", errorBody: errorBodyOf(err), Seq: seq})
}

func (c *WSClient) write(ctx context.Context, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}

func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// HTTP handler
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	sid := domain.SessionID(r.URL.Query().Get("session"))
	pid := domain.ParticipantID(r.URL.Query().Get("participant"))
	if sid == "" || pid == "" {
		writeError(w, r, domain.ErrInvalidPayload.Withf("session and participant query parameters are required"))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}
	conn.SetReadLimit(maxFrameSize)

	client := &WSClient{
		participant:  pid,
		session:      sid,
		conn:         conn,
		writeTimeout: h.opts.WriteTimeout,
	}

	l := log.With().
		Str("session_id", sid.String()).
		Str("participant_id", pid.String()).
		Logger()
	l.Info().Msg("New client connected")

	if err := h.Hub.Register(r.Context(), client); err != nil {
		// the live connection of this participant, if any, is left alone
		frameErr := domain.ErrRecipientUnreachable.For(sid, pid).WithCause(err)
		if errors.Is(err, ws.ErrAlreadyConnected) {
			l.Info().Msg("Participant already connected, refusing socket")
			frameErr = domain.ErrInvalidState.For(sid, pid).Withf("participant already connected")
		} else {
			l.Error().Err(err).Msg("Failed to register client")
		}
		_ = client.sendError(frameErr, 0)
		_ = client.Close()
		return
	}
	if _, err := h.Calls.Join(r.Context(), sid, pid); err != nil {
		l.Info().Err(err).Msg("Join rejected")
		_ = client.sendError(err, 0)
		h.Hub.Unregister(client)
		return
	}

	defer func() {
		l.Info().Msg("Client disconnected")
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.DeliveryTimeout)
		defer cancel()
		if err := h.Calls.Leave(ctx, sid, pid); err != nil && !errors.Is(err, domain.ErrUnknownParticipant) && !errors.Is(err, domain.ErrSessionEnded) {
			l.Warn().Err(err).Msg("Failed to leave session on disconnect")
		}
		h.Hub.Unregister(client)
	}()

	inbox, err := service.NewInbox(h.opts.InboxSize)
	if err != nil {
		l.Error().Err(err).Msg("Failed to create inbox")
		return
	}
	limiter := rate.NewLimiter(h.opts.RateLimit, h.opts.RateBurst)

	// listening for browser
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}
		if err := limiter.Wait(r.Context()); err != nil {
			break
		}
		if done := h.handleFrame(r.Context(), client, inbox, data, l); done {
			break
		}
	}
}

// handleFrame applies one inbound frame and reports whether the participant
// is gone afterwards.
func (h *Handler) handleFrame(ctx context.Context, client *WSClient, inbox *service.Inbox, data []byte, l zerolog.Logger) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		_ = client.sendError(domain.ErrInvalidPayload.WithCause(err), 0)
		return false
	}

	if head.Type == "media" {
		var frame mediaFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = client.sendError(domain.ErrInvalidPayload.WithCause(err), 0)
			return false
		}
		if _, err := h.Calls.SetMediaState(ctx, client.participant, frame.Payload); err != nil {
			_ = client.sendError(err, 0)
		}
		return false
	}

	msg, err := domain.DecodeSignalingMessage(data)
	if err != nil {
		_ = client.sendError(err, 0)
		return false
	}
	if msg.SessionID != client.session || msg.From != client.participant {
		_ = client.sendError(domain.ErrInvalidPayload.Withf("frame does not belong to this connection"), msg.Seq)
		return false
	}
	if err := inbox.Accept(msg); err != nil {
		_ = client.sendError(err, msg.Seq)
		return false
	}

	cmdCtx, cancel := context.WithTimeout(ctx, h.opts.DeliveryTimeout)
	defer cancel()

	switch msg.Type {
	case domain.SignalOffer:
		err = h.Calls.SendOffer(cmdCtx, msg.SessionID, msg.From, msg.Payload)
	case domain.SignalAnswer:
		err = h.Calls.SendAnswer(cmdCtx, msg.SessionID, msg.From, msg.Payload)
	case domain.SignalCandidate:
		err = h.Calls.AddCandidate(cmdCtx, msg.SessionID, msg.From, msg.Payload)
	case domain.SignalBye:
		if err := h.Calls.Leave(cmdCtx, msg.SessionID, msg.From); err != nil {
			l.Debug().Err(err).Msg("Leave on bye failed")
		}
		return true
	}
	if err != nil {
		l.Debug().Err(err).Str("type", string(msg.Type)).Uint64("seq", msg.Seq).Msg("Signal rejected")
		_ = client.sendError(err, msg.Seq)
	}
	return false
}
