package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tsubame/internal/auth"
	"tsubame/internal/chat"
	"tsubame/internal/model"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 30 * time.Second
	frameTimeout = 10 * time.Second
)

// Client frame types
const (
	FrameSendMessage   = "send_message"
	FrameMarkRead      = "mark_messages_read"
	FrameTyping        = "typing"
	FrameEditMessage   = "edit_message"
	FrameDeleteMessage = "delete_message"
	FramePing          = "ping"
)

var (
	errClientClosed = errors.New("client closed")
	errSendBuffer   = errors.New("send buffer full")
)

// createUpgrader creates a WebSocket upgrader with the given allowed origins.
// Requests without an Origin header come from non-browser clients and are
// let through; they still need a valid token.
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || allowedMap[origin]
		},
	}
}

// frame is what a client writes to the socket
type frame struct {
	Type string          `json:"type"`
	Ref  string          `json:"ref,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// client is one authenticated WebSocket connection
type client struct {
	id     string
	userID int64
	conn   *websocket.Conn
	send   chan model.Event
	done   chan struct{}
	once   sync.Once
}

func newClient(conn *websocket.Conn, userID int64, buffer int) *client {
	if buffer <= 0 {
		buffer = 64
	}
	return &client{
		id:     uuid.NewString(),
		userID: userID,
		conn:   conn,
		send:   make(chan model.Event, buffer),
		done:   make(chan struct{}),
	}
}

func (c *client) ID() string { return c.id }

// Send queues an event without blocking
func (c *client) Send(ev model.Event) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	default:
		return errSendBuffer
	}
}

// SendWait queues an event, waiting for buffer room while the connection
// is open
func (c *client) SendWait(ctx context.Context, ev model.Event) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- ev:
		return nil
	case <-c.done:
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the write pump, which closes the socket
func (c *client) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case ev := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(ev); err != nil {
				logrus.WithFields(logrus.Fields{
					"function": "client.writePump",
					"conn_id":  c.id,
					"user_id":  c.userID,
					"error":    err,
				}).Debug("Write failed")
				c.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// HandleWebSocket handles GET /ws
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := h.Auth.Parse(auth.BearerToken(r))
	if err != nil {
		logrus.Warnf("[GET /ws] ❌ Unauthorized: %v", err)
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logrus.Warnf("[GET /ws] ❌ Upgrade error: %v", err)
		return
	}

	c := newClient(conn, userID, h.Config.WSSendBuffer)
	go c.writePump()

	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	err = h.Chat.Register(ctx, userID, c)
	cancel()
	if err != nil {
		logrus.Errorf("[GET /ws] ❌ Register user %d: %v", userID, err)
		c.Close()
		return
	}
	logrus.Infof("[WebSocket] ✅ User %d connected (conn %s)", userID, c.id)

	h.readPump(c)

	ctx, cancel = context.WithTimeout(context.Background(), frameTimeout)
	if err := h.Chat.Unregister(ctx, c.id); err != nil {
		logrus.Warnf("[WebSocket] ❌ Unregister user %d: %v", userID, err)
	}
	cancel()
	c.Close()
	logrus.Infof("[WebSocket] User %d disconnected (conn %s)", userID, c.id)
}

func (h *Handler) readPump(c *client) {
	c.conn.SetReadLimit(maxBodyBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				c.Send(errorEvent("", "Invalid frame"))
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logrus.Debugf("[WebSocket] Read error for user %d: %v", c.userID, err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		h.dispatch(c, f)
	}
}

func errorEvent(ref, message string) model.Event {
	ev := model.NewEvent(model.EventError, map[string]string{"error": message})
	ev.Ref = ref
	return ev
}

func reply(c *client, ref string, ev model.Event) {
	ev.Ref = ref
	if err := c.Send(ev); err != nil {
		logrus.Debugf("[WebSocket] Reply %s to user %d dropped: %v", ev.Type, c.userID, err)
	}
}

// dispatch runs one client frame against the engine
func (h *Handler) dispatch(c *client, f frame) {
	ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
	defer cancel()

	fail := func(err error) {
		_, message := statusFor(err)
		reply(c, f.Ref, errorEvent(f.Ref, message))
	}

	switch f.Type {
	case FrameSendMessage:
		var req chat.SubmitRequest
		if err := json.Unmarshal(f.Data, &req); err != nil {
			reply(c, f.Ref, model.NewEvent(model.EventAck, model.AckEvent{Error: "Invalid message"}))
			return
		}
		if req.SenderID == 0 {
			req.SenderID = c.userID
		}
		msg, err := h.Chat.Submit(ctx, c.userID, req)
		if err != nil {
			_, message := statusFor(err)
			reply(c, f.Ref, model.NewEvent(model.EventAck, model.AckEvent{Error: message}))
			return
		}
		reply(c, f.Ref, model.NewEvent(model.EventAck, model.AckEvent{
			Success:   true,
			MessageID: msg.ID,
			Status:    msg.State,
		}))

	case FrameMarkRead:
		var data struct {
			UserID int64 `json:"userId"`
			PeerID int64 `json:"senderId"`
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			fail(chat.ErrInvalidArgument)
			return
		}
		if data.UserID == 0 {
			data.UserID = c.userID
		}
		if _, err := h.Chat.MarkRead(ctx, c.userID, data.UserID, data.PeerID); err != nil {
			fail(err)
		}

	case FrameTyping:
		var data struct {
			UserID   int64 `json:"userId"`
			PeerID   int64 `json:"receiverId"`
			IsTyping bool  `json:"isTyping"`
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			fail(chat.ErrInvalidArgument)
			return
		}
		if data.UserID == 0 {
			data.UserID = c.userID
		}
		if err := h.Chat.Typing(c.userID, data.UserID, data.PeerID, data.IsTyping); err != nil {
			fail(err)
		}

	case FrameEditMessage:
		var data struct {
			MessageID int64  `json:"messageId"`
			Payload   string `json:"message"`
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			fail(chat.ErrInvalidArgument)
			return
		}
		if _, err := h.Chat.Edit(ctx, c.userID, data.MessageID, data.Payload); err != nil {
			fail(err)
		}

	case FrameDeleteMessage:
		var data struct {
			MessageID int64  `json:"messageId"`
			Scope     string `json:"scope"`
		}
		if err := json.Unmarshal(f.Data, &data); err != nil {
			fail(chat.ErrInvalidArgument)
			return
		}
		if data.Scope == "" {
			data.Scope = chat.ScopeEveryone
		}
		if err := h.Chat.Delete(ctx, c.userID, data.MessageID, data.Scope); err != nil {
			fail(err)
		}

	case FramePing:
		reply(c, f.Ref, model.NewEvent(model.EventPong, nil))

	default:
		reply(c, f.Ref, errorEvent(f.Ref, "Unknown frame type"))
	}
}
