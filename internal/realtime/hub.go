// Package realtime is the Realtime Hub (§4.F): a server-side WebSocket
// hub that fans notifications and report progress out to connected
// clients. Adapted from the teacher's internal/homeassistant.WSClient
// message-pump shape (mutex-guarded conn, read-loop goroutine, typed
// envelope struct) — generalized from a single outbound client
// connection to many inbound per-user sessions keyed in hub-owned maps.
package realtime

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nugget/sentinel/internal/store"
)

// sendQueueSize bounds each session's outbound message queue (§4.F
// backpressure: overflow drops the oldest queued message; messages are
// not ranked by type, so any queued message can be the one dropped).
const sendQueueSize = 256

// idlePingInterval matches §5's socket idle ping cadence.
const idlePingInterval = 30 * time.Second

// Message envelope types exchanged over the socket.
const (
	TypeConnectionEstablished = "connection_established"
	TypeSubscribe             = "subscribe"
	TypeUnsubscribe           = "unsubscribe"
	TypeSubscriptionSuccess   = "subscription_success"
	TypeUnsubscriptionSuccess = "unsubscription_success"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeGetStatus             = "get_status"
	TypeStatus                = "status"
	TypeActivityNotification  = "activity_notification"
	TypeAIInsight             = "ai_insight"
	TypeReportNotification    = "report_notification"
	TypeSystemAnnouncement    = "system_announcement"
	TypeProgressUpdate        = "progress_update"
	TypeTaskCancelled         = "task_cancelled"
	TypeRuleTriggered         = "rule_triggered"
)

// Envelope is the JSON shape of every message sent or received over a
// session's socket.
type Envelope struct {
	Type      string    `json:"type"`
	Channel   string    `json:"channel,omitempty"`
	UserID    int64     `json:"userId,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	Timestamp time.Time `json:"ts,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// Authenticator resolves a bearer token to a User, failing for an
// invalid or expired token.
type Authenticator interface {
	Authenticate(token string) (store.User, error)
}

// ProgressCallback receives report-progress updates for one task.
type ProgressCallback func(Envelope)

// session is one open socket belonging to a user.
type session struct {
	id     string
	userID int64
	conn   *websocket.Conn
	send   chan Envelope
	closed chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.closed)
		s.conn.Close()
	})
}

// Hub holds all process-local realtime state: connections, channel
// subscriptions, and report-progress subscribers.
type Hub struct {
	logger *slog.Logger
	auth   Authenticator

	mu                  sync.RWMutex
	connections         map[int64]map[string]*session // userId -> sessionId -> session
	subscriptions       map[int64]map[string]struct{} // userId -> channel set
	progressSubscribers map[string][]ProgressCallback // taskId -> callbacks

	upgrader websocket.Upgrader
}

// New creates a Hub.
func New(logger *slog.Logger, auth Authenticator) *Hub {
	return &Hub{
		logger:              logger,
		auth:                auth,
		connections:         make(map[int64]map[string]*session),
		subscriptions:       make(map[int64]map[string]struct{}),
		progressSubscribers: make(map[string][]ProgressCallback),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles GET /websocket/connect?token=... (§6). On auth
// failure the connection is upgraded then immediately closed with a
// policy-violation code, matching §4.F's lifecycle step 1.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	user, err := h.auth.Authenticate(token)
	if err != nil {
		conn, upErr := h.upgrader.Upgrade(w, r, nil)
		if upErr != nil {
			http.Error(w, "upgrade failed", http.StatusBadRequest)
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid token"),
			time.Now().Add(time.Second))
		conn.Close()
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	sess := &session{
		id:     uuid.NewString(),
		userID: user.ID,
		conn:   conn,
		send:   make(chan Envelope, sendQueueSize),
		closed: make(chan struct{}),
	}

	h.addSession(sess)
	h.subscribeLocked(user.ID, "user_"+strconv.FormatInt(user.ID, 10))

	sess.send <- Envelope{
		Type:      TypeConnectionEstablished,
		UserID:    user.ID,
		SessionID: sess.id,
		Timestamp: time.Now().UTC(),
	}

	go h.writePump(sess)
	h.readPump(sess)
}

func (h *Hub) addSession(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.connections[sess.userID] == nil {
		h.connections[sess.userID] = make(map[string]*session)
	}
	h.connections[sess.userID][sess.id] = sess
}

func (h *Hub) removeSession(sess *session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sessions, ok := h.connections[sess.userID]; ok {
		delete(sessions, sess.id)
		if len(sessions) == 0 {
			delete(h.connections, sess.userID)
		}
	}
	// Subscription state persists across reconnects per §4.F
	// step 4 — intentionally not cleared here.
}

func (h *Hub) subscribeLocked(userID int64, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscriptions[userID] == nil {
		h.subscriptions[userID] = make(map[string]struct{})
	}
	h.subscriptions[userID][channel] = struct{}{}
}

func (h *Hub) unsubscribeLocked(userID int64, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subscriptions[userID], channel)
}

// readPump reads client messages until the connection closes or
// errors, dispatching subscribe/unsubscribe/ping/get_status.
func (h *Hub) readPump(sess *session) {
	defer func() {
		h.removeSession(sess)
		sess.close()
	}()

	sess.conn.SetReadDeadline(time.Now().Add(2 * idlePingInterval))
	sess.conn.SetPongHandler(func(string) error {
		sess.conn.SetReadDeadline(time.Now().Add(2 * idlePingInterval))
		return nil
	})

	for {
		var env Envelope
		if err := sess.conn.ReadJSON(&env); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			if !errors.Is(err, websocket.ErrReadLimit) {
				h.logger.Debug("websocket read ended", "session_id", sess.id, "error", err)
			}
			return
		}

		switch env.Type {
		case TypeSubscribe:
			if env.Channel != "" {
				h.subscribeLocked(sess.userID, env.Channel)
				h.enqueue(sess, Envelope{Type: TypeSubscriptionSuccess, Channel: env.Channel, Timestamp: time.Now().UTC()})
			}
		case TypeUnsubscribe:
			if env.Channel != "" {
				h.unsubscribeLocked(sess.userID, env.Channel)
				h.enqueue(sess, Envelope{Type: TypeUnsubscriptionSuccess, Channel: env.Channel, Timestamp: time.Now().UTC()})
			}
		case TypePing:
			h.enqueue(sess, Envelope{Type: TypePong, Timestamp: time.Now().UTC()})
		case TypeGetStatus:
			h.enqueue(sess, Envelope{Type: TypeStatus, Timestamp: time.Now().UTC(), Data: h.Stats()})
		default:
			h.logger.Debug("unhandled websocket message type", "type", env.Type, "session_id", sess.id)
		}
	}
}

// writePump drains sess.send to the socket and pings on idlePingInterval.
func (h *Hub) writePump(sess *session) {
	ticker := time.NewTicker(idlePingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sess.closed:
			return
		case env := <-sess.send:
			if err := sess.conn.WriteJSON(env); err != nil {
				sess.close()
				return
			}
		case <-ticker.C:
			if err := sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				sess.close()
				return
			}
		}
	}
}

// enqueue delivers env to sess's send queue; on overflow the oldest
// queued message is dropped and the drop is logged, per §4.F backpressure.
func (h *Hub) enqueue(sess *session, env Envelope) {
	select {
	case sess.send <- env:
	default:
		select {
		case <-sess.send:
			h.logger.Warn("session send queue full, dropped oldest message", "session_id", sess.id)
		default:
		}
		select {
		case sess.send <- env:
		default:
		}
	}
}

// SendToUser delivers env to every (or one, if sessionID is set)
// session belonging to userID. A send failure removes that session.
func (h *Hub) SendToUser(userID int64, sessionID string, env Envelope) {
	h.mu.RLock()
	sessions := h.connections[userID]
	targets := make([]*session, 0, len(sessions))
	for id, sess := range sessions {
		if sessionID == "" || id == sessionID {
			targets = append(targets, sess)
		}
	}
	h.mu.RUnlock()

	for _, sess := range targets {
		h.enqueue(sess, env)
	}
}

// BroadcastChannel delivers env to every session of every user
// subscribed to channel. Each send is best-effort.
func (h *Hub) BroadcastChannel(channel string, env Envelope) {
	h.mu.RLock()
	var userIDs []int64
	for userID, channels := range h.subscriptions {
		if _, ok := channels[channel]; ok {
			userIDs = append(userIDs, userID)
		}
	}
	h.mu.RUnlock()

	env.Channel = channel
	for _, userID := range userIDs {
		h.SendToUser(userID, "", env)
	}
}

// Announce broadcasts env to every currently-connected user, regardless
// of channel subscription.
func (h *Hub) Announce(env Envelope) {
	h.mu.RLock()
	userIDs := make([]int64, 0, len(h.connections))
	for userID := range h.connections {
		userIDs = append(userIDs, userID)
	}
	h.mu.RUnlock()

	for _, userID := range userIDs {
		h.SendToUser(userID, "", env)
	}
}

// SubscribeProgress registers cb to receive progress envelopes for taskID.
func (h *Hub) SubscribeProgress(taskID string, cb ProgressCallback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.progressSubscribers[taskID] = append(h.progressSubscribers[taskID], cb)
}

// PublishProgress invokes every callback subscribed to taskID and also
// pushes the update to the task owner's channel, if userID is non-zero.
func (h *Hub) PublishProgress(taskID string, userID int64, progress int, status, message string) {
	env := Envelope{
		Type:      TypeProgressUpdate,
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"task_id":  taskID,
			"progress": progress,
			"status":   status,
			"message":  message,
		},
	}

	h.mu.RLock()
	callbacks := append([]ProgressCallback(nil), h.progressSubscribers[taskID]...)
	h.mu.RUnlock()
	for _, cb := range callbacks {
		cb(env)
	}

	if userID != 0 {
		h.SendToUser(userID, "", env)
	}
}

// Stats reports current hub occupancy for get_status responses.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	sessions := 0
	for _, m := range h.connections {
		sessions += len(m)
	}
	return map[string]any{
		"connectedUsers": len(h.connections),
		"sessions":       sessions,
		"channels":       len(h.subscriptions),
	}
}
