package socket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"cloudcollab/internal/account"
	"cloudcollab/internal/activity"
	"cloudcollab/internal/collab"
	"cloudcollab/internal/presence"
	"cloudcollab/pkg/logger"
	"cloudcollab/store"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4 << 20
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one websocket connection, editing one document or watching the
// dashboard. It receives the session's events and queues them as messages
// for writePump.
type Client struct {
	Hub     *Hub
	Conn    *websocket.Conn
	DocID   string
	Account store.Account
	Send    chan []byte

	session   *collab.Session
	dashboard *dashboard
	auth      *account.Session
	limiter   *rate.Limiter

	quitOnce    sync.Once
	quit        chan struct{}
	closeCode   int
	closeReason string
	writerDone  chan struct{}
	done        chan struct{}
}

var _ collab.Events = (*Client)(nil)

// ServeWs upgrades an authenticated request on /ws?docId= and starts the
// collaboration session for it.
func ServeWs(hub *Hub, w http.ResponseWriter, r *http.Request, acc store.Account, claims *account.Claims) {
	docID := r.URL.Query().Get("docId")
	if docID == "" {
		http.Error(w, "Missing docId parameter", http.StatusBadRequest)
		return
	}

	doc, err := hub.deps.Store.GetDocument(r.Context(), docID)
	if errors.Is(err, store.ErrNotFound) {
		logger.Sugar.Warnf("Connection rejected: Document %s not found", docID)
		http.Error(w, "Document not found", http.StatusNotFound)
		return
	} else if err != nil {
		logger.Sugar.Errorf("Database error loading doc %s: %v", docID, err)
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if !doc.HasCollaborator(acc.ID) {
		logger.Sugar.Warnf("Connection rejected: %s is not a collaborator on %s", acc.ID, docID)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	client := attach(hub, w, r, docID, acc, claims)
	if client == nil {
		return
	}

	session, err := collab.Open(context.Background(), hub.deps, docID, acc, client)
	if err != nil {
		logger.Sugar.Warnf("Failed to open session on doc %s for %s: %v", docID, acc.ID, err)
		client.sendError(err.Error())
		client.shutdown(websocket.CloseNormalClosure, "document unavailable")
		<-client.writerDone
		client.cleanup()
		return
	}
	client.session = session
	logger.Sugar.Debugf("Client %s attached to session %s on doc %s", acc.ID, session.ID(), session.DocumentID())
	go func() {
		<-session.Done()
		client.shutdown(websocket.CloseNormalClosure, "session closed")
	}()

	go client.readPump()
}

// attach upgrades the request, registers the connection with the hub and
// starts its writer and auth watch. It returns nil if the upgrade failed or
// the hub is shutting down.
func attach(hub *Hub, w http.ResponseWriter, r *http.Request, docID string, acc store.Account, claims *account.Claims) *Client {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Error(err)
		return nil
	}

	client := &Client{
		Hub:        hub,
		Conn:       conn,
		DocID:      docID,
		Account:    acc,
		Send:       make(chan []byte, sendBuffer),
		limiter:    rate.NewLimiter(hub.rateLimit, hub.rateBurst),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	if !hub.register(client) {
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return nil
	}
	go client.writePump()

	client.auth = hub.accounts.NewSession(acc, claims)
	client.auth.Init()
	go client.watchAuth()
	return client
}

// room is the hub key of the connection.
func (c *Client) room() string {
	if c.DocID == "" {
		return dashboardRoom
	}
	return c.DocID
}

// watchAuth closes the connection when its token is logged out.
func (c *Client) watchAuth() {
	accounts, stop := c.auth.Subscribe()
	defer stop()
	for {
		select {
		case acc, ok := <-accounts:
			if !ok {
				return
			}
			if acc == nil {
				logger.Sugar.Infof("Account %s signed out, closing connection on doc %s", c.Account.ID, c.DocID)
				c.sendError("signed out")
				c.shutdown(websocket.ClosePolicyViolation, "signed out")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.cleanup()
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, rawMessage, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Sugar.Errorf("error: %v", err)
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(rawMessage, &msg); err != nil {
			logger.Sugar.Errorf("Error unmarshalling message: %v", err)
			c.sendError("invalid message")
			continue
		}
		c.Hub.deps.Metrics.WSMessages.WithLabelValues("in", msg.Type).Inc()

		if !c.limiter.Allow() {
			logger.Sugar.Warnf("Rate limited %s on doc %s", c.Account.ID, c.DocID)
			c.sendError("rate limit exceeded")
			continue
		}

		c.handle(msg)
	}
}

func (c *Client) handle(msg WSMessage) {
	if c.dashboard != nil {
		c.dashboard.handle(c, msg)
		return
	}
	switch msg.Type {
	case EditType:
		var p EditPayload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.sendError("invalid edit payload")
			return
		}
		if err := c.session.Edit(p.Field, p.Value); err != nil {
			c.sendError(err.Error())
		}
	case SaveType:
		// Saves wait on the store; edits keep flowing meanwhile.
		go func() {
			if err := c.session.Save(context.Background()); err != nil {
				logger.Sugar.Warnf("Manual save of doc %s failed: %v", c.DocID, err)
				c.sendError("save failed: " + err.Error())
			}
		}()
	case TypingType:
		c.session.Typing()
	case DismissToastType:
		c.session.DismissToast()
	case PingType:
		c.queue(PongType, nil)
	default:
		c.sendError("unknown message type " + msg.Type)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		close(c.writerDone)
	}()

	for {
		select {
		case message := <-c.Send:
			if err := c.write(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.quit:
			// Deliver what is already queued, then say goodbye.
		drain:
			for {
				select {
				case message := <-c.Send:
					if err := c.write(websocket.TextMessage, message); err != nil {
						return
					}
				default:
					break drain
				}
			}
			c.write(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason))
			return
		case <-c.done:
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.Conn.WriteMessage(messageType, data)
}

// shutdown asks writePump to flush and close the connection.
func (c *Client) shutdown(code int, reason string) {
	c.quitOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.quit)
	})
}

func (c *Client) cleanup() {
	c.Hub.unregister(c)
	if c.session != nil {
		c.session.Close()
	}
	if c.dashboard != nil {
		c.dashboard.Close()
	}
	c.auth.Close()
	close(c.done)
}

func (c *Client) queue(msgType string, payload any) {
	msg := WSMessage{Type: msgType, DocID: c.DocID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			logger.Sugar.Errorf("Error marshalling %s payload: %v", msgType, err)
			return
		}
		msg.Payload = raw
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Sugar.Errorf("Error marshalling %s message: %v", msgType, err)
		return
	}

	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.Send <- data:
		c.Hub.deps.Metrics.WSMessages.WithLabelValues("out", msgType).Inc()
	default:
		logger.Sugar.Warnf("Client %s's send buffer is full. Disconnecting.", c.Account.ID)
		c.shutdown(websocket.CloseTryAgainLater, "client too slow")
	}
}

func (c *Client) sendError(message string) {
	c.queue(ErrorType, ErrorPayload{Message: message})
}

func (c *Client) State(s collab.Snapshot) { c.queue(StateType, s) }

func (c *Client) RemoteUpdate(content collab.Content, fields []collab.Field) {
	c.queue(RemoteUpdateType, RemoteUpdatePayload{Content: content, Fields: fields})
}

func (c *Client) Collaborators(ids []string)            { c.queue(CollaboratorsType, nonNil(ids)) }
func (c *Client) SaveStatus(s collab.SaveState)         { c.queue(SaveStatusType, s) }
func (c *Client) Presence(members []presence.Member)    { c.queue(PresenceUpdateType, nonNil(members)) }
func (c *Client) Typing(members []presence.Member)      { c.queue(TypingUpdateType, nonNil(members)) }
func (c *Client) Files(files []store.AttachedFile)      { c.queue(FilesUpdateType, nonNil(files)) }
func (c *Client) Activity(events []store.ActivityEvent) { c.queue(ActivityUpdateType, nonNil(events)) }
func (c *Client) Toast(t activity.Toast)                { c.queue(ToastType, t) }
func (c *Client) ToastDismiss()                         { c.queue(ToastDismissType, nil) }
func (c *Client) DocumentGone()                         { c.queue(DocumentGoneType, nil) }

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
