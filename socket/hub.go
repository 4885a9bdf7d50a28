package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"cloudcollab/internal/account"
	"cloudcollab/internal/collab"
	"cloudcollab/internal/metrics"
	"cloudcollab/pkg/logger"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// client -> server
	EditType         = "EDIT"          // Title or body changed
	SaveType         = "SAVE"          // Manual save
	TypingType       = "TYPING"        // Caret moved without an edit
	PingType         = "PING"          // Application level keepalive
	DismissToastType = "DISMISS_TOAST" // User closed the toast

	// server -> client
	StateType          = "STATE"           // Full document state on join
	RemoteUpdateType   = "REMOTE_UPDATE"   // Another session's save was applied
	CollaboratorsType  = "COLLABORATORS"   // The document was shared
	SaveStatusType     = "SAVE_STATUS"     // Autosave indicator
	PresenceUpdateType = "PRESENCE_UPDATE" // A user joined or left
	TypingUpdateType   = "TYPING_UPDATE"   // Who is typing, caller excluded
	FilesUpdateType    = "FILES_UPDATE"    // Attached files changed
	ActivityUpdateType = "ACTIVITY_UPDATE" // Recent activity list
	ToastType          = "TOAST"           // Someone else did something
	ToastDismissType   = "TOAST_DISMISS"
	DocumentGoneType   = "DOCUMENT_GONE" // Document was deleted
	DocumentsType      = "DOCUMENTS"     // Dashboard list of the caller's documents
	ErrorType          = "ERROR"
	PongType           = "PONG"
)

const shutdownWait = 10 * time.Second

// dashboardRoom holds the connections that have no document open.
const dashboardRoom = "dashboard"

type WSMessage struct {
	Type    string          `json:"type"`
	DocID   string          `json:"document_id,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type EditPayload struct {
	Field collab.Field `json:"field"`
	Value string       `json:"value"`
}

type RemoteUpdatePayload struct {
	collab.Content
	Fields []collab.Field `json:"fields"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Hub tracks the live connections per document and owns what a new
// connection needs to start its collaboration session.
type Hub struct {
	Rooms      map[string]map[*Client]bool
	Register   chan *Client
	Unregister chan *Client

	deps      collab.Deps
	accounts  *account.Service
	rateLimit rate.Limit
	rateBurst int

	mu      sync.Mutex
	active  sync.WaitGroup
	stopped chan struct{}
}

func NewHub(deps collab.Deps, accounts *account.Service, rateLimit float64, rateBurst int) *Hub {
	if deps.Metrics == nil {
		deps.Metrics = metrics.Nop()
	}
	if rateLimit <= 0 {
		rateLimit = float64(rate.Inf)
	}
	return &Hub{
		Rooms:      make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		deps:       deps,
		accounts:   accounts,
		rateLimit:  rate.Limit(rateLimit),
		rateBurst:  rateBurst,
		stopped:    make(chan struct{}),
	}
}

// Run serves Register and Unregister until ctx is done, then asks every
// connected client to go away and waits for their sessions to flush.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case client := <-h.Register:
			h.active.Add(1)
			h.mu.Lock()
			if h.Rooms[client.room()] == nil {
				h.Rooms[client.room()] = make(map[*Client]bool)
			}
			h.Rooms[client.room()][client] = true
			n := len(h.Rooms[client.room()])
			h.mu.Unlock()
			logger.Sugar.Debugf("Client %s joined room %s (%d connected)", client.Account.ID, client.room(), n)

		case client := <-h.Unregister:
			h.remove(client)

		case <-ctx.Done():
			close(h.stopped)
			h.mu.Lock()
			for _, room := range h.Rooms {
				for client := range room {
					client.shutdown(websocket.CloseGoingAway, "server shutting down")
				}
			}
			h.mu.Unlock()
			h.wait(shutdownWait)
			return nil
		}
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := c.room()
	if _, ok := h.Rooms[room][c]; ok {
		delete(h.Rooms[room], c)
		if len(h.Rooms[room]) == 0 {
			delete(h.Rooms, room)
			logger.Sugar.Infof("Closed empty room: %s", room)
		}
	}
}

func (h *Hub) wait(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		h.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Sugar.Warnf("%d connections still open after %s", h.ClientCount(), timeout)
	}
}

func (h *Hub) register(c *Client) bool {
	select {
	case h.Register <- c:
		return true
	case <-h.stopped:
		return false
	}
}

// unregister must be called exactly once for every registered client.
func (h *Hub) unregister(c *Client) {
	select {
	case h.Unregister <- c:
	case <-h.stopped:
		h.remove(c)
	}
	h.active.Done()
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, room := range h.Rooms {
		n += len(room)
	}
	return n
}

// RoomSize returns the number of connections open on a document.
func (h *Hub) RoomSize(docID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.Rooms[docID])
}
