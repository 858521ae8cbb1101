package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/stemsplit/api/internal/model"
	"github.com/stemsplit/api/pkg/response"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	pollPeriod = 2 * time.Second
)

// ProgressSource answers progress queries for a submission.
type ProgressSource interface {
	GetProgress(ctx context.Context, submissionID int) (*model.Progress, error)
}

// Client represents a single websocket connection watching one submission.
type Client struct {
	SubmissionID int
	Conn         *websocket.Conn
	Send         chan []byte
}

// Hub fans separation progress out to websocket clients. Each watched
// submission gets one poller goroutine that queries the ProgressSource
// and broadcasts to every client subscribed to that submission.
type Hub struct {
	source ProgressSource

	clients    map[int]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan broadcastMessage

	watching map[int]bool
	mu       sync.RWMutex
}

type broadcastMessage struct {
	submissionID int
	data         []byte
}

func NewHub(source ProgressSource) *Hub {
	return &Hub{
		source:     source,
		clients:    make(map[int]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan broadcastMessage, 64),
		watching:   make(map[int]bool),
	}
}

// Run processes register/unregister/broadcast events. Call in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.SubmissionID] == nil {
				h.clients[client.SubmissionID] = make(map[*Client]bool)
			}
			h.clients[client.SubmissionID][client] = true
			startWatcher := !h.watching[client.SubmissionID]
			if startWatcher {
				h.watching[client.SubmissionID] = true
			}
			h.mu.Unlock()
			log.Printf("WebSocket client connected for submission %d", client.SubmissionID)
			if startWatcher {
				go h.watch(client.SubmissionID)
			}

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.SubmissionID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.SubmissionID)
					}
				}
			}
			h.mu.Unlock()
			log.Printf("WebSocket client disconnected for submission %d", client.SubmissionID)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients[msg.submissionID] {
				select {
				case client.Send <- msg.data:
				default:
					// slow client, drop the update
				}
			}
			h.mu.RUnlock()
		}
	}
}

// watch polls the progress of one submission and broadcasts updates until
// the submission is finished, failed, unknown, or nobody is listening.
func (h *Hub) watch(submissionID int) {
	defer func() {
		h.mu.Lock()
		delete(h.watching, submissionID)
		h.mu.Unlock()
	}()

	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()

	for range ticker.C {
		if !h.hasSubscribers(submissionID) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		progress, err := h.source.GetProgress(ctx, submissionID)
		cancel()
		if err != nil {
			if errors.Is(err, model.ErrSubmissionNotFound) {
				h.broadcastError(submissionID, response.CodeNotFound, "submission not found")
				return
			}
			log.Printf("WebSocket progress poll error for submission %d: %v", submissionID, err)
			continue
		}

		switch {
		case progress.Failed:
			h.broadcastJSON(submissionID, model.WSErrorMessage{
				Type:         model.WSMessageTypeError,
				SubmissionID: submissionID,
				Error:        model.WSError{Code: response.CodeTaskFailed, Message: progress.Error},
			})
			return
		case progress.Progress >= 100 && progress.Final != "":
			h.broadcastJSON(submissionID, model.WSCompleteMessage{
				Type:         model.WSMessageTypeComplete,
				SubmissionID: submissionID,
				Progress:     progress,
			})
			return
		default:
			h.broadcastJSON(submissionID, model.WSProgressMessage{
				Type:         model.WSMessageTypeProgress,
				SubmissionID: submissionID,
				Progress:     progress,
			})
		}
	}
}

func (h *Hub) hasSubscribers(submissionID int) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[submissionID]) > 0
}

func (h *Hub) broadcastError(submissionID int, code, message string) {
	h.broadcastJSON(submissionID, model.WSErrorMessage{
		Type:         model.WSMessageTypeError,
		SubmissionID: submissionID,
		Error:        model.WSError{Code: code, Message: message},
	})
}

func (h *Hub) broadcastJSON(submissionID int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("WebSocket marshal error: %v", err)
		return
	}
	h.broadcast <- broadcastMessage{submissionID: submissionID, data: data}
}

// HandleConnection runs the read/write pumps for one client. Blocks until
// the connection closes.
func (h *Hub) HandleConnection(conn *websocket.Conn, submissionID int) {
	client := &Client{
		SubmissionID: submissionID,
		Conn:         conn,
		Send:         make(chan []byte, 16),
	}

	h.register <- client

	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case message, ok := <-client.Send:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if !ok {
					conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var msg model.WSMessage
		if json.Unmarshal(message, &msg) == nil && msg.Type == model.WSMessageTypePing {
			pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
			select {
			case client.Send <- pong:
			default:
			}
		}
	}

	h.unregister <- client
	<-done
}
