package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"

	"github.com/hottake/studio/internal/model"
	"github.com/hottake/studio/pkg/response"
)

// Client is one websocket subscriber to a job's progress.
type Client struct {
	JobID string
	Conn  *websocket.Conn
	Send  chan []byte
}

// Hub fans job progress out to the websocket clients watching each job.
type Hub struct {
	// Clients grouped by job ID
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage

	done chan struct{}

	mu     sync.RWMutex
	logger *slog.Logger
}

// BroadcastMessage is an encoded message addressed to one job's clients.
type BroadcastMessage struct {
	JobID   string
	Message []byte
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		done:       make(chan struct{}),
		logger:     logger,
	}
}

// Run serves registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.JobID] == nil {
				h.clients[client.JobID] = make(map[*Client]bool)
			}
			h.clients[client.JobID][client] = true
			h.mu.Unlock()
			h.logger.Debug("Websocket client registered", "job_id", client.JobID)

		case client := <-h.unregister:
			h.mu.Lock()
			h.removeLocked(client)
			h.mu.Unlock()
			h.logger.Debug("Websocket client unregistered", "job_id", client.JobID)

		case msg := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients[msg.JobID] {
				select {
				case client.Send <- msg.Message:
				default:
					// slow consumer
					h.removeLocked(client)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) removeLocked(client *Client) {
	clients, ok := h.clients[client.JobID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.Send)
	if len(clients) == 0 {
		delete(h.clients, client.JobID)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, clients := range h.clients {
		for client := range clients {
			h.removeLocked(client)
		}
	}
}

// Subscribers returns the number of clients watching jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[jobID])
}

// Register adds client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) BroadcastProgress(jobID string, status model.JobStatus, step, progress string) {
	h.send(jobID, model.WSProgressMessage{
		Type:     model.WSMessageTypeProgress,
		JobID:    jobID,
		Status:   status,
		Step:     step,
		Progress: progress,
	})
}

func (h *Hub) BroadcastComplete(jobID string, results map[string]any) {
	h.send(jobID, model.WSCompleteMessage{
		Type:    model.WSMessageTypeComplete,
		JobID:   jobID,
		Results: results,
	})
}

func (h *Hub) BroadcastError(jobID string, code, message string) {
	h.send(jobID, model.WSErrorMessage{
		Type:  model.WSMessageTypeError,
		JobID: jobID,
		Error: model.WSError{Code: code, Message: message},
	})
}

// send drops the update when the broadcast queue is full.
func (h *Hub) send(jobID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal websocket message", "job_id", jobID, "error", err)
		return
	}

	select {
	case h.broadcast <- &BroadcastMessage{JobID: jobID, Message: data}:
	default:
		h.logger.Warn("Websocket broadcast queue full, dropping update", "job_id", jobID)
	}
}

// HandleConnection pumps messages for one websocket until it closes.
// snapshot, when non-nil, is sent first so late subscribers see the
// current state.
func (h *Hub) HandleConnection(c *websocket.Conn, jobID string, snapshot []byte) {
	client := &Client{
		JobID: jobID,
		Conn:  c,
		Send:  make(chan []byte, 256),
	}
	if snapshot != nil {
		client.Send <- snapshot
	}

	if !h.Register(client) {
		return
	}
	defer h.Unregister(client)

	pongs := make(chan struct{}, 1)
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-pongs:
				pong, _ := json.Marshal(model.WSMessage{Type: model.WSMessageTypePong})
				if err := c.WriteMessage(websocket.TextMessage, pong); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn("Websocket read error", "job_id", jobID, "error", err)
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == model.WSMessageTypePing {
			select {
			case pongs <- struct{}{}:
			default:
			}
		}
	}
}

// Snapshot encodes job's current state as the message a subscriber would
// have received last.
func Snapshot(job *model.Job) []byte {
	var msg any
	switch job.Status {
	case model.JobStatusCompleted:
		msg = model.WSCompleteMessage{Type: model.WSMessageTypeComplete, JobID: job.ID, Results: job.Results}
	case model.JobStatusFailed, model.JobStatusCancelled:
		code := response.CodeJobFailed
		if job.Status == model.JobStatusCancelled {
			code = response.CodeJobCancelled
		}
		msg = model.WSErrorMessage{
			Type:  model.WSMessageTypeError,
			JobID: job.ID,
			Error: model.WSError{Code: code, Message: job.Error},
		}
	default:
		msg = model.WSProgressMessage{
			Type:     model.WSMessageTypeProgress,
			JobID:    job.ID,
			Status:   job.Status,
			Step:     job.Step,
			Progress: job.Progress,
		}
	}
	data, _ := json.Marshal(msg)
	return data
}
