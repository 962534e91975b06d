package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType represents the type of reconciliation event
type EventType string

const (
	EventTypeRunStarted    EventType = "run_started"
	EventTypeRunCompleted  EventType = "run_completed"
	EventTypeRunFailed     EventType = "run_failed"
	EventTypeFileChanged   EventType = "file_changed"
	EventTypeServiceAction EventType = "service_action"
	EventTypeConnection    EventType = "connection"
)

// Event is one entry of the live event stream
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Client represents an SSE client connection
type Client struct {
	ID      string
	Channel chan *Event
}

// Broadcaster fans events out to SSE clients. Slow clients miss events
// rather than block a run.
type Broadcaster struct {
	clients      map[string]*Client
	register     chan *Client
	unregister   chan *Client
	broadcast    chan *Event
	done         chan struct{}
	log          zerolog.Logger
	mu           sync.RWMutex
	eventCounter int64
}

// NewBroadcaster creates a new event broadcaster
func NewBroadcaster(log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Event, 100),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "events").Logger(),
	}
}

// Start starts the broadcaster; it runs until ctx is done
func (b *Broadcaster) Start(ctx context.Context) {
	go func() {
		defer close(b.done)
		for {
			select {
			case <-ctx.Done():
				// Close all client channels
				b.mu.Lock()
				for _, client := range b.clients {
					close(client.Channel)
				}
				b.clients = make(map[string]*Client)
				b.mu.Unlock()
				return

			case client := <-b.register:
				b.mu.Lock()
				b.clients[client.ID] = client
				total := len(b.clients)
				b.mu.Unlock()
				b.log.Debug().
					Str("client_id", client.ID).
					Int("total_clients", total).
					Msg("SSE client connected")

			case client := <-b.unregister:
				b.mu.Lock()
				if _, ok := b.clients[client.ID]; ok {
					close(client.Channel)
					delete(b.clients, client.ID)
				}
				total := len(b.clients)
				b.mu.Unlock()
				b.log.Debug().
					Str("client_id", client.ID).
					Int("total_clients", total).
					Msg("SSE client disconnected")

			case event := <-b.broadcast:
				b.mu.RLock()
				for _, client := range b.clients {
					select {
					case client.Channel <- event:
					default:
						b.log.Warn().
							Str("client_id", client.ID).
							Msg("Client channel full, skipping event")
					}
				}
				b.mu.RUnlock()
			}
		}
	}()
}

// Register registers a new SSE client. It returns false once the broadcaster
// has stopped.
func (b *Broadcaster) Register(clientID string) (*Client, bool) {
	client := &Client{
		ID:      clientID,
		Channel: make(chan *Event, 10),
	}
	select {
	case b.register <- client:
		return client, true
	case <-b.done:
		return nil, false
	}
}

// Unregister unregisters an SSE client
func (b *Broadcaster) Unregister(client *Client) {
	select {
	case b.unregister <- client:
	case <-b.done:
	}
}

// Clients returns the number of connected clients
func (b *Broadcaster) Clients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Publish sends an event to all connected clients
func (b *Broadcaster) Publish(eventType EventType, runID, message string, details map[string]any) {
	b.mu.Lock()
	b.eventCounter++
	eventID := fmt.Sprintf("evt-%d", b.eventCounter)
	b.mu.Unlock()

	event := &Event{
		ID:        eventID,
		Timestamp: time.Now(),
		Type:      eventType,
		RunID:     runID,
		Message:   message,
		Details:   details,
	}

	select {
	case b.broadcast <- event:
	default:
		b.log.Warn().Msg("Broadcast channel full, dropping event")
	}
}

// FormatSSE formats an event as SSE message
func FormatSSE(event *Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)), nil
}
