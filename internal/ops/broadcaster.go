// Package ops provides the operational HTTP surface of the worker: health,
// job inspection, manual enqueue and a Server-Sent Events stream of job events.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/thebtf/distiller/internal/jobs"
)

const (
	// WriteTimeout bounds a single write to an SSE client.
	WriteTimeout = 2 * time.Second

	eventBuffer  = 256
	clientBuffer = 64
)

// Client is a connected SSE client. Only its Serve goroutine writes to the
// underlying response.
type Client struct {
	ID   string
	Done chan struct{}

	w       http.ResponseWriter
	flusher http.Flusher
	send    chan []byte
	once    sync.Once
}

func (c *Client) close() {
	c.once.Do(func() { close(c.Done) })
}

// Serve writes queued messages until ctx ends, the client is removed or a write fails.
func (c *Client) Serve(ctx context.Context) error {
	rc := http.NewResponseController(c.w)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done:
			return nil
		case msg := <-c.send:
			if err := rc.SetWriteDeadline(time.Now().Add(WriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
				return err
			}
			if _, err := c.w.Write(msg); err != nil {
				return err
			}
			c.flusher.Flush()
		}
	}
}

// Broadcaster fans job events out to SSE clients. It implements jobs.EventSink.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]*Client
	nextID  int
	events  chan jobs.Event
}

// NewBroadcaster creates a broadcaster. Call Run to start delivering published events.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		clients: make(map[string]*Client),
		events:  make(chan jobs.Event, eventBuffer),
	}
}

// Publish implements jobs.EventSink. Events are dropped when the buffer is full.
func (b *Broadcaster) Publish(_ context.Context, ev jobs.Event) {
	select {
	case b.events <- ev:
	default:
		log.Debug().Str("kind", ev.Kind).Msg("Event buffer full, dropping job event")
	}
}

// Run delivers published events until ctx is canceled.
func (b *Broadcaster) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			b.Broadcast(ev.Kind, ev)
		}
	}
}

// AddClient registers w as an SSE client.
func (b *Broadcaster) AddClient(w http.ResponseWriter) (*Client, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	b.mu.Lock()
	b.nextID++
	client := &Client{
		ID:      fmt.Sprintf("client-%d", b.nextID),
		Done:    make(chan struct{}),
		w:       w,
		flusher: flusher,
		send:    make(chan []byte, clientBuffer),
	}
	b.clients[client.ID] = client
	n := len(b.clients)
	b.mu.Unlock()

	log.Debug().Str("clientId", client.ID).Int("totalClients", n).Msg("SSE client connected")
	return client, nil
}

// RemoveClient unregisters client and closes its Done channel. It is safe to call twice.
func (b *Broadcaster) RemoveClient(client *Client) {
	b.mu.Lock()
	_, ok := b.clients[client.ID]
	delete(b.clients, client.ID)
	n := len(b.clients)
	b.mu.Unlock()

	client.close()
	if ok {
		log.Debug().Str("clientId", client.ID).Int("totalClients", n).Msg("SSE client removed")
	}
}

// Broadcast queues one named event for every client. A client whose queue is
// full is dropped.
func (b *Broadcaster) Broadcast(name string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("Failed to marshal SSE data")
		return
	}
	msg := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", name, payload))

	var slow []*Client
	b.mu.RLock()
	for _, c := range b.clients {
		select {
		case c.send <- msg:
		default:
			slow = append(slow, c)
		}
	}
	b.mu.RUnlock()

	for _, c := range slow {
		log.Warn().Str("clientId", c.ID).Msg("SSE client too slow, disconnecting")
		b.RemoveClient(c)
	}
}

// ClientCount returns the number of connected clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleSSE serves the event stream until the client disconnects.
func (b *Broadcaster) HandleSSE(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	client, err := b.AddClient(w)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer b.RemoveClient(client)

	fmt.Fprintf(w, "event: connected\ndata: {\"client_id\":%q}\n\n", client.ID)
	client.flusher.Flush()

	if err := client.Serve(r.Context()); err != nil {
		log.Debug().Err(err).Str("clientId", client.ID).Msg("SSE client write failed")
	}
}
