// Package tracehub broadcasts pipeline stage events to websocket clients
// subscribed to a query_id, backing the trace-streaming half of spec
// §6's `trace: true` flag. Grounded on the teacher's internal/reactive
// registry: a mutex-protected map of topic -> subscribed clients. As in
// reactive.Client, a Send func stands in for a concrete websocket.Conn so
// this package never imports gorilla/websocket or internal/pipeline.
package tracehub

import "sync"

// Event is one stage transition or terminal outcome for a single
// query_id's repair loop (spec §4.8's state machine).
type Event struct {
	QueryID      string
	Stage        string
	AttemptIndex int
	Confidence   float64
	SQL          string
	Message      string
	Terminal     bool
}

// Client abstracts over a websocket connection.
type Client struct {
	Send func(Event) error
}

type topic struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// Hub fans out trace events to every client subscribed to a query_id.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// Subscribe registers cl to receive events for queryID.
func (h *Hub) Subscribe(queryID string, cl *Client) {
	h.mu.Lock()
	t, ok := h.topics[queryID]
	if !ok {
		t = &topic{clients: make(map[*Client]struct{})}
		h.topics[queryID] = t
	}
	h.mu.Unlock()

	t.mu.Lock()
	t.clients[cl] = struct{}{}
	t.mu.Unlock()
}

// Unsubscribe removes cl from queryID's topic, pruning the topic once it
// has no remaining clients.
func (h *Hub) Unsubscribe(queryID string, cl *Client) {
	h.mu.RLock()
	t, ok := h.topics[queryID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.Lock()
	delete(t.clients, cl)
	empty := len(t.clients) == 0
	t.mu.Unlock()

	if empty {
		h.mu.Lock()
		delete(h.topics, queryID)
		h.mu.Unlock()
	}
}

// Publish delivers ev to every client currently subscribed to
// ev.QueryID. It is a no-op when nobody is subscribed, which is the
// common case: most requests never set trace:true. A client whose Send
// fails is left for the websocket handler's own read loop to notice and
// unsubscribe; Publish does not mutate the client set.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	t, ok := h.topics[ev.QueryID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	t.mu.RLock()
	clients := make([]*Client, 0, len(t.clients))
	for cl := range t.clients {
		clients = append(clients, cl)
	}
	t.mu.RUnlock()

	for _, cl := range clients {
		_ = cl.Send(ev)
	}
}
