package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"qless/queue-server/internal/models"
)

// Subscription narrows what a client receives. An empty field matches
// everything, so a zero Subscription gets the full firehose.
type Subscription struct {
	ChamberID string
	CID       string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

// Event is the envelope pushed to every subscriber whenever a visit changes.
type Event struct {
	Type      string        `json:"type"`
	Visit     *models.Visit `json:"visit,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

type SubscribeMessage struct {
	Action    string `json:"action"`
	ChamberID string `json:"chamber_id"`
	CID       string `json:"cid"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish serializes the event once and fans it out to matching clients. A
// slow client with a full buffer loses the message rather than stalling the
// mutation path.
func (h *Hub) Publish(eventType string, visit models.Visit) {
	payload, err := json.Marshal(Event{
		Type:      eventType,
		Visit:     &visit,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		log.Printf("hub: marshal event %s: %v", eventType, err)
		return
	}
	h.broadcast(payload, Subscription{ChamberID: visit.ChamberID, CID: visit.CID})
}

func (h *Hub) broadcast(payload []byte, meta Subscription) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, meta) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("hub: drop message for client %s", client.ID)
		}
	}
}

func match(sub Subscription, meta Subscription) bool {
	if sub.ChamberID != "" && meta.ChamberID != sub.ChamberID {
		return false
	}
	if sub.CID != "" && meta.CID != sub.CID {
		return false
	}
	return true
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
