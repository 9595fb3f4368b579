// Package broadcast is the broadcast-channel host primitive (spec.md
// §6.3): an in-process fan-out of committed transactions to every other
// agent sharing a path. It is grounded on the teacher pack's WebSocket
// Hub (FocuswithJustin-JuniperBible's internal/api/websocket.go
// register/unregister/broadcast-channel loop), with the transport layer
// (gorilla/websocket, HTTP upgrade) stripped away: agents here are
// goroutines in one process, not remote browser tabs, so the hub's
// "connection" is just a buffered channel per subscriber.
package broadcast

import (
	"sync"

	"github.com/google/uuid"

	"github.com/sqlite3vfs/idb/internal/log"
	"github.com/sqlite3vfs/idb/internal/metrics"
)

// Message is one committed transaction announcement, delivered to every
// other subscriber on the same channel name (spec.md §4.3: "publish the
// committed transaction to every other agent holding the broadcast channel
// for this path"). Delivery is not guaranteed: Publish drops a message for
// any subscriber whose receive buffer is full.
type Message struct {
	Channel string
	TxID    int64
	Sender  string // agent id of the committing agent
	Payload []byte // opaque to the hub; the tx record bytes
}

// Subscription is a live registration on a channel name. Receive drains
// messages other agents publish; Close unregisters and releases Receive's
// channel.
type Subscription struct {
	id      string
	channel string
	hub     *Hub
	recv    chan Message
}

// ID is this subscription's own agent id; Publish compares it with each
// message's Sender to skip delivering a message back to its sender.
func (s *Subscription) ID() string { return s.id }

// Receive returns the channel new messages for this subscription arrive
// on. It is closed when Close is called.
func (s *Subscription) Receive() <-chan Message { return s.recv }

// Close unregisters the subscription from its hub.
func (s *Subscription) Close() {
	s.hub.unregister(s)
}

// Hub is the process-wide broadcast switchboard: one Hub serves every
// channel name (every open database path), each with its own independent
// subscriber set.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscription]bool
}

// New constructs an empty Hub.
func New() *Hub {
	return &Hub{subscribers: map[string]map[*Subscription]bool{}}
}

// Subscribe registers a new subscription on channel, identified by
// agentID (typically a uuid minted once per agent at process/connection
// start). The buffer size bounds how far behind a slow subscriber may
// fall before Publish starts dropping messages to it.
func Subscribe(h *Hub, channel, agentID string, buffer int) *Subscription {
	if agentID == "" {
		agentID = uuid.NewString()
	}
	s := &Subscription{id: agentID, channel: channel, hub: h, recv: make(chan Message, buffer)}
	h.mu.Lock()
	set, ok := h.subscribers[channel]
	if !ok {
		set = map[*Subscription]bool{}
		h.subscribers[channel] = set
	}
	set[s] = true
	h.mu.Unlock()
	metrics.BroadcastSubscribersGauge.Inc()
	log.WithComponent("broadcast").Debug().Str("channel", channel).Str("agent_id", agentID).Msg("subscribed")
	return s
}

func (h *Hub) unregister(s *Subscription) {
	h.mu.Lock()
	set, ok := h.subscribers[s.channel]
	if ok {
		if _, present := set[s]; present {
			delete(set, s)
			close(s.recv)
			metrics.BroadcastSubscribersGauge.Dec()
		}
		if len(set) == 0 {
			delete(h.subscribers, s.channel)
		}
	}
	h.mu.Unlock()
}

// Publish delivers msg to every subscriber on msg.Channel other than the
// sender itself. A subscriber whose receive buffer is full has the
// message dropped for it rather than blocking the publisher; spec.md
// §4.3's incorporation step tolerates this because a peer that misses a
// broadcast still discovers the commit on its next jLock poll by scanning
// the tx object store directly.
func (h *Hub) Publish(msg Message) {
	metrics.BroadcastMessagesTotal.Inc()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subscribers[msg.Channel] {
		if s.id == msg.Sender {
			continue
		}
		select {
		case s.recv <- msg:
		default:
			log.WithComponent("broadcast").Warn().
				Str("channel", msg.Channel).Str("agent_id", s.id).Msg("subscriber buffer full, dropping message")
		}
	}
}

// Subscribers reports how many live subscriptions exist on channel,
// for diagnostics and tests.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}
