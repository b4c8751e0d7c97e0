// Package diag serves a local read-only websocket feed of recent
// gateway activity for operator tooling. It is purely observational:
// nothing upstream of it reads anything back, and a slow or absent
// client can never stall the forwarding path.
package diag

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// EventKind labels the diagnostic events the server fans out.
type EventKind string

const (
	EventUplinkReceived     EventKind = "uplink_received"
	EventDownlinkDispatched EventKind = "downlink_dispatched"
	EventThrottleDecision   EventKind = "throttle_decision"
	EventBeaconMatched      EventKind = "beacon_matched"
)

// Event is one fan-out frame, sent to every connected client as JSON.
type Event struct {
	Kind      EventKind       `json:"kind"`
	Timestamp int64           `json:"timestamp"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

// ringSize bounds how many recent events a newly connected client is
// replayed before it starts receiving live events.
const ringSize = 64

// Server accepts websocket upgrades and fans out Events to every
// connected client.
type Server struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	ring    []Event
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewServer constructs a diagnostics server. Call ServeHTTP (directly,
// or mounted on an http.ServeMux) to accept connections.
func NewServer() *Server {
	return &Server{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeHTTP upgrades the connection and registers the client for
// fan-out until it disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("diag: upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan Event, ringSize)}
	s.register(c)
	defer s.unregister(c)

	go c.writeLoop()
	c.readLoop()
}

func (s *Server) register(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
	for _, ev := range s.ring {
		select {
		case c.send <- ev:
		default:
		}
	}
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
}

// Publish fans an event out to every connected client. A client whose
// send buffer is full has the event dropped for it rather than
// blocking the publisher, mirroring the teacher's "log and drop" queue
// handling.
func (s *Server) Publish(ev Event) {
	if ev.Timestamp == 0 {
		ev.Timestamp = time.Now().Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.ring = append(s.ring, ev)
	if len(s.ring) > ringSize {
		s.ring = s.ring[len(s.ring)-ringSize:]
	}

	for c := range s.clients {
		select {
		case c.send <- ev:
		default:
			log.Printf("diag: client send buffer full, dropping event")
		}
	}
}

func (c *client) writeLoop() {
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
	c.conn.Close()
}

func (c *client) readLoop() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
