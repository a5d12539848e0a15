package hub

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Message is the payload exchanged with connected application instances.
// The Type field identifies the message kind, the other fields are
// set depending on the type.
type Message struct {
	Type         string        `json:"type"`
	URL          string        `json:"url,omitempty"`
	Action       string        `json:"action,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}

// Notification describes a visual alert an instance should display.
type Notification struct {
	Title   string               `json:"title"`
	Body    string               `json:"body"`
	Icon    string               `json:"icon,omitempty"`
	Actions []NotificationAction `json:"actions,omitempty"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// MessageHandler is called for every message received from an instance.
// The instance the message came from is passed along so a reply can be
// posted directly to it.
type MessageHandler func(*Instance, Message)

const (
	writeWait      = 10 * time.Second
	sendBufferSize = 16
)

// Hub is the registry of connected application instances.
// Instances attach over a websocket; the hub can broadcast a message
// to all of them or post to a single one.
//
// All methods are safe for concurrent use.
type Hub struct {
	mutex     sync.RWMutex
	instances map[string]*Instance
	handler   MessageHandler
	upgrader  websocket.Upgrader
}

func New() *Hub {
	return &Hub{
		instances: make(map[string]*Instance),
		upgrader: websocket.Upgrader{
			// instances are same-origin by definition
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// OnMessage sets the handler called for messages received from instances.
// It must be called before instances attach.
func (h *Hub) OnMessage(handler MessageHandler) {
	h.handler = handler
}

// ServeHTTP implements the http.Handler interface.
// It upgrades the request to a websocket and registers the instance.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Could not upgrade instance connection")
		return
	}
	instance := &Instance{
		ID:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan Message, sendBufferSize),
	}
	h.register(instance)
	go instance.writeLoop()
	instance.readLoop()
}

// Broadcast sends the message to every connected instance.
// Slow instances are skipped rather than blocked on.
func (h *Hub) Broadcast(msg Message) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	for _, instance := range h.instances {
		instance.post(msg)
	}
}

// Instances returns the ids of all connected instances.
func (h *Hub) Instances() []string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	ids := make([]string, 0, len(h.instances))
	for id := range h.instances {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of connected instances.
func (h *Hub) Count() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.instances)
}

func (h *Hub) register(instance *Instance) {
	h.mutex.Lock()
	h.instances[instance.ID] = instance
	h.mutex.Unlock()
	log.Debug().Str("instance", instance.ID).Msg("Instance connected")
}

func (h *Hub) unregister(instance *Instance) {
	h.mutex.Lock()
	_, ok := h.instances[instance.ID]
	if ok {
		delete(h.instances, instance.ID)
		close(instance.send)
	}
	h.mutex.Unlock()
	if ok {
		log.Debug().Str("instance", instance.ID).Msg("Instance disconnected")
	}
}

// Instance is one connected application instance.
type Instance struct {
	ID   string
	hub  *Hub
	conn *websocket.Conn
	send chan Message
}

// Post sends the message to this instance only.
func (i *Instance) Post(msg Message) {
	i.hub.mutex.RLock()
	defer i.hub.mutex.RUnlock()
	if _, ok := i.hub.instances[i.ID]; !ok {
		return
	}
	i.post(msg)
}

// post queues the message without blocking.
// The caller must hold the hub lock (at least for reading).
func (i *Instance) post(msg Message) {
	select {
	case i.send <- msg:
	default:
		log.Warn().Str("instance", i.ID).Str("type", msg.Type).Msg("Instance send buffer full, dropping message")
	}
}

func (i *Instance) readLoop() {
	defer func() {
		i.hub.unregister(i)
		i.conn.Close()
	}()
	for {
		var msg Message
		if err := i.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Err(err).Str("instance", i.ID).Msg("Instance read error")
			}
			return
		}
		log.Trace().Str("instance", i.ID).Str("type", msg.Type).Msg("Message from instance")
		if i.hub.handler != nil {
			i.hub.handler(i, msg)
		}
	}
}

func (i *Instance) writeLoop() {
	defer i.conn.Close()
	for msg := range i.send {
		i.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := i.conn.WriteJSON(msg); err != nil {
			log.Debug().Err(err).Str("instance", i.ID).Msg("Instance write error")
			return
		}
	}
	// send channel closed, tell the instance we are done
	i.conn.SetWriteDeadline(time.Now().Add(writeWait))
	i.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
