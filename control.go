package offlineagent

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/ericselin/offline-agent/hub"

	"github.com/go-chi/chi/v5"
)

// Message types exchanged with application instances.
const (
	MsgSkipWaiting       = "SKIP_WAITING"
	MsgUpdateAvailable   = "UPDATE_AVAILABLE"
	MsgControllerChange  = "CONTROLLER_CHANGE"
	MsgShowNotification  = "SHOW_NOTIFICATION"
	MsgNotificationClick = "NOTIFICATION_CLICK"
	MsgOpenWindow        = "OPEN_WINDOW"
)

// Notification display constants. The title is fixed, only the body
// comes from the push payload.
const (
	notificationTitle = "New notification"
	notificationIcon  = "/icon-192.png"
	actionOpen        = "open"
)

// ControlHandler returns the control-plane routes: instance attach,
// out-of-band commands and push delivery.
func (a *Agent) ControlHandler() http.Handler {
	r := chi.NewRouter()
	if a.hub != nil {
		r.Get("/connect", a.hub.ServeHTTP)
		r.Get("/instances", a.handleInstances)
	}
	r.Post("/message", a.handleControlMessage)
	r.Post("/push", a.handlePush)
	return r
}

func (a *Agent) handleInstances(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Count     int      `json:"count"`
		Instances []string `json:"instances"`
	}{
		Count:     a.hub.Count(),
		Instances: a.hub.Instances(),
	})
}

// handleControlMessage accepts the same commands over HTTP that
// instances can send over their socket.
func (a *Agent) handleControlMessage(w http.ResponseWriter, r *http.Request) {
	var msg hub.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "Invalid message", http.StatusBadRequest)
		return
	}
	a.handleMessage(nil, msg)
	w.WriteHeader(http.StatusAccepted)
}

// handleMessage handles inbound commands from instances or the
// control plane.
func (a *Agent) handleMessage(instance *hub.Instance, msg hub.Message) {
	switch msg.Type {
	case MsgSkipWaiting:
		a.log.Debug().Msg("Skip-waiting command received")
		a.lifecycle.SkipWaiting()
	case MsgNotificationClick:
		// the open action opens or focuses the application root window,
		// any other interaction just dismisses the notification
		if msg.Action == actionOpen && instance != nil {
			instance.Post(hub.Message{Type: MsgOpenWindow, URL: "/"})
		}
	default:
		a.log.Trace().Str("type", msg.Type).Msg("Ignoring unknown message")
	}
}

// handlePush displays a notification for a delivered push payload.
// Display is best-effort: the notification is broadcast to connected
// instances for showing.
func (a *Agent) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Could not read payload", http.StatusBadRequest)
		return
	}
	a.showNotification(string(body))
	w.WriteHeader(http.StatusAccepted)
}

func (a *Agent) showNotification(body string) {
	if a.hub == nil {
		return
	}
	a.hub.Broadcast(hub.Message{
		Type: MsgShowNotification,
		Notification: &hub.Notification{
			Title: notificationTitle,
			Body:  body,
			Icon:  notificationIcon,
			Actions: []hub.NotificationAction{
				{Action: actionOpen, Title: "Open", Icon: notificationIcon},
			},
		},
	})
}
