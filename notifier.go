package offlineagent

import (
	"context"
	"net/http"

	"github.com/ericselin/offline-agent/hub"
)

// UpdateNotifier watches root-document requests and broadcasts an
// update-available signal to all connected instances.
type UpdateNotifier struct {
	agent *Agent
}

// OnRequest starts an independent update check for root-document
// requests. This deliberately duplicates the router's own fetch of the
// same URL: the notifier and the router are independent listeners and
// both fire, so the broadcast timing is not tied to the routing outcome.
func (n *UpdateNotifier) OnRequest(r *http.Request) {
	if n.agent.hub == nil {
		return
	}
	if r.Method != http.MethodGet || !isRootDocument(r.URL.Path) {
		return
	}
	// absolute-form URIs are cross-origin traffic, not the application
	// root document
	if r.URL.IsAbs() {
		return
	}
	go n.check(r.URL.Path)
}

func isRootDocument(path string) bool {
	return path == "" || path == "/"
}

// check fetches the root document from the origin and broadcasts
// UPDATE_AVAILABLE when any response arrives. A fetch failure is
// swallowed: the cached copy keeps serving and nothing is broadcast.
func (n *UpdateNotifier) check(path string) {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, n.agent.origin.String()+path, nil)
	if err != nil {
		return
	}
	res, err := n.agent.client.Do(req)
	if err != nil {
		n.agent.log.Trace().Err(err).Msg("Update check failed")
		return
	}
	res.Body.Close()
	n.agent.log.Debug().Int("instances", n.agent.hub.Count()).Msg("Update available, notifying instances")
	n.agent.hub.Broadcast(hub.Message{Type: MsgUpdateAvailable})
}
