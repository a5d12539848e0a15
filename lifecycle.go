package offlineagent

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/ericselin/offline-agent/hub"
	serializer "github.com/ericselin/offline-agent/pkg/response-serializer"

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of the agent.
type State int32

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	}
	return "uninstalled"
}

// Lifecycle drives store setup at install and store pruning plus
// instance takeover at activation.
type Lifecycle struct {
	agent       *Agent
	state       int32
	release     chan struct{}
	releaseOnce sync.Once
}

func newLifecycle(a *Agent) *Lifecycle {
	return &Lifecycle{
		agent:   a,
		release: make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	return State(atomic.LoadInt32(&l.state))
}

func (l *Lifecycle) setState(s State) {
	atomic.StoreInt32(&l.state, int32(s))
	l.agent.log.Debug().Str("state", s.String()).Msg("Lifecycle state change")
}

// Install populates the static-assets store with the static file set.
// Fetches run in parallel and the whole set is stored all-or-nothing:
// if any single file fails, nothing is stored and the attempt is over.
// On success the agent force-activates immediately instead of waiting
// for previous versions to let go.
func (l *Lifecycle) Install(ctx context.Context) error {
	l.setState(StateInstalling)

	store, err := l.agent.storage.Open(l.agent.staticStoreName)
	if err != nil {
		l.setState(StateUninstalled)
		return fmt.Errorf("install: %w", err)
	}

	entries := make(map[string][]byte, len(l.agent.staticFiles))
	var mutex sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, path := range l.agent.staticFiles {
		path := path
		g.Go(func() error {
			bts, err := l.precacheFetch(gctx, path)
			if err != nil {
				return fmt.Errorf("precache %s: %w", path, err)
			}
			mutex.Lock()
			entries[path] = bts
			mutex.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		l.setState(StateUninstalled)
		return fmt.Errorf("install: %w", err)
	}
	if err := store.AddAll(entries); err != nil {
		l.setState(StateUninstalled)
		return fmt.Errorf("install: %w", err)
	}

	l.setState(StateInstalled)
	l.agent.log.Info().Int("files", len(entries)).Str("store", store.Name()).Msg("Static files cached")

	// force takeover
	l.SkipWaiting()
	return nil
}

// precacheFetch fetches a single static file from the origin and
// returns the serialized response. Only a 200 counts as success.
func (l *Lifecycle) precacheFetch(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.agent.origin.String()+path, nil)
	if err != nil {
		return nil, err
	}
	res, err := l.agent.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", res.StatusCode)
	}
	return serializer.ResponseToBytes(res)
}

// SkipWaiting releases the waiting gate between install and activation,
// regardless of other waiting instances. Safe to call any number of
// times from any goroutine.
func (l *Lifecycle) SkipWaiting() {
	l.releaseOnce.Do(func() {
		l.agent.log.Debug().Msg("Skipping wait, ready to activate")
		close(l.release)
	})
}

// Activate deletes every store whose name does not match the two
// current identities, then takes control of all connected instances.
// Each stale store is deleted independently: a failure deleting one
// does not block the others or the activation. Idempotent.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.setState(StateActivating)

	names, err := l.agent.storage.Names()
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	for _, name := range names {
		if name == l.agent.genericStoreName || name == l.agent.staticStoreName {
			continue
		}
		if err := l.agent.storage.Delete(name); err != nil {
			l.agent.log.Error().Err(err).Str("store", name).Msg("Could not delete stale store")
			continue
		}
		l.agent.log.Debug().Str("store", name).Msg("Deleted stale store")
	}

	// the generic store must exist for runtime writes
	if _, err := l.agent.storage.Open(l.agent.genericStoreName); err != nil {
		l.agent.log.Error().Err(err).Msg("Could not open generic store")
	}

	l.setState(StateActive)

	// take control of all open instances immediately,
	// without waiting for a reload
	if l.agent.hub != nil {
		l.agent.hub.Broadcast(hub.Message{Type: MsgControllerChange})
	}
	return nil
}

// Run drives the full lifecycle: install, wait for release, activate.
// The wait is released by install itself (force takeover) or by an
// explicit skip-waiting command.
func (l *Lifecycle) Run(ctx context.Context) error {
	if err := l.Install(ctx); err != nil {
		return err
	}
	select {
	case <-l.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return l.Activate(ctx)
}
