package offlineagent

import (
	"io"
	"net/http"
	"net/url"

	"github.com/ericselin/offline-agent/cache"
	"github.com/ericselin/offline-agent/hub"
	serializer "github.com/ericselin/offline-agent/pkg/response-serializer"

	"github.com/rs/zerolog"
)

// Current store identities. All stores with other names are considered
// stale and are pruned at activation.
const (
	DefaultGenericStoreName = "offline-agent-v1"
	DefaultStaticStoreName  = "offline-agent-static-v1"
)

var (
	// DefaultStaticFiles is the minimal set of resources needed for
	// offline bootstrap, precached at install.
	DefaultStaticFiles = []string{"/", "/index.html", "/styles.css", "/script.js", "/manifest.json"}
	// DefaultNoCachePaths are the paths never served cache-first.
	DefaultNoCachePaths = []string{"/", "/index.html", "/service-worker.js"}
)

type Config struct {
	// Storage for the named cache stores.
	Storage cache.Storage
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hub of connected application instances.
	// Update notifications and takeover signals are broadcast to it.
	// May be nil, in which case no notifications are sent.
	Hub *hub.Hub
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
	// Store identities. Defaults are used if empty.
	GenericStoreName string
	StaticStoreName  string
	// Static file set precached at install. Defaults are used if nil.
	StaticFiles []string
	// Paths classified always-fresh. Defaults are used if nil.
	NoCachePaths []string
}

// Agent is the offline-caching agent.
// It implements http.Handler and routes every request to the cache,
// the origin, or one with fallback to the other.
type Agent struct {
	storage          cache.Storage
	origin           url.URL
	hub              *hub.Hub
	log              zerolog.Logger
	classifier       Classifier
	lifecycle        *Lifecycle
	notifier         *UpdateNotifier
	client           http.Client
	genericStoreName string
	staticStoreName  string
	staticFiles      []string
}

// New creates an agent from the given config.
// Lifecycle (install and activation) is not run automatically,
// see Lifecycle.Run.
func New(config Config) *Agent {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	a := &Agent{
		storage:          config.Storage,
		origin:           config.OriginURL,
		hub:              config.Hub,
		log:              logger,
		genericStoreName: config.GenericStoreName,
		staticStoreName:  config.StaticStoreName,
		staticFiles:      config.StaticFiles,
	}
	if a.genericStoreName == "" {
		a.genericStoreName = DefaultGenericStoreName
	}
	if a.staticStoreName == "" {
		a.staticStoreName = DefaultStaticStoreName
	}
	if a.staticFiles == nil {
		a.staticFiles = DefaultStaticFiles
	}
	noCachePaths := config.NoCachePaths
	if noCachePaths == nil {
		noCachePaths = DefaultNoCachePaths
	}
	a.classifier = NewClassifier(noCachePaths)
	a.lifecycle = newLifecycle(a)
	a.notifier = &UpdateNotifier{agent: a}

	// create client instance to use for origin requests
	a.client = http.Client{
		// do not follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	if a.hub != nil {
		a.hub.OnMessage(a.handleMessage)
	}

	return a
}

// Lifecycle returns the agent's lifecycle manager.
func (a *Agent) Lifecycle() *Lifecycle {
	return a.lifecycle
}

// ServeHTTP implements the http.Handler interface.
// It is the main entry point for request routing.
func (a *Agent) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// the update notifier acts on root-document requests independently
	// of the routing decision below
	a.notifier.OnRequest(r)

	if !a.intercepts(r) {
		a.passthrough(w, r)
		return
	}

	key := getKey(r)
	policy := a.classifier.Classify(r.URL.Path)
	logger := a.log.With().Str("key", key).Str("policy", policy.String()).Logger()

	if policy == AlwaysFresh {
		a.serveFresh(w, r, key, &logger)
	} else {
		a.serveCached(w, r, key, &logger)
	}
}

// intercepts reports whether the request is subject to cache routing.
// Only same-origin read requests are intercepted; everything else is
// passed through untouched.
func (a *Agent) intercepts(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	// absolute-form URIs are proxy-style cross-origin traffic
	if r.URL.IsAbs() {
		return false
	}
	return true
}

// serveFresh tries the network first and falls back to the cache.
// A fresh response is never written to any store.
func (a *Agent) serveFresh(w http.ResponseWriter, r *http.Request, key string, logger *zerolog.Logger) {
	res, err := a.fetch(r)
	if err == nil {
		logger.Trace().Msg("Serving fresh response")
		w.Header().Add("Cache-Status", "Offline-Agent; fwd=miss")
		send(w, res)
		return
	}
	logger.Debug().Err(err).Msg("Network failed, trying cache")
	if cached, ok, cacheErr := a.storage.Match(key); cacheErr != nil {
		logger.Error().Err(cacheErr).Msg("Could not retrieve from cache")
	} else if ok && a.sendStored(w, r, cached, logger) {
		return
	}
	// nothing cached either: the failure propagates to the caller
	http.Error(w, "Could not get response", http.StatusBadGateway)
}

// serveCached serves from the cache when possible. On a miss, the
// response is fetched from the network and a copy of a successful
// response is stored in the generic store.
func (a *Agent) serveCached(w http.ResponseWriter, r *http.Request, key string, logger *zerolog.Logger) {
	if cached, ok, err := a.storage.Match(key); err != nil {
		logger.Error().Err(err).Msg("Could not retrieve from cache")
	} else if ok {
		logger.Trace().Msg("Cache hit and serving")
		if a.sendStored(w, r, cached, logger) {
			return
		}
	}

	res, err := a.fetch(r)
	if err != nil {
		// no synthetic fallback on a miss
		logger.Debug().Err(err).Msg("Network failed on cache miss")
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}

	// cache only success (HTTP 200); a write failure is non-fatal,
	// the fetched response is returned regardless
	if res.StatusCode == http.StatusOK {
		if bts, serErr := serializer.ResponseToBytes(res); serErr != nil {
			logger.Error().Err(serErr).Msg("Could not serialize response")
		} else if store, openErr := a.storage.Open(a.genericStoreName); openErr != nil {
			logger.Error().Err(openErr).Msg("Could not open generic store")
		} else if putErr := store.Put(key, bts); putErr != nil {
			logger.Error().Err(putErr).Msg("Could not write to cache")
		} else {
			logger.Trace().Str("store", a.genericStoreName).Msg("Cache write")
		}
	}

	w.Header().Add("Cache-Status", "Offline-Agent; fwd=uri-miss")
	send(w, res)
}

// passthrough pipes the original request through to the origin and
// immediately responds to the client.
func (a *Agent) passthrough(w http.ResponseWriter, r *http.Request) {
	res, err := a.fetch(r)
	if err != nil {
		http.Error(w, "Could not get response", http.StatusBadGateway)
		return
	}
	w.Header().Add("Cache-Status", "Offline-Agent; fwd=bypass")
	send(w, res)
}

// fetch the resource specified in the incoming request from the origin.
// Absolute-form URIs are fetched from their own target instead.
func (a *Agent) fetch(r *http.Request) (*http.Response, error) {
	target := a.origin.String() + r.URL.RequestURI()
	host := a.origin.Host
	if r.URL.IsAbs() {
		target = r.URL.String()
		host = r.URL.Host
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}
	copyHeader(req.Header, r.Header)
	req.Host = host
	return a.client.Do(req)
}

// sendStored writes a previously stored response to the client.
// It reports whether the response was committed: on a decode failure
// nothing has been written and the caller may still respond some other
// way, but once the header is out the response belongs to the client
// and a body-copy failure can only be logged.
func (a *Agent) sendStored(w http.ResponseWriter, r *http.Request, stored []byte, logger *zerolog.Logger) bool {
	res, err := serializer.BytesToResponse(stored, r)
	if err != nil {
		logger.Error().Err(err).Msg("Could not decode stored response")
		return false
	}
	defer res.Body.Close()
	copyHeadersTo(w.Header(), res.Header)
	w.Header().Add("Cache-Status", "Offline-Agent; hit")
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		logger.Error().Err(err).Msg("Could not write stored response")
	}
	return true
}

func send(w http.ResponseWriter, r *http.Response) error {
	defer r.Body.Close()
	copyHeader(w.Header(), r.Header)
	w.WriteHeader(r.StatusCode)
	_, err := io.Copy(w, r.Body)
	return err
}

// getKey returns the cache key for a request.
// Only GET requests are cached, so the key depends only on the URI.
func getKey(r *http.Request) string {
	return r.URL.RequestURI()
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// this is a workaround to remove default headers sent by an upstream proxy
		// some servers do not like the presence of these headers in the downstream request
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}

// copyHeadersTo copies the headers from one http.Header to another.
func copyHeadersTo(dst, src http.Header) {
	for name, values := range src {
		for _, value := range values {
			dst.Set(name, value)
		}
	}
}
