package offlineagent

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/ericselin/offline-agent/cache"

	"github.com/rs/zerolog"
)

// raw HTTP/1.1 response text, i.e. the storage format
var cachedResponse = []byte("HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 6\r\n\r\ncached")

func newTestAgent(t *testing.T, originURL string, storage cache.Storage) *Agent {
	t.Helper()
	u, err := url.Parse(originURL)
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.Nop()
	return New(Config{
		Storage:   storage,
		OriginURL: *u,
		Logger:    &logger,
	})
}

// deadOrigin returns the URL of a server that refuses connections.
func deadOrigin(t *testing.T) string {
	t.Helper()
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close()
	return server.URL
}

func TestCachePreferredMissFetchesAndStores(t *testing.T) {
	var hits int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("icon"))
	}))
	defer origin.Close()
	storage := cache.NewMemStorage()
	agent := newTestAgent(t, origin.URL, storage)

	rr := httptest.NewRecorder()
	agent.ServeHTTP(rr, httptest.NewRequest("GET", "/icon-192.png", nil))

	if rr.Code != http.StatusOK || rr.Body.String() != "icon" {
		t.Fatalf("Response is %d %s", rr.Code, rr.Body.String())
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("Origin hit %d times", hits)
	}
	// a copy must be stored in the generic store keyed by the request
	store, _ := storage.Open(DefaultGenericStoreName)
	if _, ok, _ := store.Match("/icon-192.png"); !ok {
		t.Fatal("Response not stored in generic store")
	}
}

func TestCachePreferredHitSkipsNetwork(t *testing.T) {
	var hits int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("icon"))
	}))
	defer origin.Close()
	storage := cache.NewMemStorage()
	agent := newTestAgent(t, origin.URL, storage)

	agent.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/icon-192.png", nil))
	rr := httptest.NewRecorder()
	agent.ServeHTTP(rr, httptest.NewRequest("GET", "/icon-192.png", nil))

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("Origin hit %d times, cache not used", hits)
	}
	if rr.Body.String() != "icon" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "Offline-Agent; hit" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestCachePreferredMissNetworkFailure(t *testing.T) {
	agent := newTestAgent(t, deadOrigin(t), cache.NewMemStorage())

	rr := httptest.NewRecorder()
	agent.ServeHTTP(rr, httptest.NewRequest("GET", "/icon-192.png", nil))

	// no synthetic fallback: the failure propagates
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestAlwaysFreshNeverStored(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fresh"))
	}))
	defer origin.Close()
	storage := cache.NewMemStorage()
	agent := newTestAgent(t, origin.URL, storage)

	rr := httptest.NewRecorder()
	agent.ServeHTTP(rr, httptest.NewRequest("GET", "/index.html", nil))

	if rr.Body.String() != "fresh" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if _, ok, _ := storage.Match("/index.html"); ok {
		t.Fatal("Fresh response was written to a store")
	}
}

func TestAlwaysFreshFallsBackToCache(t *testing.T) {
	storage := cache.NewMemStorage()
	store, _ := storage.Open(DefaultStaticStoreName)
	store.Put("/index.html", cachedResponse)
	agent := newTestAgent(t, deadOrigin(t), storage)

	rr := httptest.NewRecorder()
	agent.ServeHTTP(rr, httptest.NewRequest("GET", "/index.html", nil))

	if rr.Code != http.StatusOK || rr.Body.String() != "cached" {
		t.Fatalf("Response is %d %s", rr.Code, rr.Body.String())
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "Offline-Agent; hit" {
		t.Fatalf("Cache-Status is %q", cs)
	}
}

func TestAlwaysFreshNoCacheNoNetworkFails(t *testing.T) {
	agent := newTestAgent(t, deadOrigin(t), cache.NewMemStorage())

	rr := httptest.NewRecorder()
	agent.ServeHTTP(rr, httptest.NewRequest("GET", "/index.html", nil))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestCorruptedEntryFallsBackToNetwork(t *testing.T) {
	var hits int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("fresh icon"))
	}))
	defer origin.Close()
	storage := cache.NewMemStorage()
	store, _ := storage.Open(DefaultGenericStoreName)
	store.Put("/icon-192.png", []byte("not an http response"))
	agent := newTestAgent(t, origin.URL, storage)

	rr := httptest.NewRecorder()
	agent.ServeHTTP(rr, httptest.NewRequest("GET", "/icon-192.png", nil))

	// the undecodable entry commits nothing, so the miss path takes over
	if rr.Code != http.StatusOK || rr.Body.String() != "fresh icon" {
		t.Fatalf("Response is %d %s", rr.Code, rr.Body.String())
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("Origin hit %d times", hits)
	}
}

func TestCommittedHitFailureDoesNotRefetch(t *testing.T) {
	var hits int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("icon"))
	}))
	defer origin.Close()
	storage := cache.NewMemStorage()
	store, _ := storage.Open(DefaultGenericStoreName)
	// the declared length exceeds the stored body, so the copy fails
	// after the header has been written
	store.Put("/icon-192.png", []byte("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\npartial"))
	agent := newTestAgent(t, origin.URL, storage)

	rr := httptest.NewRecorder()
	agent.ServeHTTP(rr, httptest.NewRequest("GET", "/icon-192.png", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	if got := atomic.LoadInt32(&hits); got != 0 {
		t.Fatalf("Origin hit %d times after the response was committed", got)
	}
}

// failingStorage errors on every storage-wide lookup.
type failingStorage struct {
	cache.Storage
}

func (f *failingStorage) Match(key string) ([]byte, bool, error) {
	return nil, false, errors.New("disk gone")
}

func TestAlwaysFreshCacheErrorLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	u, err := url.Parse(deadOrigin(t))
	if err != nil {
		t.Fatal(err)
	}
	agent := New(Config{
		Storage:   &failingStorage{cache.NewMemStorage()},
		OriginURL: *u,
		Logger:    &logger,
	})

	rr := httptest.NewRecorder()
	agent.ServeHTTP(rr, httptest.NewRequest("GET", "/index.html", nil))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
	if !strings.Contains(buf.String(), "disk gone") {
		t.Fatal("Fallback lookup failure was not logged")
	}
}

func TestNon200NotStored(t *testing.T) {
	var hits int32
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer origin.Close()
	storage := cache.NewMemStorage()
	agent := newTestAgent(t, origin.URL, storage)

	agent.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/missing.png", nil))
	rr := httptest.NewRecorder()
	agent.ServeHTTP(rr, httptest.NewRequest("GET", "/missing.png", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("Status is %d", rr.Code)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("Origin hit %d times, non-200 response was cached", hits)
	}
}

func TestNonGetPassesThrough(t *testing.T) {
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(r.Method))
	}))
	defer origin.Close()
	storage := cache.NewMemStorage()
	agent := newTestAgent(t, origin.URL, storage)

	rr := httptest.NewRecorder()
	agent.ServeHTTP(rr, httptest.NewRequest("POST", "/submit", nil))

	if rr.Body.String() != "POST" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if _, ok, _ := storage.Match("/submit"); ok {
		t.Fatal("Passthrough response was cached")
	}
}

func TestCrossOriginNotIntercepted(t *testing.T) {
	other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("other"))
	}))
	defer other.Close()
	storage := cache.NewMemStorage()
	agent := newTestAgent(t, deadOrigin(t), storage)

	// absolute-form URI targeting another host
	rr := httptest.NewRecorder()
	agent.ServeHTTP(rr, httptest.NewRequest("GET", other.URL+"/asset.png", nil))

	if rr.Body.String() != "other" {
		t.Fatalf("Body is %s", rr.Body.String())
	}
	if _, ok, _ := storage.Match("/asset.png"); ok {
		t.Fatal("Cross-origin response was cached")
	}
}
