package protocol

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmfeed/internal/message"
)

type fakeRegistry struct {
	mu         sync.Mutex
	registered []string
	peers      []string
}

func (f *fakeRegistry) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/register":
		var req struct {
			Addr string `json:"addr"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		f.registered = append(f.registered, req.Addr)
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodGet && r.URL.Path == "/peers":
		_ = json.NewEncoder(w).Encode(f.peers)
	default:
		http.NotFound(w, r)
	}
}

func TestPollBootstrapRegistersAndFeedsDialer(t *testing.T) {
	registry := &fakeRegistry{peers: []string{"127.0.0.1:9001", "10.0.0.4:9001", "10.0.0.5:9001"}}
	srv := httptest.NewServer(registry)
	t.Cleanup(srv.Close)

	n := newTestNode(t)
	n.rt.bootstrapURL = srv.URL + "/"
	n.rt.pollBootstrap()

	registry.mu.Lock()
	assert.Equal(t, []string{"127.0.0.1:9001"}, registry.registered)
	registry.mu.Unlock()
	assert.Equal(t, []string{"10.0.0.4:9001", "10.0.0.5:9001"}, n.rt.Dialer().Desired())
}

func TestFetchPeersReportsBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	n := newTestNode(t)
	n.rt.bootstrapURL = srv.URL
	_, err := n.rt.FetchPeers(n.rt.Context())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestSyncPeersLeadsWithSelf(t *testing.T) {
	n := newTestNode(t)
	n.rt.Dialer().Add("10.0.0.6:9001")
	n.rt.syncPeers()

	broadcasts := n.transport.Broadcasts()
	require.Len(t, broadcasts, 1)
	ps, ok := broadcasts[0].(message.PeerSync)
	require.True(t, ok)
	assert.Equal(t, []string{"127.0.0.1:9001", "10.0.0.6:9001"}, ps.Addrs)
}
