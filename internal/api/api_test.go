package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swarmfeed/internal/authutil"
	"swarmfeed/internal/cache"
	"swarmfeed/internal/crypto"
	"swarmfeed/internal/ledger"
	"swarmfeed/internal/likes"
	"swarmfeed/internal/protocol"
	"swarmfeed/internal/swarm"
	"swarmfeed/internal/wallet"
)

type stubEngine struct{}

func (stubEngine) AddReference(_ context.Context, ref string) ([]swarm.Handle, error) {
	return []swarm.Handle{{
		ID:      ref,
		Name:    "torrent-" + ref,
		Creator: "creator-" + ref,
		Files:   []swarm.File{{Index: 0, Path: ref + ".mp4", Size: 100}},
	}}, nil
}
func (stubEngine) SetFilePriority(swarm.Handle, int, swarm.Priority) error { return nil }
func (stubEngine) Pause(swarm.Handle) error                                { return nil }
func (stubEngine) Resume(swarm.Handle) error                               { return nil }
func (stubEngine) FileProgress(swarm.Handle, int) int64                    { return 100 }
func (stubEngine) FileSize(swarm.Handle, int) int64                        { return 100 }
func (stubEngine) LocalPath(h swarm.Handle, _ int) string                  { return "/data/" + h.ID }
func (stubEngine) DeleteLocalFile(swarm.Handle, int) error                 { return nil }

type stubNode struct {
	id      *crypto.Identity
	dir     *protocol.PeerDirectory
	metrics *protocol.Metrics
	wallet  *wallet.Ledger
	store   *ledger.Store
}

func (n *stubNode) SelfID() string                     { return n.id.ID }
func (n *stubNode) Directory() *protocol.PeerDirectory { return n.dir }
func (n *stubNode) Metrics() *protocol.Metrics         { return n.metrics }

func (n *stubNode) SendTokens(amount int64, recipient string) bool {
	if _, err := n.wallet.TryDebit(n.id.ID, amount); err != nil {
		return false
	}
	n.wallet.Credit(recipient, amount)
	return true
}

func (n *stubNode) BroadcastLike(ctx context.Context, video, torrent, creator string) (ledger.Block, error) {
	return n.store.AppendProposal(ctx, ledger.LikeBlockType, map[string]string{
		ledger.TxLiker:   n.id.ID,
		ledger.TxVideo:   video,
		ledger.TxTorrent: torrent,
		ledger.TxAuthor:  creator,
	}, n.id.Private)
}

type stubPublisher struct{ path string }

func (p *stubPublisher) Publish(_ context.Context, path string) (string, error) {
	p.path = path
	return "magnet:?xt=urn:btih:abc", nil
}

type fixture struct {
	srv    *Server
	node   *stubNode
	cache  *cache.Cache
	pub    *stubPublisher
	token  string
	http   *httptest.Server
	issuer *authutil.Issuer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	id, err := crypto.NewIdentity()
	require.NoError(t, err)
	backend, err := ledger.OpenBolt(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	store, err := ledger.NewStore(backend, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	wl, err := wallet.New(nil, nil)
	require.NoError(t, err)
	wl.SetBalance(id.ID, 10)

	node := &stubNode{id: id, dir: protocol.NewPeerDirectory(), metrics: protocol.NewMetrics(), wallet: wl, store: store}
	c := cache.New(stubEngine{}, cache.Options{Radius: 1})
	issuer := authutil.NewIssuer("test-secret", time.Hour)
	pub := &stubPublisher{}
	srv := NewServer(Options{
		Addr:         "127.0.0.1:0",
		Node:         node,
		Content:      c,
		Wallets:      wl,
		Likes:        likes.New(store),
		Publisher:    pub,
		Issuer:       issuer,
		DecodeErrors: func() uint64 { return 3 },
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.hub.Close)
	token, err := issuer.Issue(id.ID)
	require.NoError(t, err)
	return &fixture{srv: srv, node: node, cache: c, pub: pub, token: token, http: ts, issuer: issuer}
}

func (f *fixture) do(t *testing.T, method, path string, body any, auth bool) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.http.URL+path, &buf)
	require.NoError(t, err)
	if auth {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/content", "/content/current", "/content/0/watched", "/tokens", "/likes", "/publish"} {
		resp := f.do(t, http.MethodPost, path, map[string]string{}, false)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	foreign, err := f.issuer.Issue("someone-else")
	require.NoError(t, err)
	req, _ := http.NewRequest(http.MethodPost, f.http.URL+"/tokens", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer "+foreign)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHealthAndStats(t *testing.T) {
	f := newFixture(t)
	health := decodeBody[map[string]string](t, f.do(t, http.MethodGet, "/healthz", nil, false))
	assert.Equal(t, f.node.SelfID(), health["peer_id"])

	stats := decodeBody[statsPayload](t, f.do(t, http.MethodGet, "/stats", nil, false))
	assert.Equal(t, uint64(3), stats.Overlay.DecodeErrors)
	assert.Equal(t, 0, stats.Items)
}

func TestContentLifecycle(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/content/0", nil, false)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	for _, ref := range []string{"a", "b", "c", "d"} {
		resp := f.do(t, http.MethodPost, "/content", addContentRequest{Ref: ref}, true)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}
	items := decodeBody[[]cache.MediaInfo](t, f.do(t, http.MethodGet, "/content", nil, false))
	require.Len(t, items, 4)

	info := decodeBody[cache.MediaInfo](t, f.do(t, http.MethodGet, "/content/5?timeout_ms=10", nil, false))
	assert.Equal(t, 1, info.Index)
	assert.Equal(t, "b.mp4", info.FileName)

	cur := decodeBody[cache.MediaInfo](t, f.do(t, http.MethodPost, "/content/current", setCurrentRequest{Step: "prev"}, true))
	assert.Equal(t, 3, cur.Index)
	assert.Equal(t, 3, f.cache.Current())

	two := 2
	cur = decodeBody[cache.MediaInfo](t, f.do(t, http.MethodPost, "/content/current", setCurrentRequest{Index: &two}, true))
	assert.Equal(t, 2, cur.Index)

	resp = f.do(t, http.MethodPost, "/content/2/watched", nil, true)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, f.cache.Items()[2].Watched)

	resp = f.do(t, http.MethodGet, "/content/x", nil, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/content/current", map[string]string{}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSendTokensAndWallets(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/tokens", sendTokensRequest{Recipient: "bob", Amount: 5}, true)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 5, decodeBody[map[string]any](t, resp)["balance"])

	resp = f.do(t, http.MethodPost, "/tokens", sendTokensRequest{Recipient: "bob", Amount: 6}, true)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/tokens", sendTokensRequest{Recipient: "bob", Amount: 0}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	bob := decodeBody[map[string]any](t, f.do(t, http.MethodGet, "/wallets/bob", nil, false))
	assert.EqualValues(t, 5, bob["balance"])
	self := decodeBody[map[string]any](t, f.do(t, http.MethodGet, "/wallets/self", nil, false))
	assert.Equal(t, f.node.SelfID(), self["peer_id"])

	all := decodeBody[[]wallet.Balance](t, f.do(t, http.MethodGet, "/wallets", nil, false))
	assert.Len(t, all, 2)
}

func TestLikeRoutes(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/content", addContentRequest{Ref: "a"}, true).StatusCode)

	zero := 0
	resp := f.do(t, http.MethodPost, "/likes", likeRequest{Index: &zero}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/likes", likeRequest{Video: "v2", Torrent: "t2", Creator: "creator-a"}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/likes", likeRequest{Video: "v2"}, true)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	got := decodeBody[[]likes.Like](t, f.do(t, http.MethodGet, "/likes?video=a.mp4&torrent=torrent-a", nil, false))
	require.Len(t, got, 1)
	assert.Equal(t, f.node.SelfID(), got[0].Liker)
	assert.Equal(t, "creator-a", got[0].Author)

	check := decodeBody[map[string]any](t, f.do(t, http.MethodGet, "/likes/check?video=a.mp4&torrent=torrent-a", nil, false))
	assert.Equal(t, true, check["liked"])

	posted := decodeBody[[]likes.PostedVideo](t, f.do(t, http.MethodGet, "/authors/creator-a/videos", nil, false))
	assert.Len(t, posted, 2)

	profile := decodeBody[likes.Profile](t, f.do(t, http.MethodGet, "/authors/creator-a/profile", nil, false))
	assert.Equal(t, 2, profile.Videos)
	assert.Equal(t, 2, profile.TotalLikes)

	received := decodeBody[[]likes.Like](t, f.do(t, http.MethodGet, "/authors/creator-a/likes", nil, false))
	assert.Len(t, received, 2)

	liked := decodeBody[[]likes.Content](t, f.do(t, http.MethodGet, "/likers/self/likes", nil, false))
	assert.Equal(t, []likes.Content{{Video: "a.mp4", Torrent: "torrent-a"}, {Video: "v2", Torrent: "t2"}}, liked)
}

func TestPublish(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodPost, "/publish", publishRequest{Path: "/videos/clip.mp4"}, true)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "/videos/clip.mp4", f.pub.path)
	assert.Equal(t, "magnet:?xt=urn:btih:abc", decodeBody[map[string]string](t, resp)["magnet"])
}

func TestWebsocketStreamsEvents(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if resp != nil {
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL+"?token="+f.token, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return f.srv.Hub().Clients() == 1 }, time.Second, 10*time.Millisecond)

	f.srv.Hub().Publish(protocol.Event{Type: protocol.EventWallet, Time: time.Now(), Data: protocol.TransferEvent{Sender: "a", Recipient: "b", Amount: 1}})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var evt struct {
		Type string                 `json:"type"`
		Data protocol.TransferEvent `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, protocol.EventWallet, evt.Type)
	assert.Equal(t, "b", evt.Data.Recipient)

	f.srv.Hub().Close()
	assert.Equal(t, 0, f.srv.Hub().Clients())
}
