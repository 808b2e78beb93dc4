package bootstrap

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	app, err := NewApp(&Config{Addr: "127.0.0.1:0", PeerTTL: time.Minute}, nil)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	return app
}

func TestRegisterThenList(t *testing.T) {
	app := newTestApp(t)
	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	for _, addr := range []string{"10.0.0.2:9000", "10.0.0.1:9000", "10.0.0.2:9000"} {
		resp, err := http.Post(srv.URL+"/register", "application/json", strings.NewReader(`{"addr":"`+addr+`"}`))
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("register status %d", resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/peers")
	if err != nil {
		t.Fatalf("peers: %v", err)
	}
	defer resp.Body.Close()
	var peers []string
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(peers) != 2 || peers[0] != "10.0.0.1:9000" || peers[1] != "10.0.0.2:9000" {
		t.Fatalf("unexpected peers %v", peers)
	}
}

func TestRegisterRejectsBadInput(t *testing.T) {
	app := newTestApp(t)
	h := app.Routes()

	for _, body := range []string{"{", `{"addr":""}`, `{"addr":"nohost"}`, `{"addr":"10.0.0.1:0"}`, `{"addr":"10.0.0.1:http"}`} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(body)))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %q: expected 400, got %d", body, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/register", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestRegisterWildcardUsesRemoteHost(t *testing.T) {
	app := newTestApp(t)
	h := app.Routes()

	for _, addr := range []string{":9001", "0.0.0.0:9002", "[::]:9003"} {
		req := httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"addr":"`+addr+`"}`))
		req.RemoteAddr = "203.0.113.7:51000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("addr %q: expected 200, got %d", addr, rec.Code)
		}
	}
	peers, err := app.Store.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"203.0.113.7:9001", "203.0.113.7:9002", "203.0.113.7:9003"}
	if strings.Join(peers, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected peers %v", peers)
	}
}

type failingStore struct{}

func (failingStore) Register(context.Context, string) error { return errors.New("down") }
func (failingStore) List(context.Context) ([]string, error) { return nil, errors.New("down") }
func (failingStore) Close() error                           { return nil }

func TestStoreFailureIsUnavailable(t *testing.T) {
	app := newTestApp(t)
	app.Store = failingStore{}
	h := app.Routes()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(`{"addr":"a:1"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/peers", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	cfg := LoadConfig(v)
	if cfg.Addr != ":8000" || cfg.PeerTTL != 2*time.Minute || cfg.RedisURL != "" {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestStartAndShutdown(t *testing.T) {
	app := newTestApp(t)
	if err := app.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	WaitForShutdown(ctx, app)
}
