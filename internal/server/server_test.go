package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryan-buckman/subscriptiondb/internal/cache"
	"github.com/bryan-buckman/subscriptiondb/internal/database"
	"github.com/bryan-buckman/subscriptiondb/internal/engine"
	"github.com/bryan-buckman/subscriptiondb/internal/model"
	"github.com/bryan-buckman/subscriptiondb/internal/opml"
)

func newTestEngine(t *testing.T) *engine.Engine {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := engine.New(db, cache.NewMemory(logger), engine.WithLogger(logger))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-e.Ready():
	case err := <-done:
		t.Fatalf("engine stopped: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine not ready")
	}
	return e
}

func idle(t *testing.T, e *engine.Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.WaitIdle(ctx))
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func addBody(typ, nickname, title string) string {
	b, _ := json.Marshal(map[string]any{
		"containerType": typ,
		"nickname":      nickname,
		"data":          map[string]string{"title": title, "href": "H-" + title, "img": "I-" + title},
	})
	return string(b)
}

func decodeView(t *testing.T, rec *httptest.ResponseRecorder) model.View {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var v model.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestBannerAndHealth(t *testing.T) {
	h := New(newTestEngine(t), Options{}).Handler()

	rec := do(t, h, http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Banner, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAddEntryAndViews(t *testing.T) {
	e := newTestEngine(t)
	h := New(e, Options{}).Handler()

	rec := do(t, h, http.MethodPost, "/addEntry", addBody("Baidu", "MMD Teiba", "b"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"accepted"}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/addEntry", addBody("Baidu", "MMD Teiba", "b"))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"duplicate"}`, rec.Body.String())

	do(t, h, http.MethodPost, "/addEntry", addBody("Baidu", "MMD Teiba", "a"))
	do(t, h, http.MethodPost, "/addEntry", addBody("Ruten", "shop", "c"))
	idle(t, e)

	view := decodeView(t, do(t, h, http.MethodGet, "/container", ""))
	assert.Equal(t, []string{"Baidu", "Ruten"}, view.Types)
	require.Len(t, view.Container, 2)
	assert.Equal(t, "a", view.Container[0].List[0].Title)
	assert.Equal(t, "b", view.Container[0].List[1].Title)

	view = decodeView(t, do(t, h, http.MethodGet, "/container/Baidu/MMD%20Teiba", ""))
	require.Len(t, view.Container, 1)
	assert.Len(t, view.Container[0].List, 2)

	rec = do(t, h, http.MethodGet, "/containerType", "")
	assert.JSONEq(t, `["Baidu","Ruten"]`, rec.Body.String())
}

func TestAddEntry_BadRequests(t *testing.T) {
	h := New(newTestEngine(t), Options{}).Handler()

	rec := do(t, h, http.MethodPost, "/addEntry", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/addEntry", `{"containerType":"Baidu","nickname":"n","data":{"title":"t","href":"h"}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `{"error":"invalid entry: missing img"}`, rec.Body.String())
}

func TestNoticeFlow(t *testing.T) {
	e := newTestEngine(t)
	h := New(e, Options{}).Handler()

	do(t, h, http.MethodPost, "/addEntry", addBody("Baidu", "MMD Teiba", "x"))
	do(t, h, http.MethodPost, "/addEntry", addBody("Baidu", "MMD Teiba", "y"))
	idle(t, e)

	view := decodeView(t, do(t, h, http.MethodGet, "/container", ""))
	id := view.Container[0].List[0].ID

	rec := do(t, h, http.MethodPost, "/notice/"+jsonNumber(id), "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	idle(t, e)

	unnoticed := decodeView(t, do(t, h, http.MethodGet, "/container/unnoticed", ""))
	require.Len(t, unnoticed.Container, 1)
	require.Len(t, unnoticed.Container[0].List, 1)
	assert.Equal(t, "y", unnoticed.Container[0].List[0].Title)

	rec = do(t, h, http.MethodPost, "/notice/424242", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, h, http.MethodPost, "/notice/abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/noticeAll/Baidu/MMD%20Teiba", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"queued","count":1}`, rec.Body.String())
	idle(t, e)

	unnoticed = decodeView(t, do(t, h, http.MethodGet, "/container/unnoticed", ""))
	assert.Empty(t, unnoticed.Container)

	rec = do(t, h, http.MethodPost, "/noticeAll/Baidu/nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDebugCache(t *testing.T) {
	e := newTestEngine(t)
	h := New(e, Options{}).Handler()
	do(t, h, http.MethodPost, "/addEntry", addBody("Baidu", "n", "t"))
	idle(t, e)

	rec := do(t, h, http.MethodGet, "/debug/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Stats map[string]int `json:"stats"`
		Lines []string       `json:"lines"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Stats["active"])
	assert.NotEmpty(t, body.Lines)
}

func TestRestrictMode(t *testing.T) {
	h := New(newTestEngine(t), Options{RestrictMode: true, Whitelist: []string{"10.1.1.1"}}).Handler()

	req := httptest.NewRequest(http.MethodGet, "/container", nil)
	req.RemoteAddr = "10.9.9.9:5555"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/container", nil)
	req.RemoteAddr = "10.1.1.1:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/container", nil)
	req.RemoteAddr = "192.168.0.10:5555"
	req.Header.Set("X-Forwarded-For", "10.1.1.1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "forwarded client address is honoured")

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.9.9.9:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code, "health checks bypass the whitelist")
}

func TestExportOPML(t *testing.T) {
	e := newTestEngine(t)
	sources := []model.Source{
		{Type: "Ruten", Nickname: "shop", URL: "https://r.example/feed"},
		{Type: "Baidu", Nickname: "MMD Teiba", URL: "https://b.example/rss"},
	}
	h := New(e, Options{Sources: func(context.Context) ([]model.Source, error) {
		return sources, nil
	}}).Handler()

	rec := do(t, h, http.MethodGet, "/export-opml", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "subscriptiondb-sources.opml")

	got, err := opml.Parse(rec.Body, "Other")
	require.NoError(t, err)
	assert.Equal(t, []model.Source{sources[1], sources[0]}, got, "one folder per type, sorted")
}

func TestExportOPML_NoSources(t *testing.T) {
	e := newTestEngine(t)

	rec := do(t, New(e, Options{}).Handler(), http.MethodGet, "/export-opml", "")
	require.Equal(t, http.StatusOK, rec.Code)
	got, err := opml.Parse(rec.Body, "Other")
	require.NoError(t, err)
	assert.Empty(t, got)

	failing := New(e, Options{Sources: func(context.Context) ([]model.Source, error) {
		return nil, errors.New("opml file missing")
	}}).Handler()
	rec = do(t, failing, http.MethodGet, "/export-opml", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func jsonNumber(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
