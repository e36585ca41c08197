package relay_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Transcendeu/transcendence-sub000/internal/relay"
)

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// TestHandler_CreateSession 建立比賽：冪等與參數驗證
func TestHandler_CreateSession(t *testing.T) {
	r := newRig(t, nil)

	t.Run("creates and is idempotent per name", func(t *testing.T) {
		resp, out := doJSON(t, http.MethodPost, r.server.URL+"/session",
			map[string]any{"name": "小明"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		first := out["gameId"].(string)
		require.NotEmpty(t, first)

		// 同名再建回傳既有比賽
		resp, out = doJSON(t, http.MethodPost, r.server.URL+"/session",
			map[string]any{"name": "小明"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, first, out["gameId"])

		// 不同名是另一場比賽
		resp, out = doJSON(t, http.MethodPost, r.server.URL+"/session",
			map[string]any{"name": "小華"})
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.NotEqual(t, first, out["gameId"])
	})

	t.Run("empty name rejected", func(t *testing.T) {
		resp, out := doJSON(t, http.MethodPost, r.server.URL+"/session",
			map[string]any{"name": ""})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.NotEmpty(t, out["error"])
	})

	t.Run("malformed body rejected", func(t *testing.T) {
		resp, err := http.Post(r.server.URL+"/session", "application/json",
			strings.NewReader("{不是 JSON"))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

// TestHandler_Capacity 容量上限映射為 503
func TestHandler_Capacity(t *testing.T) {
	r := newRig(t, func(cfg *relay.Config) {
		cfg.Session.MaxSessions = 1
	})

	r.createSession(t, "小明", false)

	resp, out := doJSON(t, http.MethodPost, r.server.URL+"/session",
		map[string]any{"name": "小華"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotEmpty(t, out["error"])
}

// TestHandler_SessionQueries 查詢端點
func TestHandler_SessionQueries(t *testing.T) {
	r := newRig(t, nil)
	id := r.createSession(t, "小明", false)

	t.Run("by id", func(t *testing.T) {
		resp, out := doJSON(t, http.MethodGet, r.server.URL+"/session/"+id, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, id, out["gameId"])
		_, ok := out["players"]
		assert.True(t, ok)
	})

	t.Run("by name", func(t *testing.T) {
		resp, out := doJSON(t, http.MethodGet, r.server.URL+"/session/by-name/小明", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, id, out["gameId"])
		assert.Equal(t, false, out["local"])
	})

	t.Run("unknown id is 404", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, r.server.URL+"/session/沒有這場", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("unknown name is 404", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodGet, r.server.URL+"/session/by-name/沒有這人", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

// TestHandler_LocalMode PATCH 切換本地雙打
func TestHandler_LocalMode(t *testing.T) {
	r := newRig(t, nil)
	id := r.createSession(t, "小明", false)
	es := r.engine.waitStream(t)

	resp, out := doJSON(t, http.MethodPatch, r.server.URL+"/session/"+id+"/local-mode",
		map[string]any{"local": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, out["ok"])

	// 切到本地模式立刻填滿名額並送出 ready
	assert.Equal(t, "ready", es.expectLine(t)["type"])

	_, out = doJSON(t, http.MethodGet, r.server.URL+"/session/by-name/小明", nil)
	assert.Equal(t, true, out["local"])

	t.Run("unknown id is 404", func(t *testing.T) {
		resp, _ := doJSON(t, http.MethodPatch, r.server.URL+"/session/沒有這場/local-mode",
			map[string]any{"local": true})
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

// TestHandler_HealthAndStats 健康檢查與統計
func TestHandler_HealthAndStats(t *testing.T) {
	r := newRig(t, nil)

	resp, out := doJSON(t, http.MethodGet, r.server.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", out["status"])

	r.createSession(t, "小明", false)
	resp, out = doJSON(t, http.MethodGet, r.server.URL+"/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), out["total_sessions"])
}
