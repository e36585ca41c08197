package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Handler HTTP 控制面
//
// 薄薄一層：比賽的建立與查詢給前端用，
// 真正的遊戲流量走 WebSocket。
type Handler struct {
	manager *Manager
	logger  *slog.Logger
}

// NewHandler 創建 HTTP 處理器
func NewHandler(manager *Manager, logger *slog.Logger) *Handler {
	return &Handler{manager: manager, logger: logger}
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.recoverer(h.loggerMiddleware(handler))
	}

	mux.HandleFunc("POST /session", wrap(h.createSession))
	mux.HandleFunc("GET /session/by-name/{name}", wrap(h.sessionByName))
	mux.HandleFunc("GET /session/{id}", wrap(h.sessionByID))
	mux.HandleFunc("PATCH /session/{id}/local-mode", wrap(h.setLocalMode))

	// WebSocket 升級（中間件外：升級後的連線不走一般日誌）
	mux.HandleFunc("GET /ws/{game_id}", h.manager.ServeWS)

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /stats", wrap(h.stats))

	return mux
}

type createSessionRequest struct {
	Name    string `json:"name"`
	IsLocal bool   `json:"isLocal"`
}

type localModeRequest struct {
	Local bool `json:"local"`
}

// createSession 建立比賽
//
// 冪等：同名已佔用非本地比賽時回傳既有比賽 id。
func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		h.errorResponse(w, "名稱不能為空", http.StatusBadRequest)
		return
	}

	id, err := h.manager.CreateSession(req.Name, req.IsLocal)
	if err != nil {
		if errors.Is(err, ErrCapacity) {
			h.errorResponse(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		h.errorResponse(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.jsonResponse(w, map[string]any{"gameId": id}, http.StatusOK)
}

// sessionByName 依顯示名稱查詢比賽（重連與觀戰入口）
func (h *Handler) sessionByName(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	id, s := h.manager.SessionByName(name)
	if s == nil {
		h.errorResponse(w, "比賽不存在", http.StatusNotFound)
		return
	}

	h.jsonResponse(w, map[string]any{
		"gameId":      id,
		"local":       s.IsLocal(),
		"players":     s.MembersView(),
		"isSpectator": s.IsSpectator(name),
	}, http.StatusOK)
}

// sessionByID 依比賽 id 查詢
func (h *Handler) sessionByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s := h.manager.Session(id)
	if s == nil {
		h.errorResponse(w, "比賽不存在", http.StatusNotFound)
		return
	}

	h.jsonResponse(w, map[string]any{
		"gameId":  id,
		"players": s.MembersView(),
	}, http.StatusOK)
}

// setLocalMode 切換本地雙打模式
func (h *Handler) setLocalMode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	s := h.manager.Session(id)
	if s == nil {
		h.errorResponse(w, "比賽不存在", http.StatusNotFound)
		return
	}

	var req localModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.errorResponse(w, "無效的請求格式", http.StatusBadRequest)
		return
	}

	s.SetLocalMode(req.Local)
	h.jsonResponse(w, map[string]any{"ok": true}, http.StatusOK)
}

// health 健康檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// stats 統計資訊
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.manager.Stats(), http.StatusOK)
}

// jsonResponse 返回 JSON 響應
func (h *Handler) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 返回錯誤響應
func (h *Handler) errorResponse(w http.ResponseWriter, message string, status int) {
	h.jsonResponse(w, map[string]any{"error": message}, status)
}

// loggerMiddleware 日誌中間件
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(ww, r)

		h.logger.Info("HTTP 請求",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start))
	}
}

// recoverer panic 恢復中間件
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)
				h.errorResponse(w, "內部伺服器錯誤", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

// responseWriter 包裝 ResponseWriter 以獲取狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}
