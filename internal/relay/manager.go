package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Transcendeu/transcendence-sub000/internal/history"
)

// ErrCapacity 比賽數已達上限（HTTP 層映射為 503）
var ErrCapacity = errors.New("比賽數已達上限")

// Manager 比賽註冊表
//
// 明確持有兩張索引：比賽 id → Session、顯示名稱 → 比賽 id。
// 全部狀態都在這個物件裡，沒有進程級的全域變數，
// 生命週期與測試隔離因此是顯式的。
//
// 鎖紀律：Manager 鎖只保護兩張索引；Session 鎖保護單場
// 成員簿記。絕不在持有 Manager 鎖時去取 Session 鎖，
// 反向（join 時登記名稱索引）是唯一允許的巢狀方向。
type Manager struct {
	cfg      *Config
	logger   *slog.Logger
	recorder history.Recorder
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*Session
	names    map[string]string // 顯示名稱 → 比賽 id
}

// NewManager 建立比賽註冊表
func NewManager(cfg *Config, logger *slog.Logger, recorder history.Recorder) *Manager {
	if recorder == nil {
		recorder = history.NopRecorder{}
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// 生產環境應檢查來源
				return true
			},
		},
		sessions: make(map[string]*Session),
		names:    make(map[string]string),
	}
}

func (m *Manager) gracePeriod() time.Duration {
	return m.cfg.Session.GracePeriod
}

// CreateSession 建立（或找回）一場比賽
//
// 冪等：名稱已佔用一場非本地比賽時，回傳既有比賽 id。
// 同名並發建立以單一寫鎖裁決：先撥號建好比賽，查與插在
// 同一把鎖內完成，輸家當場丟棄剛建立的比賽。判定用的
// createdLocal 不可變，鎖內讀取不需要 Session 鎖。
// 超過容量上限時拒絕（資源耗盡屬於明確有界的錯誤，
// 不能放任記憶體無限成長）。
func (m *Manager) CreateSession(name string, isLocal bool) (string, error) {
	if name == "" {
		return "", fmt.Errorf("名稱不能為空")
	}

	// 快路徑：名稱已登記就不必撥號
	if id, existing := m.SessionByName(name); existing != nil && !existing.createdLocal {
		return id, nil
	}

	id := uuid.NewString()

	// 每場比賽一條通往 engine 的持久串流，第一行送裸比賽 id 路由
	conn, err := net.DialTimeout("tcp", m.cfg.EngineAddr, 5*time.Second)
	if err != nil {
		return "", fmt.Errorf("連接比賽引擎失敗: %w", err)
	}
	if _, err := conn.Write([]byte(id + "\n")); err != nil {
		conn.Close()
		return "", fmt.Errorf("路由比賽串流失敗: %w", err)
	}

	s := newSession(m, id, conn, isLocal, name)

	m.mu.Lock()
	if existingID, ok := m.names[name]; ok {
		if existing := m.sessions[existingID]; existing != nil && !existing.createdLocal {
			// 同名並發建立輸了：丟棄剛建立的比賽
			m.mu.Unlock()
			s.teardown()
			return existingID, nil
		}
	}
	if len(m.sessions) >= m.cfg.Session.MaxSessions {
		m.mu.Unlock()
		s.teardown()
		return "", ErrCapacity
	}
	m.sessions[id] = s
	m.names[name] = id
	m.mu.Unlock()

	m.logger.Info("比賽已建立", "game_id", id, "name", name, "local", isLocal)
	return id, nil
}

// Session 依 id 查詢
func (m *Manager) Session(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

// SessionByName 依顯示名稱查詢
func (m *Manager) SessionByName(name string) (string, *Session) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names[name]
	if !ok {
		return "", nil
	}
	return id, m.sessions[id]
}

// indexName 登記名稱索引（join 時由 Session 呼叫）
func (m *Manager) indexName(name, id string) {
	if name == "" {
		return
	}
	m.mu.Lock()
	m.names[name] = id
	m.mu.Unlock()
}

// removeSession 拆除比賽並清除索引（冪等）
func (m *Manager) removeSession(id, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	// 先收集成員名稱再清索引，避免持有兩把鎖
	names := s.memberNames()
	m.mu.Lock()
	for _, n := range names {
		if m.names[n] == id {
			delete(m.names, n)
		}
	}
	m.mu.Unlock()

	s.teardown()
	m.logger.Info("比賽已拆除", "game_id", id, "reason", reason)
}

// expireIfEmpty 寬限定時器到期的回呼
func (m *Manager) expireIfEmpty(id string) {
	s := m.Session(id)
	if s == nil || !s.isEmpty() {
		return
	}
	m.removeSession(id, "寬限逾時")
}

// ServeWS WebSocket 升級入口
//
// 路由錯誤（未知比賽 id）在升級前以 404 拒絕，
// 不影響其他比賽。
func (m *Manager) ServeWS(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("game_id")
	s := m.Session(gameID)
	if s == nil {
		http.Error(w, "比賽不存在", http.StatusNotFound)
		return
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("升級 WebSocket 失敗", "error", err)
		return
	}

	c := newClient(s, conn)
	if !s.addClient(c) {
		// 升級與拆除的競賽：比賽剛好被收掉
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

// Stats 統計資訊
func (m *Manager) Stats() map[string]any {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	total := len(m.sessions)
	m.mu.RUnlock()

	clients := 0
	for _, id := range ids {
		if s := m.Session(id); s != nil {
			clients += s.ConnectedCount()
		}
	}

	return map[string]any{
		"total_sessions":    total,
		"connected_clients": clients,
	}
}

// Stop 拆除所有比賽
func (m *Manager) Stop() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.removeSession(id, "伺服器關閉")
	}
	m.logger.Info("比賽註冊表已停止")
}
